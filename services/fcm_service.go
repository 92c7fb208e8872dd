package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/sevapulse/sevapulse/db"
)

// FCMService mirrors escalation alerts to the officials mobile app. It is a
// secondary channel: initialization and send failures are logged, never
// surfaced to the escalation path.
type FCMService struct {
	client *messaging.Client
}

func NewFCMService() (*FCMService, error) {
	service := &FCMService{}

	// GOOGLE_APPLICATION_CREDENTIALS points at the Firebase service account
	// key. Without it the service stays disabled, which is normal outside
	// production.
	credsPath := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	if credsPath == "" {
		log.Println("FCM Service: GOOGLE_APPLICATION_CREDENTIALS not set, push notifications disabled")
		return service, nil
	}

	ctx := context.Background()
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credsPath))
	if err != nil {
		log.Printf("FCM Service: failed to initialize Firebase app: %v", err)
		return service, nil
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		log.Printf("FCM Service: failed to initialize messaging client: %v", err)
		return service, nil
	}

	service.client = client
	log.Println("FCM Service: initialized")
	return service, nil
}

// SendEscalationPush sends one push message to a registered official device
func (s *FCMService) SendEscalationPush(deviceToken string, esc *db.Escalation, office *db.Office) error {
	if s.client == nil {
		log.Println("FCM Service: not configured, skipping push")
		return nil
	}

	msg := &messaging.Message{
		Token: deviceToken,
		Notification: &messaging.Notification{
			Title: fmt.Sprintf("Level %d escalation: %s", esc.Level, office.Name),
			Body: fmt.Sprintf("Score %.1f is below the required %.1f for %d month(s).",
				esc.OMESAtTrigger, esc.ThresholdUsed, esc.ConsecutiveMonthsBelow),
		},
		Data: map[string]string{
			"type":          "escalation",
			"escalation_id": esc.ID,
			"office_id":     office.ID,
			"level":         strconv.Itoa(esc.Level),
		},
	}

	id, err := s.client.Send(context.Background(), msg)
	if err != nil {
		return fmt.Errorf("failed to send push: %v", err)
	}
	log.Printf("FCM Service: push sent (%s)", id)
	return nil
}
