package services

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sevapulse/sevapulse/db"
)

// Recipient is the resolved target of an escalation alert
type Recipient struct {
	Role        string
	Name        string
	Phone       string
	DeviceToken *string
}

// DispatchOutcome is the structured result of one delivery attempt. The
// dispatcher never propagates an error upward; callers inspect and log this
// instead.
type DispatchOutcome struct {
	Status            string // sent, failed
	ProviderMessageID string
	Err               string
}

// EscalationNotifier is implemented by the notification dispatcher and
// mocked in tests
type EscalationNotifier interface {
	DispatchEscalation(esc *db.Escalation, office *db.Office, recipient Recipient) DispatchOutcome
}

// NotificationService delivers escalation alerts over the WhatsApp gateway,
// mirrors them to the officials app via FCM when a device token exists, and
// writes exactly one immutable audit record per attempt.
type NotificationService struct {
	PG                 *sql.DB
	WhatsApp           *WhatsAppService
	FCM                *FCMService
	DefaultCountryCode string
}

func NewNotificationService(pg *sql.DB, whatsapp *WhatsAppService, fcm *FCMService, defaultCountryCode string) *NotificationService {
	if defaultCountryCode == "" {
		defaultCountryCode = "+91"
	}
	return &NotificationService{
		PG:                 pg,
		WhatsApp:           whatsapp,
		FCM:                fcm,
		DefaultCountryCode: defaultCountryCode,
	}
}

// DispatchEscalation attempts delivery and audits the outcome. Every path,
// including missing credentials and provider rejection, ends in an audit
// row; none ends in a propagated error.
func (s *NotificationService) DispatchEscalation(esc *db.Escalation, office *db.Office, recipient Recipient) DispatchOutcome {
	body := renderEscalationMessage(esc, office, recipient.Role)
	phone := NormalizePhone(recipient.Phone, s.DefaultCountryCode)

	record := db.EscalationNotification{
		ID:             uuid.New().String(),
		EscalationID:   esc.ID,
		Channel:        "whatsapp",
		RecipientRole:  recipient.Role,
		RecipientPhone: phone,
		Message:        body,
		CreatedAt:      time.Now().UTC(),
	}

	outcome := DispatchOutcome{}
	providerID, err := s.WhatsApp.SendMessage(phone, body)
	if err != nil {
		errText := err.Error()
		record.Status = db.NotificationFailed
		record.ErrorMessage = &errText
		outcome.Status = db.NotificationFailed
		outcome.Err = errText
	} else {
		record.Status = db.NotificationSent
		record.ProviderMessageID = &providerID
		outcome.Status = db.NotificationSent
		outcome.ProviderMessageID = providerID
	}

	if err := s.insertAuditRecord(record); err != nil {
		// The audit write itself failing is a store fault; the delivery
		// outcome still stands for the caller.
		log.Printf("Notification: failed to write audit record for escalation %s: %v", esc.ID, err)
	}

	s.pushCopy(esc, office, recipient)
	return outcome
}

// pushCopy mirrors the alert to the official's device. Best effort only.
func (s *NotificationService) pushCopy(esc *db.Escalation, office *db.Office, recipient Recipient) {
	if s.FCM == nil || recipient.DeviceToken == nil || *recipient.DeviceToken == "" {
		return
	}
	if err := s.FCM.SendEscalationPush(*recipient.DeviceToken, esc, office); err != nil {
		log.Printf("Notification: push copy failed for escalation %s: %v", esc.ID, err)
	}
}

func (s *NotificationService) insertAuditRecord(n db.EscalationNotification) error {
	query := `
		INSERT INTO escalation_notifications
			(id, escalation_id, channel, recipient_role, recipient_phone, message, provider_message_id, status, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.PG.Exec(query, n.ID, n.EscalationID, n.Channel, n.RecipientRole,
		n.RecipientPhone, n.Message, n.ProviderMessageID, n.Status, n.ErrorMessage, n.CreatedAt)
	return err
}

// ListNotifications returns the audit trail for one escalation, oldest first
func (s *NotificationService) ListNotifications(escalationID string) ([]db.EscalationNotification, error) {
	query := `
		SELECT id, escalation_id, channel, recipient_role, recipient_phone, message,
		       provider_message_id, status, error_message, created_at
		FROM escalation_notifications
		WHERE escalation_id = $1
		ORDER BY created_at`

	rows, err := s.PG.Query(query, escalationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %v", err)
	}
	defer rows.Close()

	var out []db.EscalationNotification
	for rows.Next() {
		var n db.EscalationNotification
		if err := rows.Scan(&n.ID, &n.EscalationID, &n.Channel, &n.RecipientRole,
			&n.RecipientPhone, &n.Message, &n.ProviderMessageID, &n.Status,
			&n.ErrorMessage, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ===========================
// MESSAGE RENDERING
// ===========================

var roleLabels = map[string]string{
	db.RoleOfficeHead:             "Office Head",
	db.RoleDistrictCollector:      "District Collector",
	db.RoleDivisionalCommissioner: "Divisional Commissioner",
	db.RoleGuardianSecretary:      "Guardian Secretary",
}

// renderEscalationMessage produces the deterministic per-level alert body.
// Each level has its own template and urgency marker.
func renderEscalationMessage(esc *db.Escalation, office *db.Office, role string) string {
	label := roleLabels[role]
	if label == "" {
		label = role
	}

	evidence := fmt.Sprintf("%s, %s (%s)\nCurrent score: %.1f against the required %.1f.\nBelow threshold for %d consecutive month(s).",
		office.Name, office.Location, office.Department,
		esc.OMESAtTrigger, esc.ThresholdUsed, esc.ConsecutiveMonthsBelow)

	switch esc.Level {
	case 1:
		return fmt.Sprintf("NOTICE - Level 1 Escalation\nFor the attention of the %s.\n\nCitizen feedback for your office has fallen below the expected standard.\n%s\n\nPlease review recent feedback and take corrective steps.", label, evidence)
	case 2:
		return fmt.Sprintf("WARNING - Level 2 Escalation\nFor the attention of the %s.\n\nSustained poor citizen feedback has been recorded at the office below.\n%s\n\nKindly direct the office to submit a corrective action plan.", label, evidence)
	case 3:
		return fmt.Sprintf("URGENT - Level 3 Escalation\nFor the attention of the %s.\n\nDespite a corrective action on file, citizen feedback has not recovered at the office below.\n%s\n\nDivisional intervention is requested.", label, evidence)
	case 4:
		return fmt.Sprintf("CRITICAL - Level 4 Escalation\nFor the attention of the %s.\n\nProlonged service failure with no corrective action on record at the office below.\n%s\n\nImmediate administrative intervention is required.", label, evidence)
	default:
		return fmt.Sprintf("Escalation alert for %s.\n%s", label, evidence)
	}
}

// NormalizePhone converts a number to canonical international form. Bare
// local-format numbers are assumed domestic and get the default country
// prefix. Channel framing (whatsapp:) is never part of the canonical form.
func NormalizePhone(phone, defaultCountryCode string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))

	cleaned = strings.TrimPrefix(cleaned, "whatsapp:")

	switch {
	case cleaned == "":
		return cleaned
	case strings.HasPrefix(cleaned, "+"):
		return cleaned
	case strings.HasPrefix(cleaned, "00"):
		return "+" + cleaned[2:]
	case len(cleaned) == 10:
		return defaultCountryCode + cleaned
	case len(cleaned) == 12 && strings.HasPrefix(cleaned, strings.TrimPrefix(defaultCountryCode, "+")):
		return "+" + cleaned
	default:
		return defaultCountryCode + cleaned
	}
}
