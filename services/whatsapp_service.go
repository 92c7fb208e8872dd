package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// ErrChannelNotConfigured is returned when gateway credentials are absent.
// Non-production environments run without them; callers treat this as a
// soft skip-and-log condition, never a crash.
var ErrChannelNotConfigured = errors.New("whatsapp gateway not configured")

// WhatsAppService talks to the outbound WhatsApp HTTP gateway
type WhatsAppService struct {
	gatewayURL string
	apiToken   string
	fromNumber string
	client     *http.Client
}

type whatsAppSendRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

type whatsAppSendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

func NewWhatsAppService() *WhatsAppService {
	gatewayURL := os.Getenv("WHATSAPP_GATEWAY_URL")
	apiToken := os.Getenv("WHATSAPP_GATEWAY_TOKEN")
	fromNumber := os.Getenv("WHATSAPP_FROM_NUMBER")

	if gatewayURL == "" || apiToken == "" {
		log.Println("Warning: WhatsApp gateway not configured, outbound messages will be skipped and logged")
	}

	return &WhatsAppService{
		gatewayURL: gatewayURL,
		apiToken:   apiToken,
		fromNumber: fromNumber,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// IsConfigured reports whether the gateway credentials are present
func (s *WhatsAppService) IsConfigured() bool {
	return s.gatewayURL != "" && s.apiToken != ""
}

// SendMessage delivers one message and returns the provider message id.
// The "whatsapp:" channel framing is applied here, at the transport
// boundary only; canonical numbers are stored unframed.
func (s *WhatsAppService) SendMessage(to, body string) (string, error) {
	if !s.IsConfigured() {
		return "", ErrChannelNotConfigured
	}

	payload := whatsAppSendRequest{
		From: "whatsapp:" + s.fromNumber,
		To:   "whatsapp:" + to,
		Body: body,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.gatewayURL+"/v1/messages", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to build gateway request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	var parsed whatsAppSendResponse
	_ = json.Unmarshal(respBody, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parsed.Error != "" {
			return "", fmt.Errorf("gateway rejected message (%d): %s", resp.StatusCode, parsed.Error)
		}
		return "", fmt.Errorf("gateway rejected message (%d): %s", resp.StatusCode, string(respBody))
	}

	return parsed.MessageID, nil
}
