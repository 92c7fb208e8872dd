package handlers

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sevapulse/sevapulse/services"
)

// WebhookHandler receives inbound citizen messages from the WhatsApp
// gateway. It always answers 200 with a well-formed reply body: a transport
// error would make the gateway retry the same inbound event and corrupt
// step progression.
type WebhookHandler struct {
	conversationService *services.ConversationService
}

func NewWebhookHandler(conversationService *services.ConversationService) *WebhookHandler {
	return &WebhookHandler{conversationService: conversationService}
}

type inboundMessage struct {
	From string `json:"from"`
	Body string `json:"body"`
}

// POST /webhook/whatsapp
// Accepts gateway form posts (From/Body) and JSON ({from, body}).
func (h *WebhookHandler) ReceiveMessage(c *gin.Context) {
	sender := c.PostForm("From")
	body := c.PostForm("Body")

	if sender == "" && body == "" {
		var msg inboundMessage
		if err := c.ShouldBindJSON(&msg); err == nil {
			sender = msg.From
			body = msg.Body
		}
	}

	// Missing sender or body is a malformed event: hard reject before any
	// state mutation.
	sender = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(sender), "whatsapp:"))
	if sender == "" || strings.TrimSpace(body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sender and body are required"})
		return
	}

	log.Printf("Webhook: inbound message from %s", sender)

	reply := h.conversationService.HandleInbound(sender, body)
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}
