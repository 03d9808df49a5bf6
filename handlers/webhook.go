package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"wa-agent-support/models"
	"wa-agent-support/services"

	"github.com/gin-gonic/gin"
)

const (
	maxTimestampSkew = 300 * time.Second
	replayTTL        = 5 * time.Minute
	idempotencyTTL   = 24 * time.Hour
)

// GatewayEvent is the webhook envelope posted by the WhatsApp gateway.
type GatewayEvent struct {
	Event string `json:"event"`
	Data  struct {
		Message struct {
			ID        string `json:"id"`
			From      string `json:"from"`
			Body      string `json:"body"`
			FromMe    bool   `json:"fromMe"`
			Timestamp int64  `json:"timestamp"` // unix seconds
		} `json:"message"`
	} `json:"data"`
}

// WebhookHandler verifies and routes inbound gateway events.
type WebhookHandler struct {
	store       services.Store
	kv          services.KV
	coordinator *services.Coordinator
	now         func() time.Time
}

// NewWebhookHandler creates the webhook ingress handler.
func NewWebhookHandler(store services.Store, kv services.KV, coordinator *services.Coordinator) *WebhookHandler {
	return &WebhookHandler{
		store:       store,
		kv:          kv,
		coordinator: coordinator,
		now:         time.Now,
	}
}

// HandleGatewayWebhook processes POST /webhooks/gateway/:sessionId.
// Verification order: session lookup, timestamp skew, HMAC, replay guard,
// idempotency gate, then dispatch. Failures up to and including the
// idempotency gate are never retryable by the sender; errors after that
// surface as 5xx so the gateway redelivers.
func (h *WebhookHandler) HandleGatewayWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("sessionId")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	session, err := h.store.GetSession(ctx, sessionID)
	if err == services.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown session"})
		return
	}
	if err != nil {
		log.Printf("❌ [Webhook] Session lookup failed for %s: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Session lookup failed"})
		return
	}

	signature := c.GetHeader("X-Signature")
	timestampHeader := c.GetHeader("X-Signature-Timestamp")
	if signature == "" || timestampHeader == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing signature headers"})
		return
	}

	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid timestamp"})
		return
	}
	skew := h.now().Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Timestamp outside acceptance window"})
		return
	}

	if !verifySignature(session.WebhookSecret, timestampHeader, body, signature) {
		log.Printf("⚠️  [Webhook] Invalid signature for session %s", sessionID)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	// Replay guard keyed by signature. Set only after successful intake so
	// a gateway retry of a 5xx is not mistaken for a replay. A KV outage
	// degrades the check to best-effort; signed, in-window deliveries pass.
	replayKey := "replay:" + signature
	if _, seen, err := h.kv.Get(ctx, replayKey); err != nil {
		log.Printf("⚠️  [Webhook] Replay check unavailable (%v), continuing", err)
	} else if seen {
		c.JSON(http.StatusOK, gin.H{"success": true, "replay": true})
		return
	}

	var event GatewayEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event payload"})
		return
	}

	if event.Event != "message" || event.Data.Message.ID == "" || event.Data.Message.From == "" {
		// Status updates etc. are acknowledged and dropped
		h.markReplay(ctx, replayKey)
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}
	msg := event.Data.Message

	idemKey := fmt.Sprintf("idem:%s:%s", sessionID, msg.ID)
	if _, seen, err := h.kv.Get(ctx, idemKey); err != nil {
		log.Printf("⚠️  [Webhook] Idempotency check unavailable (%v), continuing", err)
	} else if seen {
		c.JSON(http.StatusOK, gin.H{"success": true, "duplicate": true})
		return
	}

	role := models.RoleUser
	if msg.FromMe {
		role = models.RoleHuman
	}
	ts := h.now()
	if msg.Timestamp > 0 {
		ts = time.Unix(msg.Timestamp, 0)
	}

	inbound := services.InboundMessage{
		SessionID:    sessionID,
		ChatKey:      session.WaAccountID + ":" + msg.From,
		RemoteChatID: msg.From,
		MessageID:    msg.ID,
		Role:         role,
		Text:         msg.Body,
		Timestamp:    ts,
	}
	if err := h.coordinator.Dispatch(inbound); err != nil {
		log.Printf("❌ [Webhook] Dispatch failed for %s: %v", inbound.ChatKey, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Temporarily unable to accept message"})
		return
	}

	// Marked only after the message is accepted, so a crash before this
	// point lets the gateway redeliver.
	if err := h.kv.Set(ctx, idemKey, "1", idempotencyTTL); err != nil {
		log.Printf("⚠️  [Webhook] Failed to set idempotency key %s: %v", idemKey, err)
	}
	h.markReplay(ctx, replayKey)

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *WebhookHandler) markReplay(ctx context.Context, key string) {
	if err := h.kv.Set(ctx, key, "1", replayTTL); err != nil {
		log.Printf("⚠️  [Webhook] Failed to set replay key: %v", err)
	}
}

// verifySignature checks the lowercase-hex HMAC-SHA256 over
// timestamp + "\n" + body in constant time.
func verifySignature(secret, timestamp string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
