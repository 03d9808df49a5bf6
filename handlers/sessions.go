package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"

	"wa-agent-support/database"
	"wa-agent-support/models"
	"wa-agent-support/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionHandler manages the WhatsApp session lifecycle: bind creates
// the record and registers the webhook with the gateway, unbind tears
// both down.
type SessionHandler struct {
	db            *gorm.DB
	gateway       services.Gateway
	cipher        services.Cipher
	publicBaseURL string
}

// NewSessionHandler creates the session lifecycle handler.
func NewSessionHandler(gateway services.Gateway, cipher services.Cipher, publicBaseURL string) *SessionHandler {
	return &SessionHandler{
		db:            database.GetDB(),
		gateway:       gateway,
		cipher:        cipher,
		publicBaseURL: publicBaseURL,
	}
}

type bindSessionRequest struct {
	WaAccountID   string  `json:"wa_account_id" binding:"required"`
	AgentID       *string `json:"agent_id"`
	GatewayAPIURL string  `json:"gateway_api_url" binding:"required"`
	GatewayAPIKey string  `json:"gateway_api_key" binding:"required"`
}

// BindSession handles POST /admin/sessions. The gateway API key is
// encrypted before it touches the database; the webhook secret is
// generated here and shared with the gateway at registration.
func (h *SessionHandler) BindSession(c *gin.Context) {
	ctx := c.Request.Context()

	userID, _ := c.Get("user_id")
	userIDStr, _ := userID.(string)
	if userIDStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing user identity"})
		return
	}

	var req bindSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	encryptedKey, err := h.cipher.Encrypt(req.GatewayAPIKey)
	if err != nil {
		log.Printf("❌ [Sessions] Failed to encrypt gateway API key: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to protect gateway credentials"})
		return
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate webhook secret"})
		return
	}
	webhookSecret := hex.EncodeToString(secretBytes)

	session := models.WaSession{
		ID:            uuid.New().String(),
		UserID:        userIDStr,
		WaAccountID:   req.WaAccountID,
		AgentID:       req.AgentID,
		GatewayAPIURL: req.GatewayAPIURL,
		GatewayAPIKey: encryptedKey,
		WebhookSecret: webhookSecret,
		Status:        "connecting",
		AutoReply:     services.AutoReplyOn,
	}
	if err := h.db.WithContext(ctx).Create(&session).Error; err != nil {
		log.Printf("❌ [Sessions] Failed to create session: %v", err)
		c.JSON(http.StatusConflict, gin.H{"error": "Session for this WhatsApp account already exists"})
		return
	}

	webhook := services.WebhookConfig{
		URL:    fmt.Sprintf("%s/webhooks/gateway/%s", h.publicBaseURL, session.ID),
		Events: []string{"message"},
		Secret: webhookSecret,
	}
	if err := h.gateway.CreateSession(ctx, session.ID, webhook); err != nil {
		log.Printf("⚠️  [Sessions] Gateway registration failed for %s: %v", session.ID, err)
		h.db.WithContext(ctx).Model(&session).Update("status", "failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Gateway session registration failed", "session_id": session.ID})
		return
	}

	log.Printf("✅ [Sessions] Session %s bound for account %s", session.ID, session.WaAccountID)
	c.JSON(http.StatusCreated, gin.H{
		"session_id":    session.ID,
		"wa_account_id": session.WaAccountID,
		"status":        session.Status,
	})
}

// UnbindSession handles DELETE /admin/sessions/:sessionId. Conversations,
// messages and jobs cascade with the session.
func (h *SessionHandler) UnbindSession(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("sessionId")

	var session models.WaSession
	if err := h.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chatKeys []string
		if err := tx.Model(&models.Conversation{}).
			Where("session_id = ?", sessionID).
			Pluck("chat_key", &chatKeys).Error; err != nil {
			return err
		}
		if len(chatKeys) > 0 {
			if err := tx.Where("chat_key IN ?", chatKeys).Delete(&models.Message{}).Error; err != nil {
				return err
			}
			if err := tx.Where("chat_key IN ?", chatKeys).Delete(&models.Job{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&models.Conversation{}).Error; err != nil {
			return err
		}
		return tx.Delete(&session).Error
	})
	if err != nil {
		log.Printf("❌ [Sessions] Failed to unbind session %s: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unbind session"})
		return
	}

	log.Printf("🗑️  [Sessions] Session %s unbound", sessionID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
