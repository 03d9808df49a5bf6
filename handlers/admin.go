package handlers

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"wa-agent-support/models"
	"wa-agent-support/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AdminHandler exposes the JWT-gated operator surface: intervention
// controls, session status, job retries and knowledge-base chunk loads.
type AdminHandler struct {
	store        services.Store
	intervention *services.Intervention
	gateway      services.Gateway
	embedder     services.Embedder
	index        services.VectorIndex
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(store services.Store, intervention *services.Intervention,
	gateway services.Gateway, embedder services.Embedder, index services.VectorIndex) *AdminHandler {
	return &AdminHandler{
		store:        store,
		intervention: intervention,
		gateway:      gateway,
		embedder:     embedder,
		index:        index,
	}
}

// PauseSession handles POST /admin/sessions/:sessionId/pause.
func (h *AdminHandler) PauseSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.intervention.PauseSession(c.Request.Context(), sessionID); err != nil {
		if err == services.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to pause session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "auto_reply": services.AutoReplyOff})
}

// ResumeSession handles POST /admin/sessions/:sessionId/resume.
func (h *AdminHandler) ResumeSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.intervention.ResumeSession(c.Request.Context(), sessionID); err != nil {
		if err == services.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resume session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "auto_reply": services.AutoReplyOn})
}

// SessionStatus handles GET /admin/sessions/:sessionId/status. It merges
// the stored session record with the gateway's live view.
func (h *AdminHandler) SessionStatus(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("sessionId")

	session, err := h.store.GetSession(ctx, sessionID)
	if err == services.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Session lookup failed"})
		return
	}

	response := gin.H{
		"session_id":    session.ID,
		"wa_account_id": session.WaAccountID,
		"status":        session.Status,
		"auto_reply":    session.AutoReply,
	}

	live, err := h.gateway.GetSessionStatus(ctx, sessionID)
	if err != nil {
		log.Printf("⚠️  [Admin] Gateway status unavailable for %s: %v", sessionID, err)
		response["gateway_status"] = "unavailable"
	} else {
		response["gateway_status"] = live.Status
		if live.QRCode != "" {
			response["qr_code"] = live.QRCode
		}
	}

	c.JSON(http.StatusOK, response)
}

// RestartSession handles POST /admin/sessions/:sessionId/restart.
func (h *AdminHandler) RestartSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.gateway.RestartSession(c.Request.Context(), sessionID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Gateway restart failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Conversation handles GET /admin/conversations/:chatKey. Returns the
// conversation record and its recent messages.
func (h *AdminHandler) Conversation(c *gin.Context) {
	ctx := c.Request.Context()
	chatKey := c.Param("chatKey")

	conv, err := h.store.GetConversation(ctx, chatKey)
	if err == services.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Conversation lookup failed"})
		return
	}

	messages, err := h.store.History(ctx, chatKey, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     messages,
	})
}

// RetryJob handles POST /admin/jobs/:jobId/retry. Only failed jobs can
// be retried; the replacement starts with a clean attempt counter.
func (h *AdminHandler) RetryJob(c *gin.Context) {
	ctx := c.Request.Context()

	var jobID uint
	if _, err := fmt.Sscanf(c.Param("jobId"), "%d", &jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job ID"})
		return
	}

	job, err := h.store.GetJob(ctx, jobID)
	if err == services.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Job lookup failed"})
		return
	}
	if job.Status != models.JobStatusFailed {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("Job is %s, only failed jobs can be retried", job.Status)})
		return
	}

	if err := h.store.UpdateJob(ctx, job.ID, map[string]interface{}{
		"status":      models.JobStatusPending,
		"attempts":    0,
		"error_msg":   "",
		"next_run_at": nil,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to requeue job"})
		return
	}

	log.Printf("🔄 [Admin] Job #%d requeued (%s %s turn %d)", job.ID, job.Stage, job.ChatKey, job.Turn)
	c.JSON(http.StatusOK, gin.H{"success": true, "job_id": job.ID})
}

// chunkUpsertRequest is the body of POST /admin/knowledge-bases/:kbId/chunks.
type chunkUpsertRequest struct {
	DocID  string `json:"doc_id" binding:"required"`
	Chunks []struct {
		ChunkIndex int    `json:"chunk_index"`
		Text       string `json:"text" binding:"required"`
	} `json:"chunks" binding:"required"`
}

// UpsertChunks handles POST /admin/knowledge-bases/:kbId/chunks. Chunks
// are embedded, stored in SQL and indexed in one pass.
func (h *AdminHandler) UpsertChunks(c *gin.Context) {
	ctx := c.Request.Context()
	kbID := c.Param("kbId")

	var req chunkUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if len(req.Chunks) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No chunks provided"})
		return
	}

	texts := make([]string, len(req.Chunks))
	for i, chunk := range req.Chunks {
		texts[i] = chunk.Text
	}

	vectors, err := h.embedder.Embed(ctx, texts)
	if err != nil {
		log.Printf("❌ [Admin] Embedding failed for KB %s: %v", kbID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Embedding provider failed"})
		return
	}
	if len(vectors) != len(texts) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Embedding provider returned wrong count"})
		return
	}

	records := make([]models.KbChunk, len(req.Chunks))
	docs := make([]services.VectorDoc, len(req.Chunks))
	for i, chunk := range req.Chunks {
		chunkID := fmt.Sprintf("%s:%s:%d", kbID, req.DocID, chunk.ChunkIndex)
		vectorID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
		records[i] = models.KbChunk{
			ChunkID:    chunkID,
			KbID:       kbID,
			DocID:      req.DocID,
			ChunkIndex: chunk.ChunkIndex,
			Text:       chunk.Text,
			VectorID:   vectorID,
			CreatedAt:  time.Now(),
		}
		docs[i] = services.VectorDoc{
			VectorID:  vectorID,
			KbID:      kbID,
			ChunkID:   chunkID,
			Text:      chunk.Text,
			Embedding: vectors[i],
		}
	}

	if err := h.store.UpsertChunks(ctx, records); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store chunks"})
		return
	}
	if err := h.index.Upsert(ctx, docs); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to index chunks"})
		return
	}

	log.Printf("📚 [Admin] Upserted %d chunk(s) into KB %s (doc %s)", len(records), kbID, req.DocID)
	c.JSON(http.StatusOK, gin.H{"success": true, "chunks": len(records)})
}

// DeleteKnowledgeBase handles DELETE /admin/knowledge-bases/:kbId. Only
// the vector side is dropped here; SQL rows stay for audit.
func (h *AdminHandler) DeleteKnowledgeBase(c *gin.Context) {
	kbID := c.Param("kbId")
	if err := h.index.DeleteKB(c.Request.Context(), kbID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete knowledge base vectors"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
