package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"wa-agent-support/models"
	"wa-agent-support/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec-test"

func newWebhookRig(t *testing.T) (*gin.Engine, *services.MemoryStore, services.KV, *services.Coordinator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := services.NewMemoryStore()
	store.Sessions["sess-1"] = &models.WaSession{
		ID:            "sess-1",
		UserID:        "user-1",
		WaAccountID:   "628111",
		WebhookSecret: testWebhookSecret,
		AutoReply:     services.AutoReplyOn,
		Status:        "working",
	}

	kv := services.NewMemoryKV()
	coordinator := services.NewCoordinator(store, services.NewIntervention(store), 20*time.Millisecond)
	t.Cleanup(coordinator.Stop)

	router := gin.New()
	handler := NewWebhookHandler(store, kv, coordinator)
	router.POST("/webhooks/gateway/:sessionId", handler.HandleGatewayWebhook)
	return router, store, kv, coordinator
}

func signBody(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func messageBody(id, from, text string) []byte {
	return []byte(fmt.Sprintf(
		`{"event":"message","data":{"message":{"id":%q,"from":%q,"body":%q,"fromMe":false,"timestamp":%d}}}`,
		id, from, text, time.Now().Unix()))
}

func postWebhook(router *gin.Engine, sessionID string, body []byte, timestamp, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway/"+sessionID, bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	if timestamp != "" {
		req.Header.Set("X-Signature-Timestamp", timestamp)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func postSigned(router *gin.Engine, sessionID string, body []byte) *httptest.ResponseRecorder {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return postWebhook(router, sessionID, body, ts, signBody(testWebhookSecret, ts, body))
}

func TestWebhookAcceptsValidSignature(t *testing.T) {
	router, store, _, _ := newWebhookRig(t)

	body := messageBody("msg-1", "628222", "hello")
	w := postSigned(router, "sess-1", body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)

	// Message lands in the coordinator and gets persisted
	require.Eventually(t, func() bool {
		return len(store.JobsByStage(models.StageRetrieve)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebhookUnknownSession(t *testing.T) {
	router, _, _, _ := newWebhookRig(t)

	body := messageBody("msg-1", "628222", "hello")
	w := postSigned(router, "no-such-session", body)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	router, store, _, _ := newWebhookRig(t)

	body := messageBody("msg-1", "628222", "hello")
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	// Signed with the wrong secret
	w := postWebhook(router, "sess-1", body, ts, signBody("wrong-secret", ts, body))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid signature over different bytes
	w = postWebhook(router, "sess-1", body, ts, signBody(testWebhookSecret, ts, []byte("other body")))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Missing headers entirely
	w = postWebhook(router, "sess-1", body, "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, store.JobsByStage(models.StageRetrieve))
}

func TestWebhookRejectsStaleTimestamp(t *testing.T) {
	router, _, _, _ := newWebhookRig(t)

	body := messageBody("msg-1", "628222", "hello")
	stale := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	w := postWebhook(router, "sess-1", body, stale, signBody(testWebhookSecret, stale, body))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	future := strconv.FormatInt(time.Now().Add(10*time.Minute).Unix(), 10)
	w = postWebhook(router, "sess-1", body, future, signBody(testWebhookSecret, future, body))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookReplayIsIdempotentNoOp(t *testing.T) {
	router, store, _, _ := newWebhookRig(t)

	body := messageBody("msg-1", "628222", "hello")
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := signBody(testWebhookSecret, ts, body)

	w := postWebhook(router, "sess-1", body, ts, sig)
	require.Equal(t, http.StatusOK, w.Code)

	// Byte-identical replay: accepted but performs no work
	w = postWebhook(router, "sess-1", body, ts, sig)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"replay":true`)

	require.Eventually(t, func() bool {
		return len(store.JobsByStage(models.StageRetrieve)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, store.JobsByStage(models.StageRetrieve), 1)
}

func TestWebhookDuplicateMessageIDIsIdempotent(t *testing.T) {
	router, store, _, _ := newWebhookRig(t)

	// Same message ID delivered twice with different timestamps (so the
	// replay guard does not catch it first)
	body := messageBody("msg-1", "628222", "hello")
	w := postSigned(router, "sess-1", body)
	require.Equal(t, http.StatusOK, w.Code)

	ts := strconv.FormatInt(time.Now().Add(2*time.Second).Unix(), 10)
	w = postWebhook(router, "sess-1", body, ts, signBody(testWebhookSecret, ts, body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duplicate":true`)

	require.Eventually(t, func() bool {
		return len(store.JobsByStage(models.StageRetrieve)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, store.JobsByStage(models.StageRetrieve), 1)
}

func TestWebhookIgnoresNonMessageEvents(t *testing.T) {
	router, store, _, _ := newWebhookRig(t)

	body := []byte(`{"event":"session.status","data":{}}`)
	w := postSigned(router, "sess-1", body)
	assert.Equal(t, http.StatusOK, w.Code)

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, store.JobsByStage(models.StageRetrieve))
}

func TestWebhookOperatorMessageRoutesAsHuman(t *testing.T) {
	router, store, _, _ := newWebhookRig(t)

	body := []byte(fmt.Sprintf(
		`{"event":"message","data":{"message":{"id":"h1","from":"628222","body":"taking over,","fromMe":true,"timestamp":%d}}}`,
		time.Now().Unix()))
	w := postSigned(router, "sess-1", body)
	require.Equal(t, http.StatusOK, w.Code)

	// Punctuation marker lands: conversation paused, no reply pipeline
	require.Eventually(t, func() bool {
		conv, err := store.GetConversation(context.Background(), "628111:628222")
		return err == nil && conv.AutoReply == services.AutoReplyOff
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, store.JobsByStage(models.StageRetrieve))
}
