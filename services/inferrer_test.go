package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"wa-agent-support/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatProvider struct {
	requests []ChatRequest
	response string
	err      error
}

func (f *fakeChatProvider) Chat(_ context.Context, req ChatRequest) (*ChatResult, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &ChatResult{Content: f.response, InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, nil
}

func (f *fakeChatProvider) GetModelName() string { return "test-model" }

func newTestInferrer(store Store, llm ChatProvider) *Inferrer {
	return NewInferrer(store, llm, NewCircuitBreaker("test", 5, time.Minute), 20)
}

func inferPayload(turn int, userMessage string, context []models.ContextChunk) models.InferPayload {
	return models.InferPayload{
		SessionID:    "sess-1",
		ChatKey:      "628111:628222",
		RemoteChatID: "628222",
		Turn:         turn,
		UserMessage:  userMessage,
		Context:      context,
	}
}

func TestInferrerDefaultsWithoutAgent(t *testing.T) {
	store := NewMemoryStore()
	seedSession(store, "sess-1", "628111")
	llm := &fakeChatProvider{response: "Hi, how can I help?"}
	inf := newTestInferrer(store, llm)

	response, err := inf.Infer(context.Background(), inferPayload(1, "hello", nil))
	require.NoError(t, err)
	assert.Equal(t, "Hi, how can I help?", response)

	require.Len(t, llm.requests, 1)
	req := llm.requests[0]
	assert.Equal(t, "", req.Model) // client default
	assert.Equal(t, float32(0.7), req.Temperature)
	assert.Equal(t, 1000, req.MaxTokens)

	require.GreaterOrEqual(t, len(req.Messages), 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, defaultSystemPrompt, req.Messages[0].Content)
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "hello", last.Content)
}

func TestInferrerUsesAgentConfigAndContext(t *testing.T) {
	store := NewMemoryStore()
	seedSession(store, "sess-1", "628111")
	seedAgentWithKBs(store)
	store.Agents["agent-1"].Model = "gpt-4o-mini"
	store.Agents["agent-1"].Temperature = 0.2
	store.Agents["agent-1"].MaxTokens = 500

	llm := &fakeChatProvider{response: "Per our policy..."}
	inf := newTestInferrer(store, llm)

	chunks := []models.ContextChunk{
		{ChunkID: "c1", KbID: "kb-a", Text: "Refunds within 30 days.", Score: 0.9},
	}
	_, err := inf.Infer(context.Background(), inferPayload(1, "refund?", chunks))
	require.NoError(t, err)

	req := llm.requests[0]
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.Equal(t, float32(0.2), req.Temperature)
	assert.Equal(t, 500, req.MaxTokens)

	system := req.Messages[0].Content
	assert.Contains(t, system, "You are the support bot.")
	assert.Contains(t, system, "Knowledge Base")
	assert.Contains(t, system, "Refunds within 30 days.")
	assert.Contains(t, system, "[kb-a]")
}

func TestInferrerIncludesPriorTurnsOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedSession(store, "sess-1", "628111")

	seedHistory := []struct {
		turn   int
		role   string
		text   string
		status string
	}{
		{1, models.RoleUser, "first question", models.MessageStatusCompleted},
		{1, models.RoleAssistant, "first answer", models.MessageStatusCompleted},
		{2, models.RoleUser, "suppressed while paused", models.MessageStatusSuppressed},
		{3, models.RoleUser, "current question", models.MessageStatusProcessing},
	}
	for i, h := range seedHistory {
		require.NoError(t, store.SaveMessage(ctx, &models.Message{
			MessageID: string(rune('a' + i)),
			ChatKey:   "628111:628222",
			Turn:      h.turn,
			Role:      h.role,
			Text:      h.text,
			Status:    h.status,
		}))
	}

	llm := &fakeChatProvider{response: "answer"}
	inf := newTestInferrer(store, llm)

	_, err := inf.Infer(ctx, inferPayload(3, "current question", nil))
	require.NoError(t, err)

	req := llm.requests[0]
	// system + two prior-turn messages + current user message
	require.Len(t, req.Messages, 4)
	assert.Equal(t, "first question", req.Messages[1].Content)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "first answer", req.Messages[2].Content)
	assert.Equal(t, "assistant", req.Messages[2].Role)
	assert.Equal(t, "current question", req.Messages[3].Content)

	for _, msg := range req.Messages {
		assert.NotEqual(t, "suppressed while paused", msg.Content)
	}
}

func TestInferrerRecordsUsage(t *testing.T) {
	store := NewMemoryStore()
	seedSession(store, "sess-1", "628111")
	llm := &fakeChatProvider{response: "tracked"}
	inf := newTestInferrer(store, llm)

	_, err := inf.Infer(context.Background(), inferPayload(1, "hello", nil))
	require.NoError(t, err)

	require.Len(t, store.UsageEntries, 1)
	usage := store.UsageEntries[0]
	assert.Equal(t, "test-model", usage.Model)
	assert.Equal(t, 10, usage.InputTokens)
	assert.Equal(t, 5, usage.OutputTokens)
	assert.Equal(t, 15, usage.TotalTokens)
	assert.Equal(t, "ok", usage.Status)
}

func TestInferrerPropagatesProviderError(t *testing.T) {
	store := NewMemoryStore()
	seedSession(store, "sess-1", "628111")
	llm := &fakeChatProvider{err: errors.New("rate limit exceeded")}
	inf := newTestInferrer(store, llm)

	_, err := inf.Infer(context.Background(), inferPayload(1, "hello", nil))
	require.Error(t, err)
	assert.Empty(t, store.UsageEntries)

	pe := ClassifyError(err)
	assert.Equal(t, ErrClassRateLimited, pe.Class)
}

func TestInferrerCircuitBreakerOpens(t *testing.T) {
	store := NewMemoryStore()
	seedSession(store, "sess-1", "628111")
	llm := &fakeChatProvider{err: errors.New("connection refused")}
	breaker := NewCircuitBreaker("test", 2, time.Minute)
	inf := NewInferrer(store, llm, breaker, 20)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := inf.Infer(ctx, inferPayload(1, "hello", nil))
		require.Error(t, err)
	}
	assert.True(t, breaker.IsOpen())

	// Breaker open: provider is no longer called
	callsBefore := len(llm.requests)
	_, err := inf.Infer(ctx, inferPayload(1, "hello", nil))
	require.Error(t, err)
	assert.Len(t, llm.requests, callsBefore)
	assert.True(t, ClassifyError(err).IsRetryable())
}
