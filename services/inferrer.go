package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"wa-agent-support/models"
)

// defaultSystemPrompt is used when a session has no agent bound.
const defaultSystemPrompt = "You are a friendly and professional customer service assistant."

// Inferrer assembles the system prompt, retrieved context and chat
// history for one turn and calls the LLM.
type Inferrer struct {
	store        Store
	llm          ChatProvider
	breaker      *CircuitBreaker
	historyLimit int
}

// NewInferrer creates the inferrer. The circuit breaker wraps every LLM
// call so a failing provider cannot cascade.
func NewInferrer(store Store, llm ChatProvider, breaker *CircuitBreaker, historyLimit int) *Inferrer {
	return &Inferrer{
		store:        store,
		llm:          llm,
		breaker:      breaker,
		historyLimit: historyLimit,
	}
}

// Infer runs the LLM call for a turn and returns the raw response text.
// Token usage is recorded on success.
func (inf *Inferrer) Infer(ctx context.Context, payload models.InferPayload) (string, error) {
	session, err := inf.store.GetSession(ctx, payload.SessionID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve session: %w", err)
	}

	systemPrompt := defaultSystemPrompt
	model := ""
	var temperature float32 = 0.7
	maxTokens := 1000

	agent, _, err := inf.store.AgentForSession(ctx, session)
	if err != nil && err != ErrNotFound {
		return "", fmt.Errorf("failed to resolve agent: %w", err)
	}
	if agent != nil {
		if agent.PromptSystem != "" {
			systemPrompt = agent.PromptSystem
		}
		model = agent.Model
		temperature = agent.Temperature
		if agent.MaxTokens > 0 {
			maxTokens = agent.MaxTokens
		}
	}

	if len(payload.Context) > 0 {
		var sb strings.Builder
		sb.WriteString(systemPrompt)
		sb.WriteString("\n\n=== Knowledge Base ===\n")
		for _, chunk := range payload.Context {
			sb.WriteString(fmt.Sprintf("\n[%s]\n%s\n", chunk.KbID, chunk.Text))
		}
		systemPrompt = sb.String()
	}

	// Prior turns only: the current turn's user message is already
	// persisted and must not appear twice.
	history, err := inf.store.History(ctx, payload.ChatKey, inf.historyLimit)
	if err != nil {
		return "", fmt.Errorf("failed to load history: %w", err)
	}

	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(messages, ChatMessage{Role: "system", Content: systemPrompt})
	for _, msg := range history {
		if msg.Turn >= payload.Turn {
			continue
		}
		role := "user"
		if msg.Role == models.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, ChatMessage{Role: role, Content: msg.Text})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: payload.UserMessage})

	start := time.Now()

	var result *ChatResult
	err = inf.breaker.Call(func() error {
		var llmErr error
		result, llmErr = inf.llm.Chat(ctx, ChatRequest{
			Model:       model,
			Messages:    messages,
			Temperature: temperature,
			MaxTokens:   maxTokens,
		})
		return llmErr
	})
	if err != nil {
		return "", err
	}

	latency := time.Since(start).Milliseconds()

	usedModel := model
	if usedModel == "" {
		usedModel = inf.llm.GetModelName()
	}
	usage := &models.UsageLog{
		SessionID:    payload.SessionID,
		ChatKey:      payload.ChatKey,
		Turn:         payload.Turn,
		Model:        usedModel,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		TotalTokens:  result.TotalTokens,
		LatencyMs:    int(latency),
		Status:       "ok",
	}
	if err := inf.store.SaveUsage(ctx, usage); err != nil {
		log.Printf("⚠️  [Inferrer] Failed to record usage: %v", err)
	}

	return result.Content, nil
}
