package services

import (
	"context"
	"fmt"
	"log"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ChatMessage is one entry in an LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"` // system|user|assistant
	Content string `json:"content"`
}

// ChatRequest is the LLM port request shape.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float32
	MaxTokens   int
}

// ChatResult carries the completion and token usage.
type ChatResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ChatProvider is the LLM port. Implementations must classify failures
// via PipelineError so the worker can retry correctly.
type ChatProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResult, error)
	GetModelName() string
}

// OpenAIChatClient wraps an OpenAI-compatible endpoint (aihubmix by default).
type OpenAIChatClient struct {
	client       *openai.Client
	defaultModel string
	timeout      time.Duration
	limiter      *RateLimiter
	limiterKey   string
}

// NewOpenAIChatClient creates the chat client. The rate limiter is
// optional; when present every call is gated on it first.
func NewOpenAIChatClient(baseURL, apiKey, defaultModel string, timeout time.Duration, limiter *RateLimiter) (*OpenAIChatClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("LLM API key not set")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	log.Printf("[LLM] Initialized client | base=%s | model=%s | timeout=%s", cfg.BaseURL, defaultModel, timeout)

	return &OpenAIChatClient{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: defaultModel,
		timeout:      timeout,
		limiter:      limiter,
		limiterKey:   HashAPIKey(apiKey),
	}, nil
}

// Chat sends the composed messages to the LLM and returns the reply with
// token counts.
func (c *OpenAIChatClient) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if c.limiter != nil {
		verdict, err := c.limiter.CheckLimit(ctx, "chat", c.limiterKey)
		if err == nil && !verdict.Allowed {
			return nil, &PipelineError{
				Class:      ErrClassRateLimited,
				StatusCode: 429,
				Message:    "local rate limit exceeded",
				RetryAfter: verdict.RetryAfter,
			}
		}
		// err != nil means the limiter failed open; proceed
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()

	resp, err := c.client.CreateChatCompletion(timeoutCtx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, ClassifyError(fmt.Errorf("LLM API error: %w", err))
	}

	if c.limiter != nil {
		c.limiter.RecordRequest(ctx, "chat", c.limiterKey)
	}

	if len(resp.Choices) == 0 {
		return nil, NewTransientError(fmt.Errorf("no choices in LLM response"))
	}

	latency := time.Since(start).Milliseconds()
	log.Printf("[LLM] Success | model=%s | latency=%dms | in=%d | out=%d | total=%d",
		model, latency, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)

	return &ChatResult{
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}, nil
}

// GetModelName returns the default model name
func (c *OpenAIChatClient) GetModelName() string {
	return c.defaultModel
}
