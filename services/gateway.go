package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookConfig is the webhook registration passed at session creation.
type WebhookConfig struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

// SessionStatus is the gateway's view of a WhatsApp session.
type SessionStatus struct {
	Status string `json:"status"` // connecting|scan_qr|working|failed|stopped
	QRCode string `json:"qrCode,omitempty"`
}

// Gateway is the egress port to the WhatsApp gateway service.
type Gateway interface {
	CreateSession(ctx context.Context, sessionID string, webhook WebhookConfig) error
	GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error)
	SendMessage(ctx context.Context, sessionID, chatID, text string) error
	SendTyping(ctx context.Context, sessionID, chatID string, duration time.Duration) error
	RestartSession(ctx context.Context, sessionID string) error
}

// GatewayCredentials resolves per-session gateway endpoint and API key.
// The HTTP gateway uses it to decrypt stored keys lazily per call.
type GatewayCredentials interface {
	GatewayCredentials(ctx context.Context, sessionID string) (apiURL, apiKey string, err error)
}

// httpGateway talks to the WhatsApp gateway over its REST API, one base
// URL and API key per session.
type httpGateway struct {
	creds  GatewayCredentials
	client *http.Client
}

// NewHTTPGateway creates the HTTP gateway client.
func NewHTTPGateway(creds GatewayCredentials, timeout time.Duration) Gateway {
	return &httpGateway{
		creds:  creds,
		client: &http.Client{Timeout: timeout},
	}
}

func (g *httpGateway) do(ctx context.Context, sessionID, method, path string, payload, out interface{}) error {
	apiURL, apiKey, err := g.creds.GatewayCredentials(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to resolve gateway credentials: %w", err)
	}

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal gateway payload: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("token", apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return NewTransientError(fmt.Errorf("gateway request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &PipelineError{Class: ErrClassAuth, StatusCode: resp.StatusCode, Message: "gateway rejected API key"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return NewTransientError(fmt.Errorf("gateway returned %d: %s", resp.StatusCode, respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return nil
}

func (g *httpGateway) CreateSession(ctx context.Context, sessionID string, webhook WebhookConfig) error {
	payload := map[string]interface{}{
		"sessionId": sessionID,
		"webhook":   webhook,
	}
	return g.do(ctx, sessionID, http.MethodPost, "/session/create", payload, nil)
}

func (g *httpGateway) GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	var status SessionStatus
	if err := g.do(ctx, sessionID, http.MethodGet, "/session/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (g *httpGateway) SendMessage(ctx context.Context, sessionID, chatID, text string) error {
	payload := map[string]interface{}{
		"sessionId": sessionID,
		"to":        chatID,
		"text":      text,
	}
	return g.do(ctx, sessionID, http.MethodPost, "/chat/send/text", payload, nil)
}

func (g *httpGateway) SendTyping(ctx context.Context, sessionID, chatID string, duration time.Duration) error {
	payload := map[string]interface{}{
		"sessionId":  sessionID,
		"to":         chatID,
		"durationMs": duration.Milliseconds(),
	}
	return g.do(ctx, sessionID, http.MethodPost, "/chat/presence", payload, nil)
}

func (g *httpGateway) RestartSession(ctx context.Context, sessionID string) error {
	return g.do(ctx, sessionID, http.MethodPost, "/session/restart", nil, nil)
}

// storeCredentials resolves gateway credentials from wa_sessions,
// decrypting the stored API key with the process cipher.
type storeCredentials struct {
	store  Store
	cipher Cipher
}

// NewStoreCredentials builds a GatewayCredentials over the Store.
func NewStoreCredentials(store Store, cipher Cipher) GatewayCredentials {
	return &storeCredentials{store: store, cipher: cipher}
}

func (sc *storeCredentials) GatewayCredentials(ctx context.Context, sessionID string) (string, string, error) {
	session, err := sc.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", "", err
	}

	apiKey := session.GatewayAPIKey
	if sc.cipher != nil && apiKey != "" {
		decrypted, err := sc.cipher.Decrypt(apiKey)
		if err != nil {
			return "", "", fmt.Errorf("failed to decrypt gateway API key for session %s: %w", sessionID, err)
		}
		apiKey = decrypted
	}

	return session.GatewayAPIURL, apiKey, nil
}
