package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	"wa-agent-support/models"
)

// Auto-reply states for sessions and conversations.
const (
	AutoReplyOn  = "on"
	AutoReplyOff = "off"
)

// PunctuationResult is the outcome of scanning an operator message for
// trailing-punctuation control markers.
type PunctuationResult int

const (
	PunctuationNoChange PunctuationResult = iota
	PunctuationPaused
	PunctuationResumed
)

// Intervention manages the two-level auto-reply suppression control:
// session-wide (admin-driven) and per-conversation (operator-driven via
// in-band trailing-punctuation markers).
type Intervention struct {
	store Store
}

// NewIntervention creates the intervention controller.
func NewIntervention(store Store) *Intervention {
	return &Intervention{store: store}
}

// PauseSession flips the session-wide auto-reply switch off.
func (iv *Intervention) PauseSession(ctx context.Context, sessionID string) error {
	if err := iv.store.SetSessionAutoReply(ctx, sessionID, AutoReplyOff); err != nil {
		return err
	}
	iv.audit(ctx, sessionID, "", "session_paused", "admin pause")
	log.Printf("⏸️  [Intervention] Session %s paused", sessionID)
	return nil
}

// ResumeSession flips the session-wide auto-reply switch on.
func (iv *Intervention) ResumeSession(ctx context.Context, sessionID string) error {
	if err := iv.store.SetSessionAutoReply(ctx, sessionID, AutoReplyOn); err != nil {
		return err
	}
	iv.audit(ctx, sessionID, "", "session_resumed", "admin resume")
	log.Printf("▶️  [Intervention] Session %s resumed", sessionID)
	return nil
}

// HandlePunctuationControl inspects the trailing non-whitespace character
// of an operator message. A trailing ASCII comma pauses the conversation,
// a trailing ASCII full stop resumes it. Fullwidth punctuation is ignored
// so CJK text never toggles the markers.
func (iv *Intervention) HandlePunctuationControl(ctx context.Context, sessionID, chatKey, text string) (PunctuationResult, error) {
	trimmed := strings.TrimRight(text, " \t\r\n")
	if trimmed == "" {
		return PunctuationNoChange, nil
	}

	switch trimmed[len(trimmed)-1] {
	case ',':
		if err := iv.store.SetConversationAutoReply(ctx, chatKey, AutoReplyOff); err != nil {
			return PunctuationNoChange, err
		}
		iv.audit(ctx, sessionID, chatKey, "chat_paused", "trailing comma marker")
		log.Printf("⏸️  [Intervention] Conversation %s paused by punctuation marker", chatKey)
		return PunctuationPaused, nil

	case '.':
		if err := iv.store.SetConversationAutoReply(ctx, chatKey, AutoReplyOn); err != nil {
			return PunctuationNoChange, err
		}
		iv.audit(ctx, sessionID, chatKey, "chat_resumed", "trailing full stop marker")
		log.Printf("▶️  [Intervention] Conversation %s resumed by punctuation marker", chatKey)
		return PunctuationResumed, nil
	}

	return PunctuationNoChange, nil
}

// ShouldAutoReply returns true only when both the session and the
// conversation are set to auto-reply. Session precedence is strict: a
// paused session suppresses every chat regardless of conversation state.
func (iv *Intervention) ShouldAutoReply(ctx context.Context, sessionID, chatKey string) (bool, error) {
	session, err := iv.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if session.AutoReply != AutoReplyOn {
		return false, nil
	}

	conv, err := iv.store.GetConversation(ctx, chatKey)
	if err == ErrNotFound {
		// New chat: conversation-level default is on
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load conversation %s: %w", chatKey, err)
	}
	return conv.AutoReply == AutoReplyOn, nil
}

func (iv *Intervention) audit(ctx context.Context, sessionID, chatKey, action, detail string) {
	entry := &models.AuditLog{
		SessionID: sessionID,
		ChatKey:   chatKey,
		Action:    action,
		Detail:    detail,
	}
	if err := iv.store.SaveAudit(ctx, entry); err != nil {
		log.Printf("⚠️  [Intervention] Failed to write audit entry: %v", err)
	}
}

// SafeTrim removes a single trailing ASCII comma or full stop from text.
// Applied to every outbound LLM response so the model's own punctuation
// can never toggle the in-band control markers.
func SafeTrim(text string) string {
	if text == "" {
		return text
	}
	last := text[len(text)-1]
	if last == ',' || last == '.' {
		return text[:len(text)-1]
	}
	return text
}
