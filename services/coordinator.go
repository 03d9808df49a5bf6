package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"wa-agent-support/models"
)

const (
	mailboxCapacity = 256
	mailboxIdleTTL  = 5 * time.Minute
)

// InboundMessage is a parsed gateway event routed to the coordinator.
type InboundMessage struct {
	SessionID    string
	ChatKey      string
	RemoteChatID string
	MessageID    string
	Role         string // user (customer) or human (operator, fromMe)
	Text         string
	Timestamp    time.Time
}

// Coordinator owns one logical actor per chatKey. Messages for the same
// chat are serialized through a dedicated mailbox goroutine; different
// chats run in parallel. Each mailbox runs the merge window that
// coalesces message bursts into a single processing turn.
type Coordinator struct {
	store        Store
	intervention *Intervention
	mergeWindow  time.Duration
	now          func() time.Time

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

type mailbox struct {
	chatKey string
	ch      chan InboundMessage
}

// NewCoordinator creates the chat session coordinator.
func NewCoordinator(store Store, intervention *Intervention, mergeWindow time.Duration) *Coordinator {
	return &Coordinator{
		store:        store,
		intervention: intervention,
		mergeWindow:  mergeWindow,
		now:          time.Now,
		mailboxes:    make(map[string]*mailbox),
		shutdown:     make(chan struct{}),
	}
}

// Dispatch routes an inbound message to its chat's mailbox, spawning the
// mailbox worker on first use. Returns an error when the mailbox is full
// so the webhook can surface a 5xx and let the gateway retry.
func (c *Coordinator) Dispatch(msg InboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.shutdown:
		return fmt.Errorf("coordinator is shutting down")
	default:
	}

	mb, ok := c.mailboxes[msg.ChatKey]
	if !ok {
		mb = &mailbox{chatKey: msg.ChatKey, ch: make(chan InboundMessage, mailboxCapacity)}
		c.mailboxes[msg.ChatKey] = mb
		c.wg.Add(1)
		go c.runMailbox(mb)
	}

	select {
	case mb.ch <- msg:
		return nil
	default:
		return fmt.Errorf("mailbox for %s is full", msg.ChatKey)
	}
}

// Stop drains the coordinator: no new dispatches are accepted, in-flight
// merge windows are flushed, mailbox workers exit.
func (c *Coordinator) Stop() {
	// Closing under the mutex means no Dispatch can pass the shutdown
	// check and wg.Add after the close; wg.Wait sees a settled counter.
	c.mu.Lock()
	close(c.shutdown)
	c.mu.Unlock()
	c.wg.Wait()
	log.Println("✅ Coordinator stopped")
}

// tryEvict removes an idle mailbox from the map. Safe against concurrent
// Dispatch because both sides hold the coordinator mutex: once removed,
// no new sends can target this mailbox.
func (c *Coordinator) tryEvict(mb *mailbox) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(mb.ch) > 0 {
		return false
	}
	delete(c.mailboxes, mb.chatKey)
	return true
}

// runMailbox is the single-threaded actor loop for one chat.
func (c *Coordinator) runMailbox(mb *mailbox) {
	defer c.wg.Done()

	var buffer []string
	var deadline <-chan time.Time
	var pending InboundMessage // identity of the turn being merged

	flush := func() {
		deadline = nil
		if len(buffer) == 0 {
			return
		}
		merged := strings.Join(buffer, " ")
		buffer = nil
		c.emitTurn(pending, merged)
	}

	for {
		select {
		case msg := <-mb.ch:
			if c.handleMessage(msg) {
				buffer = append(buffer, msg.Text)
				pending = msg
				deadline = time.After(c.mergeWindow) // restart the window
			}

		case <-deadline:
			flush()

		case <-time.After(mailboxIdleTTL):
			if len(buffer) == 0 && c.tryEvict(mb) {
				return
			}

		case <-c.shutdown:
			flush()
			return
		}
	}
}

// handleMessage runs the pre-merge steps for one inbound message and
// reports whether the text should join the merge buffer.
func (c *Coordinator) handleMessage(msg InboundMessage) bool {
	ctx := context.Background()

	conv, err := c.store.EnsureConversation(ctx, msg.ChatKey, msg.SessionID)
	if err != nil {
		log.Printf("❌ [Coordinator] Failed to ensure conversation %s: %v", msg.ChatKey, err)
		return false
	}

	// Persist with a provisional turn. The mailbox is single-threaded,
	// so every message of one burst sees the same lastTurn and the
	// provisional value matches the turn assigned at drain time.
	record := &models.Message{
		MessageID: msg.MessageID,
		ChatKey:   msg.ChatKey,
		Turn:      conv.LastTurn + 1,
		Role:      msg.Role,
		Text:      msg.Text,
		Status:    models.MessageStatusPending,
		Timestamp: msg.Timestamp,
	}
	if err := c.store.SaveMessage(ctx, record); err != nil {
		log.Printf("❌ [Coordinator] Failed to persist message %s: %v", msg.MessageID, err)
		return false
	}

	// Operator messages carry the in-band control markers and never get
	// an auto-reply themselves.
	if msg.Role == models.RoleHuman {
		if _, err := c.intervention.HandlePunctuationControl(ctx, msg.SessionID, msg.ChatKey, msg.Text); err != nil {
			log.Printf("⚠️  [Coordinator] Punctuation control failed for %s: %v", msg.ChatKey, err)
		}
		if err := c.store.SetMessageStatus(ctx, msg.ChatKey, record.Turn, models.RoleHuman, models.MessageStatusCompleted); err != nil {
			log.Printf("⚠️  [Coordinator] Failed to complete operator message: %v", err)
		}
		return false
	}

	shouldReply, err := c.intervention.ShouldAutoReply(ctx, msg.SessionID, msg.ChatKey)
	if err != nil {
		log.Printf("⚠️  [Coordinator] Suppression check failed for %s: %v", msg.ChatKey, err)
		return false
	}
	if !shouldReply {
		if err := c.store.SetMessageStatus(ctx, msg.ChatKey, record.Turn, models.RoleUser, models.MessageStatusSuppressed); err != nil {
			log.Printf("⚠️  [Coordinator] Failed to suppress message: %v", err)
		}
		log.Printf("🔇 [Coordinator] Auto-reply off for %s, message %s suppressed", msg.ChatKey, msg.MessageID)
		return false
	}

	return true
}

// emitTurn drains a merge window: assigns the turn number and enqueues
// the retrieve job that starts the pipeline.
func (c *Coordinator) emitTurn(msg InboundMessage, mergedText string) {
	ctx := context.Background()

	turn, err := c.store.AdvanceTurn(ctx, msg.ChatKey)
	if err != nil {
		log.Printf("❌ [Coordinator] Failed to advance turn for %s: %v", msg.ChatKey, err)
		return
	}

	// Guarded transition: a message suppressed mid-burst (operator took
	// over) must stay suppressed when the rest of the turn moves on.
	if err := c.store.TransitionMessageStatus(ctx, msg.ChatKey, turn, models.RoleUser,
		models.MessageStatusPending, models.MessageStatusProcessing); err != nil {
		log.Printf("⚠️  [Coordinator] Failed to mark turn %d processing: %v", turn, err)
	}

	payload := models.RetrievePayload{
		SessionID:    msg.SessionID,
		ChatKey:      msg.ChatKey,
		RemoteChatID: msg.RemoteChatID,
		Turn:         turn,
		MergedText:   mergedText,
	}
	job := &models.Job{
		ChatKey: msg.ChatKey,
		Turn:    turn,
		Stage:   models.StageRetrieve,
		Status:  models.JobStatusPending,
		Payload: models.MarshalPayload(payload),
	}
	if err := c.store.EnqueueJob(ctx, job); err != nil {
		log.Printf("❌ [Coordinator] Failed to enqueue retrieve job for %s turn %d: %v", msg.ChatKey, turn, err)
		return
	}

	log.Printf("✅ [Coordinator] Turn %d emitted for %s (merged %d chars)", turn, msg.ChatKey, len(mergedText))
}
