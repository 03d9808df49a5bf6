package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wa-agent-support/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the SQL persistence port. SQL is the source of truth for all
// durable pipeline state; KV only holds ephemeral keys.
type Store interface {
	// Sessions
	GetSession(ctx context.Context, id string) (*models.WaSession, error)
	SetSessionAutoReply(ctx context.Context, id, state string) error

	// Conversations
	GetConversation(ctx context.Context, chatKey string) (*models.Conversation, error)
	EnsureConversation(ctx context.Context, chatKey, sessionID string) (*models.Conversation, error)
	SetConversationAutoReply(ctx context.Context, chatKey, state string) error
	// AdvanceTurn atomically increments and returns the conversation's
	// turn counter. The counter never decreases.
	AdvanceTurn(ctx context.Context, chatKey string) (int, error)

	// Messages
	SaveMessage(ctx context.Context, msg *models.Message) error
	SetMessageStatus(ctx context.Context, chatKey string, turn int, role, status string) error
	// TransitionMessageStatus updates only rows currently in fromStatus,
	// so a guarded transition cannot revive a row another path already
	// moved to a terminal state.
	TransitionMessageStatus(ctx context.Context, chatKey string, turn int, role, fromStatus, toStatus string) error
	// History returns the last limit non-suppressed messages ordered by
	// turn ascending.
	History(ctx context.Context, chatKey string, limit int) ([]models.Message, error)

	// Jobs
	EnqueueJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uint) (*models.Job, error)
	UpdateJob(ctx context.Context, id uint, updates map[string]interface{}) error
	// RequeueStuckJobs returns processing jobs last touched before cutoff
	// to pending, recovering work orphaned by a crashed worker. Returns
	// the number of requeued jobs.
	RequeueStuckJobs(ctx context.Context, cutoff time.Time) (int64, error)

	// Agent configuration
	AgentForSession(ctx context.Context, session *models.WaSession) (*models.Agent, []models.AgentKnowledgeBase, error)

	// Knowledge-base chunks
	UpsertChunks(ctx context.Context, chunks []models.KbChunk) error
	// ChunksByVectorIDs hydrates chunk text preserving the order of ids.
	ChunksByVectorIDs(ctx context.Context, ids []string) ([]models.KbChunk, error)

	// Logs
	SaveAudit(ctx context.Context, entry *models.AuditLog) error
	SaveUsage(ctx context.Context, entry *models.UsageLog) error
}

// gormStore implements Store on gorm/Postgres.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore wraps a gorm DB in the Store port.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) GetSession(ctx context.Context, id string) (*models.WaSession, error) {
	var session models.WaSession
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session: %w", err)
	}
	return &session, nil
}

func (s *gormStore) SetSessionAutoReply(ctx context.Context, id, state string) error {
	res := s.db.WithContext(ctx).Model(&models.WaSession{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"auto_reply": state, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("failed to update session auto-reply: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) GetConversation(ctx context.Context, chatKey string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).Where("chat_key = ?", chatKey).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	return &conv, nil
}

func (s *gormStore) EnsureConversation(ctx context.Context, chatKey, sessionID string) (*models.Conversation, error) {
	conv := models.Conversation{
		ChatKey:   chatKey,
		SessionID: sessionID,
		AutoReply: "on",
	}
	err := s.db.WithContext(ctx).
		Where(models.Conversation{ChatKey: chatKey}).
		FirstOrCreate(&conv).Error
	if err != nil {
		return nil, fmt.Errorf("failed to ensure conversation: %w", err)
	}
	return &conv, nil
}

func (s *gormStore) SetConversationAutoReply(ctx context.Context, chatKey, state string) error {
	res := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("chat_key = ?", chatKey).
		Updates(map[string]interface{}{"auto_reply": state, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("failed to update conversation auto-reply: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) AdvanceTurn(ctx context.Context, chatKey string) (int, error) {
	var turn int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("chat_key = ?", chatKey).
			First(&conv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		turn = conv.LastTurn + 1
		return tx.Model(&conv).
			Updates(map[string]interface{}{"last_turn": turn, "updated_at": time.Now()}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to advance turn for %s: %w", chatKey, err)
	}
	return turn, nil
}

func (s *gormStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (s *gormStore) SetMessageStatus(ctx context.Context, chatKey string, turn int, role, status string) error {
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("chat_key = ? AND turn = ? AND role = ?", chatKey, turn, role).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()}).Error
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	return nil
}

func (s *gormStore) TransitionMessageStatus(ctx context.Context, chatKey string, turn int, role, fromStatus, toStatus string) error {
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("chat_key = ? AND turn = ? AND role = ? AND status = ?", chatKey, turn, role, fromStatus).
		Updates(map[string]interface{}{"status": toStatus, "updated_at": time.Now()}).Error
	if err != nil {
		return fmt.Errorf("failed to transition message status: %w", err)
	}
	return nil
}

func (s *gormStore) History(ctx context.Context, chatKey string, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.WithContext(ctx).
		Where("chat_key = ? AND status <> ?", chatKey, models.MessageStatusSuppressed).
		Order("turn DESC, id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}

	// Reverse to ascending order (oldest first)
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *gormStore) EnqueueJob(ctx context.Context, job *models.Job) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (s *gormStore) GetJob(ctx context.Context, id uint) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job: %w", err)
	}
	return &job, nil
}

func (s *gormStore) UpdateJob(ctx context.Context, id uint, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	err := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func (s *gormStore) RequeueStuckJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ? AND updated_at < ?", models.JobStatusProcessing, cutoff).
		Updates(map[string]interface{}{"status": models.JobStatusPending, "updated_at": time.Now()})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to requeue stuck jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *gormStore) AgentForSession(ctx context.Context, session *models.WaSession) (*models.Agent, []models.AgentKnowledgeBase, error) {
	if session.AgentID == nil || *session.AgentID == "" {
		return nil, nil, ErrNotFound
	}

	var agent models.Agent
	err := s.db.WithContext(ctx).Where("id = ?", *session.AgentID).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch agent: %w", err)
	}

	var kbs []models.AgentKnowledgeBase
	err = s.db.WithContext(ctx).
		Where("agent_id = ?", agent.ID).
		Order("priority ASC").
		Find(&kbs).Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch agent knowledge bases: %w", err)
	}

	return &agent, kbs, nil
}

func (s *gormStore) UpsertChunks(ctx context.Context, chunks []models.KbChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chunk_id"}},
		UpdateAll: true,
	}).Create(&chunks).Error
	if err != nil {
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}
	return nil
}

func (s *gormStore) ChunksByVectorIDs(ctx context.Context, ids []string) ([]models.KbChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var chunks []models.KbChunk
	err := s.db.WithContext(ctx).Where("vector_id IN ?", ids).Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate chunks: %w", err)
	}

	// Preserve the vector-returned order
	byVectorID := make(map[string]models.KbChunk, len(chunks))
	for _, c := range chunks {
		byVectorID[c.VectorID] = c
	}

	ordered := make([]models.KbChunk, 0, len(chunks))
	for _, id := range ids {
		if c, ok := byVectorID[id]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}

func (s *gormStore) SaveAudit(ctx context.Context, entry *models.AuditLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to save audit entry: %w", err)
	}
	return nil
}

func (s *gormStore) SaveUsage(ctx context.Context, entry *models.UsageLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to save usage entry: %w", err)
	}
	return nil
}
