package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"wa-agent-support/models"
)

// MemoryStore is an in-process Store used by the test suite. It mirrors
// the gorm implementation's semantics closely enough for pipeline logic:
// turn counters are atomic, history excludes suppressed messages, chunk
// hydration preserves input order.
type MemoryStore struct {
	mu            sync.Mutex
	Sessions      map[string]*models.WaSession
	Conversations map[string]*models.Conversation
	Messages      []*models.Message
	Jobs          map[uint]*models.Job
	Agents        map[string]*models.Agent
	AgentKBs      map[string][]models.AgentKnowledgeBase
	Chunks        map[string]models.KbChunk // by vector_id
	AuditEntries  []*models.AuditLog
	UsageEntries  []*models.UsageLog

	nextJobID uint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Sessions:      make(map[string]*models.WaSession),
		Conversations: make(map[string]*models.Conversation),
		Jobs:          make(map[uint]*models.Job),
		Agents:        make(map[string]*models.Agent),
		AgentKBs:      make(map[string][]models.AgentKnowledgeBase),
		Chunks:        make(map[string]models.KbChunk),
	}
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.WaSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *MemoryStore) SetSessionAutoReply(_ context.Context, id, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.AutoReply = state
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetConversation(_ context.Context, chatKey string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Conversations[chatKey]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (m *MemoryStore) EnsureConversation(_ context.Context, chatKey, sessionID string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.Conversations[chatKey]; ok {
		copied := *c
		return &copied, nil
	}
	c := &models.Conversation{
		ID:        uint(len(m.Conversations) + 1),
		ChatKey:   chatKey,
		SessionID: sessionID,
		AutoReply: "on",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.Conversations[chatKey] = c
	copied := *c
	return &copied, nil
}

func (m *MemoryStore) SetConversationAutoReply(_ context.Context, chatKey, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Conversations[chatKey]
	if !ok {
		return ErrNotFound
	}
	c.AutoReply = state
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AdvanceTurn(_ context.Context, chatKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Conversations[chatKey]
	if !ok {
		return 0, ErrNotFound
	}
	c.LastTurn++
	c.UpdatedAt = time.Now()
	return c.LastTurn, nil
}

func (m *MemoryStore) SaveMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *msg
	copied.ID = uint(len(m.Messages) + 1)
	msg.ID = copied.ID
	m.Messages = append(m.Messages, &copied)
	return nil
}

func (m *MemoryStore) SetMessageStatus(_ context.Context, chatKey string, turn int, role, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.Messages {
		if msg.ChatKey == chatKey && msg.Turn == turn && msg.Role == role {
			msg.Status = status
			msg.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (m *MemoryStore) TransitionMessageStatus(_ context.Context, chatKey string, turn int, role, fromStatus, toStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.Messages {
		if msg.ChatKey == chatKey && msg.Turn == turn && msg.Role == role && msg.Status == fromStatus {
			msg.Status = toStatus
			msg.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (m *MemoryStore) History(_ context.Context, chatKey string, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []models.Message
	for _, msg := range m.Messages {
		if msg.ChatKey == chatKey && msg.Status != models.MessageStatusSuppressed {
			all = append(all, *msg)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Turn != all[j].Turn {
			return all[i].Turn < all[j].Turn
		}
		return all[i].ID < all[j].ID
	})
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (m *MemoryStore) EnqueueJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextJobID++
	copied := *job
	copied.ID = m.nextJobID
	if copied.Status == "" {
		copied.Status = models.JobStatusPending
	}
	copied.CreatedAt = time.Now()
	copied.UpdatedAt = time.Now()
	job.ID = copied.ID
	m.Jobs[copied.ID] = &copied
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id uint) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.Jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *j
	return &copied, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, id uint, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.Jobs[id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range updates {
		switch k {
		case "status":
			j.Status = v.(string)
		case "result":
			j.Result = v.(string)
		case "payload":
			j.Payload = v.(string)
		case "error_msg":
			j.ErrorMsg = v.(string)
		case "attempts":
			j.Attempts = v.(int)
		case "next_run_at":
			if v == nil {
				j.NextRunAt = nil
			} else if t, ok := v.(time.Time); ok {
				j.NextRunAt = &t
			} else if tp, ok := v.(*time.Time); ok {
				j.NextRunAt = tp
			}
		}
	}
	j.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RequeueStuckJobs(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.Jobs {
		if j.Status == models.JobStatusProcessing && j.UpdatedAt.Before(cutoff) {
			j.Status = models.JobStatusPending
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AgentForSession(_ context.Context, session *models.WaSession) (*models.Agent, []models.AgentKnowledgeBase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.AgentID == nil {
		return nil, nil, ErrNotFound
	}
	a, ok := m.Agents[*session.AgentID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	copied := *a
	return &copied, m.AgentKBs[a.ID], nil
}

func (m *MemoryStore) UpsertChunks(_ context.Context, chunks []models.KbChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.Chunks[c.VectorID] = c
	}
	return nil
}

func (m *MemoryStore) ChunksByVectorIDs(_ context.Context, ids []string) ([]models.KbChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ordered := make([]models.KbChunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.Chunks[id]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}

func (m *MemoryStore) SaveAudit(_ context.Context, entry *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AuditEntries = append(m.AuditEntries, entry)
	return nil
}

func (m *MemoryStore) SaveUsage(_ context.Context, entry *models.UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UsageEntries = append(m.UsageEntries, entry)
	return nil
}

// JobsByStage returns jobs for a stage sorted by id, test helper style.
func (m *MemoryStore) JobsByStage(stage string) []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []models.Job
	for _, j := range m.Jobs {
		if j.Stage == stage {
			jobs = append(jobs, *j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs
}
