package models

import "time"

// WaSession: tenant-owned binding to one WhatsApp account.
// GatewayAPIKey is stored encrypted (services.Cipher envelope).
type WaSession struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	UserID        string    `gorm:"index;not null" json:"user_id"`
	WaAccountID   string    `gorm:"uniqueIndex;not null" json:"wa_account_id"`
	AgentID       *string   `gorm:"index" json:"agent_id"`
	GatewayAPIURL string    `json:"gateway_api_url"`
	GatewayAPIKey string    `json:"-"` // encrypted at rest
	WebhookSecret string    `json:"-"`
	Status        string    `gorm:"index;default:'connecting'" json:"status"` // connecting|scan_qr|working|failed|stopped
	AutoReply     string    `gorm:"default:'on'" json:"auto_reply"`           // on|off
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (WaSession) TableName() string {
	return "wa_sessions"
}

// Conversation: one chat within a session.
// ChatKey = waAccountId + ":" + remoteChatId. LastTurn never decreases.
type Conversation struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ChatKey   string    `gorm:"uniqueIndex;not null" json:"chat_key"`
	SessionID string    `gorm:"index;not null" json:"session_id"`
	LastTurn  int       `gorm:"default:0" json:"last_turn"`
	AutoReply string    `gorm:"default:'on'" json:"auto_reply"` // on|off
	UpdatedAt time.Time `json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Message statuses.
const (
	MessageStatusPending    = "pending"
	MessageStatusProcessing = "processing"
	MessageStatusCompleted  = "completed"
	MessageStatusFailed     = "failed"
	MessageStatusSuppressed = "suppressed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleHuman     = "human"
)

// Message: append-only per-chat record. A user message and an assistant
// message may share a turn (request/response pair).
type Message struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MessageID string    `gorm:"uniqueIndex;not null" json:"message_id"` // gateway message ID, or generated for outbound
	ChatKey   string    `gorm:"index:idx_messages_chat_turn;not null" json:"chat_key"`
	Turn      int       `gorm:"index:idx_messages_chat_turn;not null" json:"turn"`
	Role      string    `gorm:"index;not null" json:"role"`
	Text      string    `gorm:"type:text" json:"text"`
	Status    string    `gorm:"index;default:'pending'" json:"status"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Message) TableName() string {
	return "messages"
}

// Job stages.
const (
	StageRetrieve = "retrieve"
	StageInfer    = "infer"
	StageReply    = "reply"
)

// Job statuses.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusSuppressed = "suppressed"
)

// Job: unit of pipeline work. For a given (chatKey, turn, stage) at most
// one job is pending|processing|completed; enforced by the partial unique
// index created in database.InitDatabase.
type Job struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	ChatKey   string     `gorm:"index:idx_jobs_chat_turn_stage;not null" json:"chat_key"`
	Turn      int        `gorm:"index:idx_jobs_chat_turn_stage;not null" json:"turn"`
	Stage     string     `gorm:"index:idx_jobs_chat_turn_stage;not null" json:"stage"`
	Status    string     `gorm:"index;default:'pending'" json:"status"`
	Payload   string     `gorm:"type:text" json:"payload"` // stage-tagged JSON, see worker payload types
	Result    string     `gorm:"type:text" json:"result"`
	ErrorMsg  string     `gorm:"type:text" json:"error_msg"`
	Attempts  int        `gorm:"default:0" json:"attempts"`
	NextRunAt *time.Time `gorm:"index" json:"next_run_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}

// Agent: LLM call configuration bound to a session.
type Agent struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	UserID       string    `gorm:"index;not null" json:"user_id"`
	Name         string    `gorm:"not null;default:'Default Agent'" json:"name"`
	PromptSystem string    `gorm:"type:text" json:"prompt_system"`
	Model        string    `json:"model"`
	Temperature  float32   `gorm:"default:0.7" json:"temperature"` // [0,2]
	MaxTokens    int       `gorm:"default:1000" json:"max_tokens"` // [1,4000]
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Agent) TableName() string {
	return "agents"
}

// AgentKnowledgeBase: per-agent KB binding with retrieval weighting.
type AgentKnowledgeBase struct {
	ID       uint    `gorm:"primaryKey" json:"id"`
	AgentID  string  `gorm:"index:idx_agent_kb,unique;not null" json:"agent_id"`
	KbID     string  `gorm:"index:idx_agent_kb,unique;not null" json:"kb_id"`
	Priority int     `gorm:"default:0" json:"priority"`
	Weight   float32 `gorm:"default:1" json:"weight"`
}

func (AgentKnowledgeBase) TableName() string {
	return "agent_knowledge_bases"
}

// KbChunk: text fragment of a knowledge-base document. The embedding
// lives in the vector index under VectorID.
type KbChunk struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ChunkID    string    `gorm:"uniqueIndex;not null" json:"chunk_id"`
	KbID       string    `gorm:"index;not null" json:"kb_id"`
	DocID      string    `gorm:"index;not null" json:"doc_id"`
	ChunkIndex int       `gorm:"not null" json:"chunk_index"`
	Text       string    `gorm:"type:text" json:"text"`
	VectorID   string    `gorm:"uniqueIndex;not null" json:"vector_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func (KbChunk) TableName() string {
	return "kb_chunks"
}

// AuditLog records intervention events (pause/resume, punctuation toggles).
type AuditLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"index" json:"session_id"`
	ChatKey   string    `gorm:"index" json:"chat_key"`
	Action    string    `gorm:"index;not null" json:"action"` // session_paused|session_resumed|chat_paused|chat_resumed
	Detail    string    `gorm:"type:text" json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

// UsageLog: LLM token accounting per inferred turn.
type UsageLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SessionID    string    `gorm:"index" json:"session_id"`
	ChatKey      string    `gorm:"index" json:"chat_key"`
	Turn         int       `json:"turn"`
	Model        string    `json:"model"`
	InputTokens  int       `gorm:"default:0" json:"input_tokens"`
	OutputTokens int       `gorm:"default:0" json:"output_tokens"`
	TotalTokens  int       `gorm:"default:0" json:"total_tokens"`
	LatencyMs    int       `gorm:"default:0" json:"latency_ms"`
	Status       string    `gorm:"default:'ok'" json:"status"` // ok|error
	ErrorReason  string    `gorm:"type:text" json:"error_reason"`
	CreatedAt    time.Time `json:"created_at"`
}

func (UsageLog) TableName() string {
	return "usage_logs"
}
