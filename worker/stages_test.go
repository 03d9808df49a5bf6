package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"wa-agent-support/config"
	"wa-agent-support/models"
	"wa-agent-support/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fakeIndex struct{}

func (fakeIndex) Upsert(context.Context, []services.VectorDoc) error { return nil }
func (fakeIndex) Query(context.Context, []float32, int, float32, []string) ([]services.VectorMatch, error) {
	return nil, nil
}
func (fakeIndex) DeleteKB(context.Context, string) error { return nil }

type fakeChat struct {
	response string
	err      error
}

func (f *fakeChat) Chat(context.Context, services.ChatRequest) (*services.ChatResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &services.ChatResult{Content: f.response, InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, nil
}

func (f *fakeChat) GetModelName() string { return "test-model" }

// fakeGateway records sends and can fail from a given call onward.
type fakeGateway struct {
	mu       sync.Mutex
	sent     []string
	failFrom int // 1-based send index to start failing at; 0 = never
}

func (f *fakeGateway) CreateSession(context.Context, string, services.WebhookConfig) error { return nil }
func (f *fakeGateway) GetSessionStatus(context.Context, string) (*services.SessionStatus, error) {
	return &services.SessionStatus{Status: "working"}, nil
}
func (f *fakeGateway) RestartSession(context.Context, string) error { return nil }

func (f *fakeGateway) SendMessage(_ context.Context, _, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFrom > 0 && len(f.sent)+1 >= f.failFrom {
		return errors.New("gateway send failed")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeGateway) SendTyping(context.Context, string, string, time.Duration) error { return nil }

func (f *fakeGateway) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type workerRig struct {
	store *services.MemoryStore
	gw    *fakeGateway
	chat  *fakeChat
	w     *PipelineWorker
}

func newWorkerRig(t *testing.T) *workerRig {
	t.Helper()
	store := services.NewMemoryStore()
	store.Sessions["sess-1"] = &models.WaSession{
		ID:          "sess-1",
		UserID:      "user-1",
		WaAccountID: "628111",
		AutoReply:   services.AutoReplyOn,
		Status:      "working",
	}
	gw := &fakeGateway{}
	chat := &fakeChat{response: "Happy to help with that."}
	return &workerRig{
		store: store,
		gw:    gw,
		chat:  chat,
		w:     newStageWorker(store, gw, chat),
	}
}

func newStageWorker(store services.Store, gw services.Gateway, chat services.ChatProvider) *PipelineWorker {
	iv := services.NewIntervention(store)
	retriever := services.NewRetriever(store, fakeEmbedder{}, fakeIndex{}, 8, 0.7)
	inferrer := services.NewInferrer(store, chat, services.NewCircuitBreaker("test-llm", 5, time.Minute), 20)
	replier := services.NewReplier(store, gw, iv, 300, 0, 0, 0, nil)
	return NewPipelineWorker(&config.Config{}, store, iv, retriever, inferrer, replier)
}

func stageJob(t *testing.T, store services.Store, stage string, payload interface{}) *models.Job {
	t.Helper()
	job := &models.Job{
		ChatKey: "628111:628222",
		Turn:    1,
		Stage:   stage,
		Status:  models.JobStatusPending,
		Payload: models.MarshalPayload(payload),
	}
	require.NoError(t, store.EnqueueJob(context.Background(), job))
	return job
}

func retrievePayload(text string) models.RetrievePayload {
	return models.RetrievePayload{
		SessionID:    "sess-1",
		ChatKey:      "628111:628222",
		RemoteChatID: "628222",
		Turn:         1,
		MergedText:   text,
	}
}

func inferPayload(text string) models.InferPayload {
	return models.InferPayload{
		SessionID:    "sess-1",
		ChatKey:      "628111:628222",
		RemoteChatID: "628222",
		Turn:         1,
		UserMessage:  text,
	}
}

func replyPayload(text string) models.ReplyPayload {
	return models.ReplyPayload{
		SessionID:    "sess-1",
		ChatKey:      "628111:628222",
		RemoteChatID: "628222",
		Turn:         1,
		AIResponse:   text,
	}
}

func seedTurnMessage(t *testing.T, store services.Store, id, role, status string) {
	t.Helper()
	require.NoError(t, store.SaveMessage(context.Background(), &models.Message{
		MessageID: id,
		ChatKey:   "628111:628222",
		Turn:      1,
		Role:      role,
		Text:      "hi",
		Status:    status,
		Timestamp: time.Now(),
	}))
}

func messageStatus(store *services.MemoryStore, id string) string {
	for _, msg := range store.Messages {
		if msg.MessageID == id {
			return msg.Status
		}
	}
	return ""
}

func TestStagesChainRetrieveToReply(t *testing.T) {
	rig := newWorkerRig(t)
	ctx := context.Background()
	seedTurnMessage(t, rig.store, "m1", models.RoleUser, models.MessageStatusProcessing)

	retrieve := stageJob(t, rig.store, models.StageRetrieve, retrievePayload("hi there"))
	rig.w.processJob(retrieve)

	done, err := rig.store.GetJob(ctx, retrieve.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)

	inferJobs := rig.store.JobsByStage(models.StageInfer)
	require.Len(t, inferJobs, 1)
	rig.w.processJob(&inferJobs[0])

	// Deterministic assistant message ID, persisted before the reply job
	assert.Equal(t, models.MessageStatusProcessing, messageStatus(rig.store, "out:628111:628222:1"))

	replyJobs := rig.store.JobsByStage(models.StageReply)
	require.Len(t, replyJobs, 1)
	rig.w.processJob(&replyJobs[0])

	sent := rig.gw.sentMessages()
	require.NotEmpty(t, sent)
	assert.Equal(t, "Happy to help with that", sent[0])

	final, err := rig.store.GetJob(ctx, replyJobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)

	var result models.ReplyResult
	require.NoError(t, json.Unmarshal([]byte(final.Result), &result))
	assert.Equal(t, result.TotalSegments, result.SentSegmentCount)

	assert.Equal(t, models.MessageStatusCompleted, messageStatus(rig.store, "m1"))
	assert.Equal(t, models.MessageStatusCompleted, messageStatus(rig.store, "out:628111:628222:1"))
}

func TestSuppressionGateFlipsJobAndMessages(t *testing.T) {
	rig := newWorkerRig(t)
	ctx := context.Background()
	require.NoError(t, rig.store.SetSessionAutoReply(ctx, "sess-1", services.AutoReplyOff))
	seedTurnMessage(t, rig.store, "m1", models.RoleUser, models.MessageStatusProcessing)

	job := stageJob(t, rig.store, models.StageRetrieve, retrievePayload("hi"))
	rig.w.processJob(job)

	stored, err := rig.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuppressed, stored.Status)
	assert.Equal(t, models.MessageStatusSuppressed, messageStatus(rig.store, "m1"))
	assert.Empty(t, rig.store.JobsByStage(models.StageInfer))
}

func TestFailJobExponentialBackoff(t *testing.T) {
	rig := newWorkerRig(t)
	ctx := context.Background()

	job := stageJob(t, rig.store, models.StageRetrieve, retrievePayload("hi"))
	job.Attempts = 2
	rig.w.failJob(ctx, job, services.NewTransientError(errors.New("boom")))

	stored, err := rig.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	require.NotNil(t, stored.NextRunAt)
	assert.WithinDuration(t, time.Now().Add(4*time.Second), *stored.NextRunAt, time.Second)
}

func TestFailJobHonorsRetryAfter(t *testing.T) {
	rig := newWorkerRig(t)
	ctx := context.Background()

	job := stageJob(t, rig.store, models.StageRetrieve, retrievePayload("hi"))
	job.Attempts = 1
	rig.w.failJob(ctx, job, &services.PipelineError{
		Class:      services.ErrClassRateLimited,
		StatusCode: 429,
		Message:    "slow down",
		RetryAfter: 10 * time.Second,
	})

	stored, err := rig.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	require.NotNil(t, stored.NextRunAt)
	// Retry-After wins over the 2 s exponential backoff
	assert.WithinDuration(t, time.Now().Add(10*time.Second), *stored.NextRunAt, time.Second)
}

func TestFailJobAttemptCapFailsTurn(t *testing.T) {
	rig := newWorkerRig(t)
	ctx := context.Background()
	seedTurnMessage(t, rig.store, "m1", models.RoleUser, models.MessageStatusProcessing)
	seedTurnMessage(t, rig.store, "out:628111:628222:1", models.RoleAssistant, models.MessageStatusProcessing)

	job := stageJob(t, rig.store, models.StageInfer, inferPayload("hi"))
	job.Attempts = maxAttempts
	rig.w.failJob(ctx, job, services.NewTransientError(errors.New("still down")))

	stored, err := rig.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, models.MessageStatusFailed, messageStatus(rig.store, "m1"))
	assert.Equal(t, models.MessageStatusFailed, messageStatus(rig.store, "out:628111:628222:1"))

	require.Len(t, rig.store.UsageEntries, 1)
	usage := rig.store.UsageEntries[0]
	// Session row ID from the payload, never the chatKey's account prefix
	assert.Equal(t, "sess-1", usage.SessionID)
	assert.Equal(t, "628111:628222", usage.ChatKey)
	assert.Equal(t, 1, usage.Turn)
	assert.Equal(t, "error", usage.Status)
}

func TestFailJobValidationIsTerminal(t *testing.T) {
	rig := newWorkerRig(t)
	ctx := context.Background()

	job := stageJob(t, rig.store, models.StageRetrieve, retrievePayload("hi"))
	job.Attempts = 1
	rig.w.failJob(ctx, job, services.NewValidationError("bad input"))

	stored, err := rig.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Nil(t, stored.NextRunAt)
}

// dupJobStore simulates the partial unique index rejecting a stage job
// that an earlier attempt already enqueued.
type dupJobStore struct {
	*services.MemoryStore
	rejectEnqueue bool
}

func (d *dupJobStore) EnqueueJob(ctx context.Context, job *models.Job) error {
	if d.rejectEnqueue {
		return errors.New(`duplicate key value violates unique constraint "idx_jobs_active_unique"`)
	}
	return d.MemoryStore.EnqueueJob(ctx, job)
}

func TestEnqueueStageToleratesDuplicate(t *testing.T) {
	rig := newWorkerRig(t)
	ctx := context.Background()
	dup := &dupJobStore{MemoryStore: rig.store}
	w := newStageWorker(dup, rig.gw, rig.chat)

	job := stageJob(t, rig.store, models.StageRetrieve, retrievePayload("hi"))
	dup.rejectEnqueue = true
	w.processJob(job)

	// The retrieve attempt still completes; the infer job was enqueued
	// by the crashed prior attempt in this scenario.
	stored, err := rig.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
}

func TestReplyStageResumesFromPersistedProgress(t *testing.T) {
	rig := newWorkerRig(t)
	ctx := context.Background()
	seedTurnMessage(t, rig.store, "m1", models.RoleUser, models.MessageStatusProcessing)
	seedTurnMessage(t, rig.store, "out:628111:628222:1", models.RoleAssistant, models.MessageStatusProcessing)

	long := strings.TrimSpace(strings.Repeat("Sentence number one of the long answer here. ", 15))

	// First attempt: gateway dies on the second segment
	rig.gw.failFrom = 2
	job := stageJob(t, rig.store, models.StageReply, replyPayload(long))
	rig.w.processJob(job)

	stored, err := rig.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)

	var progress models.ReplyResult
	require.NoError(t, json.Unmarshal([]byte(stored.Result), &progress))
	assert.Equal(t, 1, progress.SentSegmentCount)

	// Redelivery resumes at segment 2: segment 1 is never resent
	rig.gw.mu.Lock()
	rig.gw.failFrom = 0
	rig.gw.mu.Unlock()
	rig.w.processJob(stored)

	final, err := rig.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)

	var result models.ReplyResult
	require.NoError(t, json.Unmarshal([]byte(final.Result), &result))
	assert.Equal(t, result.TotalSegments, result.SentSegmentCount)
	assert.Len(t, rig.gw.sentMessages(), result.TotalSegments)

	assert.Equal(t, models.MessageStatusCompleted, messageStatus(rig.store, "m1"))
	assert.Equal(t, models.MessageStatusCompleted, messageStatus(rig.store, "out:628111:628222:1"))
}

func TestReplyStageSuppressedMidTurn(t *testing.T) {
	rig := newWorkerRig(t)
	ctx := context.Background()
	seedTurnMessage(t, rig.store, "m1", models.RoleUser, models.MessageStatusProcessing)
	seedTurnMessage(t, rig.store, "out:628111:628222:1", models.RoleAssistant, models.MessageStatusProcessing)

	_, err := rig.store.EnsureConversation(ctx, "628111:628222", "sess-1")
	require.NoError(t, err)
	require.NoError(t, rig.store.SetConversationAutoReply(ctx, "628111:628222", services.AutoReplyOff))

	job := stageJob(t, rig.store, models.StageReply, replyPayload("Should never go out."))
	rig.w.processJob(job)

	stored, err := rig.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuppressed, stored.Status)
	assert.Empty(t, rig.gw.sentMessages())
	assert.Equal(t, models.MessageStatusSuppressed, messageStatus(rig.store, "m1"))
	assert.Equal(t, models.MessageStatusSuppressed, messageStatus(rig.store, "out:628111:628222:1"))
}

func TestReclaimStuckJobsRequeues(t *testing.T) {
	rig := newWorkerRig(t)
	ctx := context.Background()

	stuck := stageJob(t, rig.store, models.StageRetrieve, retrievePayload("hi"))
	fresh := &models.Job{
		ChatKey: "628111:628333",
		Turn:    1,
		Stage:   models.StageRetrieve,
		Status:  models.JobStatusPending,
		Payload: models.MarshalPayload(retrievePayload("other chat")),
	}
	require.NoError(t, rig.store.EnqueueJob(ctx, fresh))

	// A worker died mid-job two stage budgets ago
	rig.store.Jobs[stuck.ID].Status = models.JobStatusProcessing
	rig.store.Jobs[stuck.ID].UpdatedAt = time.Now().Add(-3 * stageTimeout)
	// This one is legitimately in flight
	rig.store.Jobs[fresh.ID].Status = models.JobStatusProcessing
	rig.store.Jobs[fresh.ID].UpdatedAt = time.Now()

	rig.w.reclaimStuckJobs(ctx)

	reclaimed, err := rig.store.GetJob(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, reclaimed.Status)

	inFlight, err := rig.store.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, inFlight.Status)

	// The sweep nudges the pool awake
	assert.Len(t, rig.w.wake, 1)
}

func TestUnknownStageFailsFast(t *testing.T) {
	rig := newWorkerRig(t)
	ctx := context.Background()

	job := stageJob(t, rig.store, "transmogrify", retrievePayload("hi"))
	job.Attempts = 1
	rig.w.processJob(job)

	stored, err := rig.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
}
