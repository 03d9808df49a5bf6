package worker

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"wa-agent-support/config"
	"wa-agent-support/database"
	"wa-agent-support/models"
	"wa-agent-support/services"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

const (
	maxAttempts  = 5
	stageTimeout = 60 * time.Second
	pollInterval = 2 * time.Second
	concurrency  = 4

	// A processing job untouched for two stage budgets belongs to a
	// worker that died mid-job; requeue it. Delivery is at-least-once,
	// so the stage handlers tolerate the redelivery.
	reclaimAfter = 2 * stageTimeout
)

// PipelineWorker consumes retrieve/infer/reply jobs from the SQL queue.
// Delivery is at-least-once; per chat, jobs are claimed in strict
// (turn, stage) order so earlier turns finish before later ones start.
type PipelineWorker struct {
	db           *gorm.DB
	store        services.Store
	intervention *services.Intervention
	retriever    *services.Retriever
	inferrer     *services.Inferrer
	replier      *services.Replier
	cfg          *config.Config

	wake     chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewPipelineWorker wires the worker over the shared DB and services.
func NewPipelineWorker(cfg *config.Config, store services.Store, intervention *services.Intervention,
	retriever *services.Retriever, inferrer *services.Inferrer, replier *services.Replier) *PipelineWorker {
	return &PipelineWorker{
		db:           database.GetDB(),
		store:        store,
		intervention: intervention,
		retriever:    retriever,
		inferrer:     inferrer,
		replier:      replier,
		cfg:          cfg,
		wake:         make(chan struct{}, 1),
		shutdown:     make(chan struct{}),
	}
}

// Start begins the worker pool and the LISTEN wake-up goroutine.
func (w *PipelineWorker) Start() {
	log.Println("🤖 Pipeline worker started")

	w.wg.Add(1)
	go w.listenForJobs()

	w.wg.Add(1)
	go w.reclaimLoop()

	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go w.runLoop()
	}
}

// Stop signals the worker to shut down and waits for in-flight jobs.
func (w *PipelineWorker) Stop() {
	close(w.shutdown)
	w.wg.Wait()
	log.Println("✅ Pipeline worker stopped")
}

// runLoop is one pool member: poll every 2 s, or immediately on NOTIFY.
func (w *PipelineWorker) runLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdown:
			return
		case <-ticker.C:
			w.processJobs()
		case <-w.wake:
			w.processJobs()
		}
	}
}

// listenForJobs sets up PostgreSQL LISTEN for job notifications with auto-reconnect
func (w *PipelineWorker) listenForJobs() {
	defer w.wg.Done()

	connStr := database.DSN(w.cfg)

	eventCallback := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			log.Println("✅ [LISTEN] Connected - instant notifications enabled")
		case pq.ListenerEventDisconnected:
			log.Println("ℹ️  [LISTEN] Disconnected (polling fallback active)")
		case pq.ListenerEventReconnected:
			log.Println("✅ [LISTEN] Reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			if err != nil && !strings.Contains(err.Error(), "connection") && !strings.Contains(err.Error(), "forcibly closed") {
				log.Printf("⚠️  [LISTEN] Error: %v (polling fallback active)", err)
			}
		}
	}

	listener := pq.NewListener(connStr, 10*time.Second, time.Minute, eventCallback)
	if err := listener.Listen("pipeline_jobs_channel"); err != nil {
		log.Printf("⚠️  Failed to listen on pipeline_jobs_channel: %v (polling only)", err)
		return
	}
	defer listener.Close()

	log.Println("👂 Listening for job notifications on pipeline_jobs_channel...")

	keepaliveTicker := time.NewTicker(60 * time.Second)
	defer keepaliveTicker.Stop()

	for {
		select {
		case <-w.shutdown:
			log.Println("🔕 Stopping job listener...")
			return

		case notification := <-listener.Notify:
			if notification != nil {
				select {
				case w.wake <- struct{}{}:
				default:
				}
			}
			// notification == nil means the connection was lost and
			// pq.Listener is reconnecting; polling covers the gap

		case <-keepaliveTicker.C:
			go func() {
				_ = listener.Ping()
			}()
		}
	}
}

// reclaimLoop sweeps crash-orphaned processing jobs back to pending,
// once at startup and then periodically. Without the sweep a stuck job
// would block its chat's ordering guard forever.
func (w *PipelineWorker) reclaimLoop() {
	defer w.wg.Done()

	w.reclaimStuckJobs(context.Background())

	ticker := time.NewTicker(stageTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdown:
			return
		case <-ticker.C:
			w.reclaimStuckJobs(context.Background())
		}
	}
}

func (w *PipelineWorker) reclaimStuckJobs(ctx context.Context) {
	n, err := w.store.RequeueStuckJobs(ctx, time.Now().Add(-reclaimAfter))
	if err != nil {
		log.Printf("⚠️  Failed to requeue stuck jobs: %v", err)
		return
	}
	if n > 0 {
		log.Printf("♻️  Requeued %d stuck job(s)", n)
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// processJobs claims and processes jobs until the queue is drained.
func (w *PipelineWorker) processJobs() {
	for {
		select {
		case <-w.shutdown:
			return
		default:
		}

		job, ok := w.claimJob()
		if !ok {
			return
		}
		w.processJob(job)
	}
}

// claimJob locks and claims one runnable job. The NOT EXISTS guard
// enforces per-chat ordering: a job runs only when no earlier
// (turn, stage) job for the same chat is still pending or processing.
func (w *PipelineWorker) claimJob() (*models.Job, bool) {
	var job models.Job
	tx := w.db.Begin()

	err := tx.Raw(`
		SELECT * FROM jobs j
		WHERE j.status = 'pending'
		AND (j.next_run_at IS NULL OR j.next_run_at <= NOW())
		AND NOT EXISTS (
			SELECT 1 FROM jobs e
			WHERE e.chat_key = j.chat_key
			AND e.status IN ('pending', 'processing')
			AND (
				e.turn < j.turn
				OR (e.turn = j.turn AND
					CASE e.stage WHEN 'retrieve' THEN 0 WHEN 'infer' THEN 1 ELSE 2 END <
					CASE j.stage WHEN 'retrieve' THEN 0 WHEN 'infer' THEN 1 ELSE 2 END)
			)
		)
		ORDER BY j.id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`).Scan(&job).Error

	if err != nil || job.ID == 0 {
		tx.Rollback()
		return nil, false
	}

	// Conditional pending → processing transition; idempotency anchor
	tx.Model(&job).Updates(map[string]interface{}{
		"status":     models.JobStatusProcessing,
		"attempts":   job.Attempts + 1,
		"updated_at": time.Now(),
	})
	tx.Commit()

	job.Status = models.JobStatusProcessing
	job.Attempts++
	return &job, true
}

// processJob executes a single claimed job with the stage budget.
func (w *PipelineWorker) processJob(job *models.Job) {
	log.Printf("⚙️  Processing job #%d (%s %s turn %d, attempt %d)",
		job.ID, job.Stage, job.ChatKey, job.Turn, job.Attempts)

	ctx, cancel := context.WithTimeout(context.Background(), stageTimeout)
	defer cancel()

	var err error
	switch job.Stage {
	case models.StageRetrieve:
		err = w.runRetrieve(ctx, job)
	case models.StageInfer:
		err = w.runInfer(ctx, job)
	case models.StageReply:
		err = w.runReply(ctx, job)
	default:
		err = services.NewValidationError("unknown stage: %s", job.Stage)
	}

	if err != nil {
		w.failJob(ctx, job, err)
	}
}

// completeJob finishes a job and records its result.
func (w *PipelineWorker) completeJob(ctx context.Context, job *models.Job, result string) {
	updates := map[string]interface{}{"status": models.JobStatusCompleted}
	if result != "" {
		updates["result"] = result
	}
	if err := w.store.UpdateJob(ctx, job.ID, updates); err != nil {
		log.Printf("⚠️  Failed to complete job #%d: %v", job.ID, err)
		return
	}
	log.Printf("✅ Job #%d completed (%s turn %d)", job.ID, job.Stage, job.Turn)
}

// suppressJob terminates a job because auto-reply was switched off.
func (w *PipelineWorker) suppressJob(ctx context.Context, job *models.Job) {
	if err := w.store.UpdateJob(ctx, job.ID, map[string]interface{}{
		"status": models.JobStatusSuppressed,
	}); err != nil {
		log.Printf("⚠️  Failed to suppress job #%d: %v", job.ID, err)
	}
	log.Printf("🔇 Job #%d suppressed (%s turn %d)", job.ID, job.Stage, job.Turn)
}

// failJob classifies the error and either schedules a retry with
// exponential backoff or marks the job failed for good.
func (w *PipelineWorker) failJob(ctx context.Context, job *models.Job, jobErr error) {
	pe := services.ClassifyError(jobErr)

	retryable := pe.IsRetryable() && job.Attempts < maxAttempts
	if !retryable {
		log.Printf("💀 Job #%d permanently failed after %d attempt(s): %v", job.ID, job.Attempts, pe)
		if err := w.store.UpdateJob(ctx, job.ID, map[string]interface{}{
			"status":    models.JobStatusFailed,
			"error_msg": pe.Error(),
		}); err != nil {
			log.Printf("⚠️  Failed to mark job #%d failed: %v", job.ID, err)
		}
		w.failTurn(ctx, job, pe)
		return
	}

	// Exponential backoff: 2^attempt seconds, honoring Retry-After
	backoff := time.Duration(1<<uint(job.Attempts)) * time.Second
	if pe.RetryAfter > backoff {
		backoff = pe.RetryAfter
	}
	nextRun := time.Now().Add(backoff)

	log.Printf("🔄 Job #%d will retry at %s (attempt %d/%d): %v",
		job.ID, nextRun.Format(time.RFC3339), job.Attempts, maxAttempts, pe)

	if err := w.store.UpdateJob(ctx, job.ID, map[string]interface{}{
		"status":      models.JobStatusPending,
		"error_msg":   pe.Error(),
		"next_run_at": nextRun,
	}); err != nil {
		log.Printf("⚠️  Failed to reschedule job #%d: %v", job.ID, err)
	}
}

// failTurn marks the turn's messages failed and records the error for
// the operator-facing usage log.
func (w *PipelineWorker) failTurn(ctx context.Context, job *models.Job, pe *services.PipelineError) {
	if err := w.store.SetMessageStatus(ctx, job.ChatKey, job.Turn, models.RoleUser, models.MessageStatusFailed); err != nil {
		log.Printf("⚠️  Failed to mark user message failed: %v", err)
	}
	if job.Stage == models.StageReply || job.Stage == models.StageInfer {
		if err := w.store.SetMessageStatus(ctx, job.ChatKey, job.Turn, models.RoleAssistant, models.MessageStatusFailed); err != nil {
			log.Printf("⚠️  Failed to mark assistant message failed: %v", err)
		}
	}

	// Every stage payload carries the session row ID.
	var ref struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal([]byte(job.Payload), &ref); err != nil {
		log.Printf("⚠️  Job #%d has unreadable payload, usage entry loses session: %v", job.ID, err)
	}
	usage := &models.UsageLog{
		SessionID:   ref.SessionID,
		ChatKey:     job.ChatKey,
		Turn:        job.Turn,
		Status:      "error",
		ErrorReason: pe.Error(),
	}
	if err := w.store.SaveUsage(ctx, usage); err != nil {
		log.Printf("⚠️  Failed to record failure usage: %v", err)
	}
}
