package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"wa-agent-support/models"
	"wa-agent-support/services"
)

// runRetrieve embeds the merged query and fetches knowledge-base context,
// then hands the turn to the infer stage.
func (w *PipelineWorker) runRetrieve(ctx context.Context, job *models.Job) error {
	var payload models.RetrievePayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return services.NewValidationError("bad retrieve payload: %v", err)
	}

	if suppressed, err := w.gateSuppression(ctx, job, payload.SessionID); err != nil || suppressed {
		return err
	}

	chunks, err := w.retriever.Retrieve(ctx, payload.SessionID, payload.MergedText)
	if err != nil {
		return fmt.Errorf("retrieve stage: %w", err)
	}

	next := models.InferPayload{
		SessionID:    payload.SessionID,
		ChatKey:      payload.ChatKey,
		RemoteChatID: payload.RemoteChatID,
		Turn:         payload.Turn,
		UserMessage:  payload.MergedText,
		Context:      chunks,
	}
	if err := w.enqueueStage(ctx, job, models.StageInfer, next); err != nil {
		return err
	}

	w.completeJob(ctx, job, fmt.Sprintf(`{"chunks":%d}`, len(chunks)))
	return nil
}

// runInfer calls the LLM, persists the assistant message and hands the
// turn to the reply stage.
func (w *PipelineWorker) runInfer(ctx context.Context, job *models.Job) error {
	var payload models.InferPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return services.NewValidationError("bad infer payload: %v", err)
	}

	if suppressed, err := w.gateSuppression(ctx, job, payload.SessionID); err != nil || suppressed {
		return err
	}

	response, err := w.inferrer.Infer(ctx, payload)
	if err != nil {
		return fmt.Errorf("infer stage: %w", err)
	}

	// Deterministic ID: a retry after a crash between save and complete
	// must not create a second assistant message for the turn.
	record := &models.Message{
		MessageID: fmt.Sprintf("out:%s:%d", payload.ChatKey, payload.Turn),
		ChatKey:   payload.ChatKey,
		Turn:      payload.Turn,
		Role:      models.RoleAssistant,
		Text:      response,
		Status:    models.MessageStatusProcessing,
		Timestamp: time.Now(),
	}
	if err := w.store.SaveMessage(ctx, record); err != nil && !isDuplicateErr(err) {
		return fmt.Errorf("failed to persist assistant message: %w", err)
	}

	next := models.ReplyPayload{
		SessionID:    payload.SessionID,
		ChatKey:      payload.ChatKey,
		RemoteChatID: payload.RemoteChatID,
		Turn:         payload.Turn,
		AIResponse:   response,
	}
	if err := w.enqueueStage(ctx, job, models.StageReply, next); err != nil {
		return err
	}

	w.completeJob(ctx, job, "")
	return nil
}

// runReply paces the response out through the gateway. Partial progress
// is persisted on the job so a retry resumes at the first unsent segment.
func (w *PipelineWorker) runReply(ctx context.Context, job *models.Job) error {
	var payload models.ReplyPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return services.NewValidationError("bad reply payload: %v", err)
	}

	var prior models.ReplyResult
	if job.Result != "" {
		if err := json.Unmarshal([]byte(job.Result), &prior); err != nil {
			log.Printf("⚠️  Job #%d has unreadable progress, restarting from segment 0: %v", job.ID, err)
			prior = models.ReplyResult{}
		}
	}

	result, err := w.replier.Reply(ctx, payload, prior)

	if errors.Is(err, services.ErrSuppressed) {
		w.suppressTurn(ctx, job)
		return nil
	}

	if result.SentSegmentCount != prior.SentSegmentCount {
		if uerr := w.store.UpdateJob(ctx, job.ID, map[string]interface{}{
			"result": models.MarshalPayload(result),
		}); uerr != nil {
			log.Printf("⚠️  Failed to persist reply progress for job #%d: %v", job.ID, uerr)
		}
	}

	if err != nil {
		return fmt.Errorf("reply stage: %w", err)
	}

	if err := w.store.SetMessageStatus(ctx, job.ChatKey, job.Turn, models.RoleAssistant, models.MessageStatusCompleted); err != nil {
		log.Printf("⚠️  Failed to complete assistant message for %s turn %d: %v", job.ChatKey, job.Turn, err)
	}
	if err := w.store.SetMessageStatus(ctx, job.ChatKey, job.Turn, models.RoleUser, models.MessageStatusCompleted); err != nil {
		log.Printf("⚠️  Failed to complete user message for %s turn %d: %v", job.ChatKey, job.Turn, err)
	}

	w.completeJob(ctx, job, models.MarshalPayload(result))
	return nil
}

// gateSuppression re-checks auto-reply before every stage. Suppression is
// terminal for the turn: the job and its messages flip to suppressed.
func (w *PipelineWorker) gateSuppression(ctx context.Context, job *models.Job, sessionID string) (bool, error) {
	shouldReply, err := w.intervention.ShouldAutoReply(ctx, sessionID, job.ChatKey)
	if err != nil {
		return false, services.NewTransientError(fmt.Errorf("suppression check failed: %w", err))
	}
	if shouldReply {
		return false, nil
	}
	w.suppressTurn(ctx, job)
	return true, nil
}

// suppressTurn marks the job and the turn's messages suppressed.
func (w *PipelineWorker) suppressTurn(ctx context.Context, job *models.Job) {
	w.suppressJob(ctx, job)
	if err := w.store.SetMessageStatus(ctx, job.ChatKey, job.Turn, models.RoleUser, models.MessageStatusSuppressed); err != nil {
		log.Printf("⚠️  Failed to suppress user message for %s turn %d: %v", job.ChatKey, job.Turn, err)
	}
	if err := w.store.SetMessageStatus(ctx, job.ChatKey, job.Turn, models.RoleAssistant, models.MessageStatusSuppressed); err != nil {
		log.Printf("⚠️  Failed to suppress assistant message for %s turn %d: %v", job.ChatKey, job.Turn, err)
	}
}

// enqueueStage inserts the next stage's job. A duplicate means a prior
// attempt already enqueued it before crashing; that is fine.
func (w *PipelineWorker) enqueueStage(ctx context.Context, job *models.Job, stage string, payload interface{}) error {
	next := &models.Job{
		ChatKey: job.ChatKey,
		Turn:    job.Turn,
		Stage:   stage,
		Status:  models.JobStatusPending,
		Payload: models.MarshalPayload(payload),
	}
	if err := w.store.EnqueueJob(ctx, next); err != nil {
		if isDuplicateErr(err) {
			log.Printf("ℹ️  %s job for %s turn %d already enqueued", stage, job.ChatKey, job.Turn)
			return nil
		}
		return services.NewTransientError(fmt.Errorf("failed to enqueue %s job: %w", stage, err))
	}
	return nil
}

func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique")
}
