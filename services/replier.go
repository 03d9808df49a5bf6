package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"wa-agent-support/models"
)

// ErrSuppressed signals that a reply was skipped because auto-reply was
// switched off between inference and send.
var ErrSuppressed = errors.New("auto-reply suppressed")

// Replier paces the outbound response like a human: typing indicator,
// randomized delays, short segments.
type Replier struct {
	store        Store
	gateway      Gateway
	intervention *Intervention

	segmentMax int
	delayMin   time.Duration
	delayMax   time.Duration
	interGap   time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewReplier creates the replier. The RNG is injected so tests can seed
// the pacing deterministically.
func NewReplier(store Store, gateway Gateway, intervention *Intervention, segmentMax int, delayMin, delayMax, interGap time.Duration, rng *rand.Rand) *Replier {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Replier{
		store:        store,
		gateway:      gateway,
		intervention: intervention,
		segmentMax:   segmentMax,
		delayMin:     delayMin,
		delayMax:     delayMax,
		interGap:     interGap,
		rng:          rng,
	}
}

// Reply sends one turn's response through the gateway. prior carries the
// progress of an earlier failed attempt: already-sent segments are never
// resent. The returned result reflects total progress either way.
func (rp *Replier) Reply(ctx context.Context, payload models.ReplyPayload, prior models.ReplyResult) (models.ReplyResult, error) {
	shouldReply, err := rp.intervention.ShouldAutoReply(ctx, payload.SessionID, payload.ChatKey)
	if err != nil {
		return prior, fmt.Errorf("suppression re-check failed: %w", err)
	}
	if !shouldReply {
		return prior, ErrSuppressed
	}

	// Trailing-marker sanitation: the LLM's own punctuation must never
	// toggle the intervention markers.
	text := SafeTrim(FormatForWhatsApp(payload.AIResponse))
	segments := Segment(text, rp.segmentMax)

	result := models.ReplyResult{
		SentSegmentCount: prior.SentSegmentCount,
		TotalSegments:    len(segments),
	}

	for i := prior.SentSegmentCount; i < len(segments); i++ {
		segment := segments[i]

		typing := TypingDuration(segment)
		if err := rp.gateway.SendTyping(ctx, payload.SessionID, payload.RemoteChatID, typing); err != nil {
			log.Printf("⚠️  [Replier] Typing indicator failed for %s: %v", payload.ChatKey, err)
			// Non-fatal: keep sending
		}

		if err := rp.sleep(ctx, rp.randomDelay()); err != nil {
			return result, err
		}

		if err := rp.gateway.SendMessage(ctx, payload.SessionID, payload.RemoteChatID, segment); err != nil {
			return result, fmt.Errorf("gateway send failed at segment %d/%d: %w", i+1, len(segments), err)
		}
		result.SentSegmentCount = i + 1

		if i < len(segments)-1 {
			if err := rp.sleep(ctx, rp.interGap); err != nil {
				return result, err
			}
		}
	}

	log.Printf("📤 [Replier] Sent %d segment(s) for %s turn %d", len(segments), payload.ChatKey, payload.Turn)
	return result, nil
}

func (rp *Replier) randomDelay() time.Duration {
	if rp.delayMax <= rp.delayMin {
		return rp.delayMin
	}
	rp.rngMu.Lock()
	defer rp.rngMu.Unlock()
	return rp.delayMin + time.Duration(rp.rng.Int63n(int64(rp.delayMax-rp.delayMin)))
}

func (rp *Replier) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
