package sweep

import (
	"context"
	"errors"
	"log"
	"time"

	"vigil/internal/assessment"
)

// RetryScheduler re-queues failed assessments that still have retries left.
// It holds no special privilege: it mutates through the same Transition API
// as any processor, and a version conflict just means someone else got there
// first.
type RetryScheduler struct {
	Store    *assessment.Store
	Backoff  Backoff
	Interval time.Duration
	Batch    int
}

func (s *RetryScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.RunOnce(ctx); err != nil {
				log.Printf("scheduler: pass failed: %v\n", err)
			} else if n > 0 {
				log.Printf("scheduler: re-queued %d assessment(s)\n", n)
			}
		}
	}
}

// RunOnce performs one pass and returns how many assessments it re-queued.
// Benign races (conflict, gone) are skipped; other per-item errors are
// logged and the pass continues.
func (s *RetryScheduler) RunOnce(ctx context.Context) (int, error) {
	batch := s.Batch
	if batch <= 0 {
		batch = 100
	}
	now := s.now()

	candidates, err := s.Store.RetryCandidates(ctx, now, batch)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, a := range candidates {
		next := now.Add(s.Backoff.Delay(a.RetryCount))
		_, err := s.Store.Transition(ctx, a.AssessmentID, a.Version, assessment.StatePending, assessment.Fields{
			NextRetryAt:  &next,
			ChangedBy:    "retry-scheduler",
			ChangeReason: "automatic retry",
			ChangeAction: "retry",
		})
		switch {
		case err == nil:
			requeued++
		case errors.Is(err, assessment.ErrVersionConflict), errors.Is(err, assessment.ErrNotFound):
			// another actor already moved it
		default:
			log.Printf("scheduler: retry %s: %v\n", a.AssessmentID, err)
		}
	}
	return requeued, nil
}

func (s *RetryScheduler) now() time.Time {
	if s.Store.Now != nil {
		return s.Store.Now()
	}
	return time.Now()
}
