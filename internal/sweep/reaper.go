package sweep

import (
	"context"
	"errors"
	"log"
	"time"

	"vigil/internal/assessment"
)

// TimeoutReaper resolves processing assessments whose timeout has elapsed.
// With retries left the record goes back to pending on a backoff schedule;
// at the retry ceiling it is failed for good.
type TimeoutReaper struct {
	Store    *assessment.Store
	Backoff  Backoff
	Interval time.Duration
	Batch    int
}

func (r *TimeoutReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.RunOnce(ctx); err != nil {
				log.Printf("reaper: pass failed: %v\n", err)
			} else if n > 0 {
				log.Printf("reaper: resolved %d stuck assessment(s)\n", n)
			}
		}
	}
}

func (r *TimeoutReaper) RunOnce(ctx context.Context) (int, error) {
	batch := r.Batch
	if batch <= 0 {
		batch = 100
	}
	now := r.now()

	stuck, err := r.Store.StuckProcessing(ctx, now, batch)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, a := range stuck {
		var err error
		if a.RetryCount >= a.MaxRetries {
			msg := "timeout"
			_, err = r.Store.Transition(ctx, a.AssessmentID, a.Version, assessment.StateFailed, assessment.Fields{
				ErrorMessage: &msg,
				ChangedBy:    "timeout-reaper",
				ChangeReason: "processing timeout, no retries left",
				ChangeAction: "reap",
			})
		} else {
			next := now.Add(r.Backoff.Delay(a.RetryCount))
			_, err = r.Store.Transition(ctx, a.AssessmentID, a.Version, assessment.StatePending, assessment.Fields{
				NextRetryAt:  &next,
				ChangedBy:    "timeout-reaper",
				ChangeReason: "processing timeout",
				ChangeAction: "reap",
			})
		}
		switch {
		case err == nil:
			resolved++
		case errors.Is(err, assessment.ErrVersionConflict), errors.Is(err, assessment.ErrNotFound):
			// the processor finished (or someone else reaped) between the
			// scan and our transition
		default:
			log.Printf("reaper: %s: %v\n", a.AssessmentID, err)
		}
	}
	return resolved, nil
}

func (r *TimeoutReaper) now() time.Time {
	if r.Store.Now != nil {
		return r.Store.Now()
	}
	return time.Now()
}
