package sweep

import (
	"context"
	"log"
	"time"

	"vigil/internal/assessment"
	"vigil/internal/audit"

	"gorm.io/gorm"
)

// RetentionCleaner hard-deletes terminal assessments older than the
// retention window, in bounded batches. Audit trails outlive the record
// unless CoDeleteAudit is explicitly set.
type RetentionCleaner struct {
	Store    *assessment.Store
	Recorder *audit.Recorder

	Retention     time.Duration
	Interval      time.Duration
	BatchSize     int
	CoDeleteAudit bool
}

func (c *RetentionCleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.RunOnce(ctx); err != nil {
				log.Printf("cleaner: pass failed: %v\n", err)
			} else if n > 0 {
				log.Printf("cleaner: removed %d expired assessment(s)\n", n)
			}
		}
	}
}

// RunOnce deletes batches until none are eligible and returns the total
// removed. Each batch is its own transaction to keep them short.
func (c *RetentionCleaner) RunOnce(ctx context.Context) (int, error) {
	batch := c.BatchSize
	if batch <= 0 {
		batch = 500
	}
	cutoff := c.now().Add(-c.Retention)

	total := 0
	for {
		rows, err := c.Store.ExpiredTerminal(ctx, cutoff, batch)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}

		ids := make([]string, 0, len(rows))
		for _, a := range rows {
			ids = append(ids, a.AssessmentID)
		}

		err = c.Store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("assessment_id in ?", ids).Delete(&assessment.Assessment{}).Error; err != nil {
				return err
			}
			if c.CoDeleteAudit {
				return c.Recorder.DeleteForAssessments(tx, ids)
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += len(ids)

		if len(rows) < batch {
			return total, nil
		}
	}
}

func (c *RetentionCleaner) now() time.Time {
	if c.Store.Now != nil {
		return c.Store.Now()
	}
	return time.Now()
}
