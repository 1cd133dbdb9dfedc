package stats

import (
	"context"
	"time"

	"vigil/internal/assessment"

	"gorm.io/gorm"
)

// Service is read-only reporting over the assessments table. It never
// mutates anything.
type Service struct {
	DB *gorm.DB

	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) CountsByState(ctx context.Context) (map[string]int64, error) {
	type row struct {
		State string
		Count int64
	}
	var rows []row
	err := s.DB.WithContext(ctx).Model(&assessment.Assessment{}).
		Select("state, count(*) as count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.Count
	}
	return out, nil
}

// AvgCompletionSeconds averages created-to-completed time over the most
// recent completed assessments. The arithmetic happens here so the query
// stays driver-portable; sample cap keeps it cheap.
func (s *Service) AvgCompletionSeconds(ctx context.Context) (float64, error) {
	type row struct {
		CreatedAt   time.Time
		CompletedAt *time.Time
	}
	var rows []row
	err := s.DB.WithContext(ctx).Model(&assessment.Assessment{}).
		Select("created_at, completed_at").
		Where("state = ? AND completed_at is not null", assessment.StateCompleted).
		Order("completed_at desc").
		Limit(1000).
		Scan(&rows).Error
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	var sum float64
	for _, r := range rows {
		sum += r.CompletedAt.Sub(r.CreatedAt).Seconds()
	}
	return sum / float64(len(rows)), nil
}

// RetryRate is the share of terminal assessments that needed at least one
// retry.
func (s *Service) RetryRate(ctx context.Context) (float64, error) {
	terminal := []assessment.State{assessment.StateCompleted, assessment.StateFailed, assessment.StateCancelled}

	var total, retried int64
	if err := s.DB.WithContext(ctx).Model(&assessment.Assessment{}).
		Where("state in ?", terminal).
		Count(&total).Error; err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	if err := s.DB.WithContext(ctx).Model(&assessment.Assessment{}).
		Where("state in ? AND retry_count > 0", terminal).
		Count(&retried).Error; err != nil {
		return 0, err
	}
	return float64(retried) / float64(total), nil
}

// StuckCount counts processing assessments already past their timeout,
// i.e. what the next reaper pass will pick up.
func (s *Service) StuckCount(ctx context.Context) (int64, error) {
	type row struct {
		UpdatedAt      time.Time
		TimeoutSeconds int
	}
	var rows []row
	err := s.DB.WithContext(ctx).Model(&assessment.Assessment{}).
		Select("updated_at, timeout_seconds").
		Where("state = ?", assessment.StateProcessing).
		Scan(&rows).Error
	if err != nil {
		return 0, err
	}
	now := s.now()
	var n int64
	for _, r := range rows {
		if !r.UpdatedAt.Add(time.Duration(r.TimeoutSeconds) * time.Second).After(now) {
			n++
		}
	}
	return n, nil
}

type Overview struct {
	CountsByState        map[string]int64 `json:"counts_by_state"`
	AvgCompletionSeconds float64          `json:"avg_completion_seconds"`
	RetryRate            float64          `json:"retry_rate"`
	StuckCount           int64            `json:"stuck_count"`
}

func (s *Service) Overview(ctx context.Context) (*Overview, error) {
	counts, err := s.CountsByState(ctx)
	if err != nil {
		return nil, err
	}
	avg, err := s.AvgCompletionSeconds(ctx)
	if err != nil {
		return nil, err
	}
	rate, err := s.RetryRate(ctx)
	if err != nil {
		return nil, err
	}
	stuck, err := s.StuckCount(ctx)
	if err != nil {
		return nil, err
	}
	return &Overview{
		CountsByState:        counts,
		AvgCompletionSeconds: avg,
		RetryRate:            rate,
		StuckCount:           stuck,
	}, nil
}
