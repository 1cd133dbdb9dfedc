package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vigil/internal/audit"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Sink receives terminal-transition audit entries after commit. Alerting
// hangs off this; delivery and escalation are the sink's problem.
type Sink interface {
	Notify(e *audit.Entry)
}

// Store is the single mutation path for assessments. All writers — the
// controller, processors, and the background sweeps — go through Create and
// Transition; nothing else may touch the assessments table.
type Store struct {
	DB       *gorm.DB
	Recorder *audit.Recorder
	Sink     Sink

	DefaultTimeoutSeconds int
	DefaultMaxRetries     int

	// Now is swappable for tests. Nil means time.Now.
	Now func() time.Time
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type CreateSpec struct {
	AssessmentID   string // optional; generated when empty
	RequestData    json.RawMessage
	Priority       int // 1..10, 0 means default (5)
	TimeoutSeconds int // 0 means configured default
	MaxRetries     int // 0 means configured default
	Source         string
	Tags           []string
}

// Create inserts a new pending assessment and its creation audit entry in
// one transaction. Returns the (possibly generated) assessment id.
func (s *Store) Create(ctx context.Context, spec CreateSpec) (string, error) {
	id := spec.AssessmentID
	if id == "" {
		id = uuid.NewString()
	}

	priority := spec.Priority
	if priority == 0 {
		priority = 5
	}
	if priority < 1 || priority > 10 {
		return "", fmt.Errorf("priority %d out of range 1..10", spec.Priority)
	}

	timeout := spec.TimeoutSeconds
	if timeout <= 0 {
		timeout = s.DefaultTimeoutSeconds
	}
	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.DefaultMaxRetries
	}

	now := s.now()
	a := Assessment{
		AssessmentID:   id,
		State:          StatePending,
		Version:        1,
		RequestData:    spec.RequestData,
		Progress:       0,
		Priority:       priority,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeout,
		Source:         spec.Source,
		Tags:           pq.StringArray(spec.Tags),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Assessment
		err := tx.Where("assessment_id = ?", id).First(&existing).Error
		if err == nil {
			return ErrDuplicate
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := tx.Create(&a).Error; err != nil {
			// races on the unique index land here
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicate
			}
			return err
		}

		return s.Recorder.Append(tx, &audit.Entry{
			AssessmentID: id,
			OldState:     "",
			NewState:     string(StatePending),
			VersionFrom:  0,
			VersionTo:    1,
			ChangeAction: "create",
			CreatedAt:    now,
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Fields carries the per-transition payload plus audit attribution. Only the
// fields meaningful for the target state are applied; the store, not the
// caller, owns progress/completedAt/retryCount bookkeeping.
type Fields struct {
	Progress     *int
	ResultData   json.RawMessage
	ErrorMessage *string
	NextRetryAt  *time.Time

	ChangedBy    string
	ChangeReason string
	ChangeAction string
	Context      json.RawMessage
}

// Transition is the single mutation entry point. The version predicate on
// the UPDATE is the optimistic lock: under a race exactly one caller per
// starting version wins, the rest get ErrVersionConflict and must re-read.
// The audit entry commits in the same transaction as the record mutation.
func (s *Store) Transition(ctx context.Context, assessmentID string, expectedVersion uint64, to State, f Fields) (uint64, error) {
	var newVersion uint64
	var entry *audit.Entry

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a Assessment
		if err := tx.Where("assessment_id = ?", assessmentID).First(&a).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if a.Version != expectedVersion {
			return ErrVersionConflict
		}
		if !canTransition(&a, to) {
			return fmt.Errorf("%w: %s -> %s (retries %d/%d)", ErrInvalidTransition, a.State, to, a.RetryCount, a.MaxRetries)
		}

		now := s.now()
		updates := map[string]any{
			"state":      to,
			"version":    a.Version + 1,
			"updated_at": now,
		}

		switch to {
		case StateProcessing:
			// claim: progress must be >0 while processing, and a claimed
			// record sheds its retry schedule
			p := 1
			if f.Progress != nil && *f.Progress > 0 {
				p = *f.Progress
				if p > 99 {
					p = 99
				}
			}
			updates["progress"] = p
			updates["next_retry_at"] = nil
		case StatePending:
			// re-queue via reaper or retry scheduler; a fresh record is
			// never a transition target
			updates["progress"] = 0
			updates["retry_count"] = a.RetryCount + 1
			updates["next_retry_at"] = f.NextRetryAt
			updates["completed_at"] = nil
		case StateCompleted:
			updates["progress"] = 100
			updates["completed_at"] = now
			updates["next_retry_at"] = nil
			if f.ResultData != nil {
				updates["result_data"] = f.ResultData
			}
		case StateFailed:
			updates["progress"] = 100
			updates["completed_at"] = now
			updates["next_retry_at"] = nil
			if f.ErrorMessage != nil {
				updates["error_message"] = *f.ErrorMessage
			}
		case StateCancelled:
			// cancel can hit a re-queued record directly from pending, so
			// the retry schedule must be shed here, not only on claim
			updates["progress"] = 100
			updates["completed_at"] = now
			updates["next_retry_at"] = nil
		}

		res := tx.Model(&Assessment{}).
			Where("assessment_id = ? AND version = ?", assessmentID, expectedVersion).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// someone committed between our read and our update
			return ErrVersionConflict
		}

		newVersion = a.Version + 1
		entry = &audit.Entry{
			AssessmentID: assessmentID,
			OldState:     string(a.State),
			NewState:     string(to),
			VersionFrom:  a.Version,
			VersionTo:    newVersion,
			ChangedBy:    f.ChangedBy,
			ChangeReason: f.ChangeReason,
			ChangeAction: f.ChangeAction,
			Context:      f.Context,
			CreatedAt:    now,
		}
		return s.Recorder.Append(tx, entry)
	})
	if err != nil {
		return 0, err
	}

	if s.Sink != nil && (to == StateCompleted || to == StateFailed) {
		s.Sink.Notify(entry)
	}
	return newVersion, nil
}

func (s *Store) Get(ctx context.Context, assessmentID string) (*Assessment, error) {
	var a Assessment
	err := s.DB.WithContext(ctx).Where("assessment_id = ?", assessmentID).First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

type Filter struct {
	States      []State
	PriorityMin int // 0 = unbounded
	PriorityMax int // 0 = unbounded
	Source      string
	Tag         string // postgres only (text[] membership)

	OrderBy string // "priority" or "" (created_at desc)
	Limit   int
	Offset  int
}

func (s *Store) List(ctx context.Context, f Filter) ([]Assessment, error) {
	q := s.DB.WithContext(ctx).Model(&Assessment{})

	if len(f.States) > 0 {
		q = q.Where("state in ?", f.States)
	}
	if f.PriorityMin > 0 {
		q = q.Where("priority >= ?", f.PriorityMin)
	}
	if f.PriorityMax > 0 {
		q = q.Where("priority <= ?", f.PriorityMax)
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if f.Tag != "" {
		q = q.Where("? = any(tags)", f.Tag)
	}

	switch f.OrderBy {
	case "priority":
		q = q.Order("priority asc, created_at asc")
	default:
		q = q.Order("created_at desc")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	q = q.Limit(limit)
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var rows []Assessment
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// RetryCandidates returns failed assessments with retries remaining whose
// backoff (if any) has elapsed. Read-only; the scheduler mutates via
// Transition.
func (s *Store) RetryCandidates(ctx context.Context, now time.Time, limit int) ([]Assessment, error) {
	var rows []Assessment
	err := s.DB.WithContext(ctx).
		Where("state = ? AND retry_count < max_retries", StateFailed).
		Where("next_retry_at is null OR next_retry_at <= ?", now).
		Order("updated_at asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// StuckProcessing returns processing assessments whose timeout has elapsed.
// The per-row timeout comparison happens here rather than in SQL so the
// query stays portable across drivers.
func (s *Store) StuckProcessing(ctx context.Context, now time.Time, limit int) ([]Assessment, error) {
	var rows []Assessment
	err := s.DB.WithContext(ctx).
		Where("state = ?", StateProcessing).
		Order("updated_at asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, a := range rows {
		deadline := a.UpdatedAt.Add(time.Duration(a.TimeoutSeconds) * time.Second)
		if !deadline.After(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

// ExpiredTerminal returns terminal assessments past the retention cutoff,
// oldest first, for the cleaner.
func (s *Store) ExpiredTerminal(ctx context.Context, cutoff time.Time, limit int) ([]Assessment, error) {
	var rows []Assessment
	err := s.DB.WithContext(ctx).
		Where("state in ?", []State{StateCompleted, StateFailed, StateCancelled}).
		Where("completed_at is not null AND completed_at < ?", cutoff).
		Order("completed_at asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
