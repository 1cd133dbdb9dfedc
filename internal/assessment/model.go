package assessment

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

var ErrNotFound = errors.New("assessment not found")
var ErrDuplicate = errors.New("assessment id already exists")
var ErrVersionConflict = errors.New("version conflict")
var ErrInvalidTransition = errors.New("invalid state transition")

type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// transitions is the single source of truth for state-machine legality.
// Guards that depend on more than the states (the retry bound) live in
// canTransition.
var transitions = map[State][]State{
	StatePending:    {StateProcessing, StateCancelled},
	StateProcessing: {StateCompleted, StateFailed, StatePending},
	StateFailed:     {StatePending},
	StateCompleted:  {},
	StateCancelled:  {},
}

// canTransition checks the table plus the retry bound: re-queueing
// (processing->pending or failed->pending) is only legal while retries
// remain.
func canTransition(a *Assessment, to State) bool {
	allowed := false
	for _, s := range transitions[a.State] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	if to == StatePending && a.RetryCount >= a.MaxRetries {
		return false
	}
	return true
}

// Terminal reports whether no further transitions are possible. A failed
// assessment at its retry ceiling is terminal even though "failed" appears
// in the table.
func (a *Assessment) Terminal() bool {
	if a.State == StateCompleted || a.State == StateCancelled {
		return true
	}
	return a.State == StateFailed && a.RetryCount >= a.MaxRetries
}

type Assessment struct {
	ID           uint64 `gorm:"primaryKey"`
	AssessmentID string `gorm:"uniqueIndex;not null;type:varchar(64)"`

	State   State  `gorm:"index;not null;type:varchar(16)"`
	Version uint64 `gorm:"not null;default:1"`

	RequestData  json.RawMessage `gorm:"type:jsonb"`
	ResultData   json.RawMessage `gorm:"type:jsonb"`
	ErrorMessage *string         `gorm:"type:text"`

	Progress int `gorm:"not null;default:0"`
	Priority int `gorm:"index;not null;default:5"` // 1 highest .. 10 lowest

	RetryCount     int `gorm:"not null;default:0"`
	MaxRetries     int `gorm:"not null"`
	TimeoutSeconds int `gorm:"not null"`

	NextRetryAt *time.Time `gorm:"index"`

	Source string         `gorm:"index;type:text;not null;default:''"`
	Tags   pq.StringArray `gorm:"type:text[]"`

	CreatedAt   time.Time  `gorm:"not null"`
	UpdatedAt   time.Time  `gorm:"index;not null"`
	CompletedAt *time.Time `gorm:"index"`
}

func (Assessment) TableName() string { return "assessments" }
