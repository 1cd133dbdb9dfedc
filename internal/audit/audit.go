package audit

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Entry is append-only. One row per accepted transition; replaying a trail
// in id order reproduces the assessment's state/version history.
type Entry struct {
	ID           uint64 `gorm:"primaryKey" json:"id"`
	AssessmentID string `gorm:"index;not null;type:varchar(64)" json:"assessment_id"`

	OldState string `gorm:"not null;type:varchar(16)" json:"old_state"`
	NewState string `gorm:"not null;type:varchar(16)" json:"new_state"`

	VersionFrom uint64 `gorm:"not null" json:"version_from"`
	VersionTo   uint64 `gorm:"not null" json:"version_to"`

	ChangedBy    string `gorm:"index;not null;default:''" json:"changed_by"`
	ChangeReason string `gorm:"type:text;not null;default:''" json:"change_reason"`
	ChangeAction string `gorm:"not null;default:''" json:"change_action"`

	Context json.RawMessage `gorm:"type:jsonb" json:"context,omitempty"`

	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`
}

func (Entry) TableName() string { return "audit_entries" }

// Recorder owns the trail. There is deliberately no update or delete on a
// single entry; DeleteForAssessments exists only for the cleaner's explicit
// co-delete mode.
type Recorder struct {
	DB *gorm.DB
}

// Append writes one entry using the caller's transaction. The state store
// calls this inside the same tx as the record mutation so both commit or
// neither does. The caller stamps CreatedAt from its own clock.
func (r *Recorder) Append(tx *gorm.DB, e *Entry) error {
	return tx.Create(e).Error
}

func (r *Recorder) Trail(ctx context.Context, assessmentID string) ([]Entry, error) {
	var out []Entry
	err := r.DB.WithContext(ctx).
		Where("assessment_id = ?", assessmentID).
		Order("id asc").
		Find(&out).Error
	return out, err
}

type ActorCount struct {
	ChangedBy string `json:"changed_by"`
	Count     int64  `json:"count"`
}

func (r *Recorder) ChangesByActor(ctx context.Context) ([]ActorCount, error) {
	var out []ActorCount
	err := r.DB.WithContext(ctx).Model(&Entry{}).
		Select("changed_by, count(*) as count").
		Group("changed_by").
		Order("count desc").
		Scan(&out).Error
	return out, err
}

type StateCount struct {
	NewState string `json:"new_state"`
	Count    int64  `json:"count"`
}

// ChangesByState counts transitions by their target state.
func (r *Recorder) ChangesByState(ctx context.Context) ([]StateCount, error) {
	var out []StateCount
	err := r.DB.WithContext(ctx).Model(&Entry{}).
		Select("new_state, count(*) as count").
		Group("new_state").
		Order("count desc").
		Scan(&out).Error
	return out, err
}

func (r *Recorder) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.DB.WithContext(ctx).Model(&Entry{}).
		Where("created_at >= ?", since).
		Count(&n).Error
	return n, err
}

// DeleteForAssessments removes trails for the given assessment ids. Only the
// retention cleaner calls this, and only when audit co-delete is explicitly
// configured.
func (r *Recorder) DeleteForAssessments(tx *gorm.DB, assessmentIDs []string) error {
	if len(assessmentIDs) == 0 {
		return nil
	}
	return tx.Where("assessment_id in ?", assessmentIDs).Delete(&Entry{}).Error
}
