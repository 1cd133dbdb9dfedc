package db

import (
	"fmt"

	"vigil/internal/assessment"
	"vigil/internal/audit"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	return gdb, nil
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	// Tables
	if err := gdb.AutoMigrate(
		&assessment.Assessment{},
		&audit.Entry{},
	); err != nil {
		return err
	}

	// Sweep scans: retry candidates and stuck-processing walk (state, ...)
	stmts := []string{
		`create index if not exists idx_assessments_retry on assessments(state, next_retry_at);`,
		`create index if not exists idx_assessments_stuck on assessments(state, updated_at);`,
		`create index if not exists idx_assessments_retention on assessments(state, completed_at);`,
		`create index if not exists idx_assessments_list on assessments(priority, created_at);`,
		`create index if not exists idx_audit_trail on audit_entries(assessment_id, id);`,
		`create index if not exists idx_audit_window on audit_entries(created_at desc);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}

	// Tag filter (GIN for text[])
	if err := gdb.Exec(`create index if not exists idx_assessments_tags on assessments using gin (tags);`).Error; err != nil {
		return err
	}

	return nil
}
