package db

import (
	"fmt"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"gorm.io/gorm"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(types.AllModels()...)
}

// EnsureDialecticIndexes adds the indexes gorm tags cannot express. The
// statements are valid on both Postgres and SQLite.
func EnsureDialecticIndexes(db *gorm.DB) error {
	// One latest edit per lineage.
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_contrib_lineage_latest
		ON dialectic_contributions(lineage_id)
		WHERE is_latest_edit = true;
	`).Error; err != nil {
		return fmt.Errorf("create idx_contrib_lineage_latest: %w", err)
	}
	// Claim scan.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_claimable
		ON dialectic_generation_jobs(status, created_at)
		WHERE status IN ('pending', 'pending_next_step');
	`).Error; err != nil {
		return fmt.Errorf("create idx_job_claimable: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_parent_type
		ON dialectic_generation_jobs(parent_job_id, job_type);
	`).Error; err != nil {
		return fmt.Errorf("create idx_job_parent_type: %w", err)
	}
	return nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := EnsureDialecticIndexes(s.db); err != nil {
		s.log.Error("Dialectic index migration failed", "error", err)
		return err
	}
	return nil
}
