package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"gorm.io/gorm"
)

func createAuditEventsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_audit_events",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AuditEventModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_audit_events_subject ON audit_events (subject, occurred_at)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_events_type_outcome ON audit_events (type, outcome, occurred_at)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_events_correlation_id ON audit_events (correlation_id) WHERE correlation_id IS NOT NULL`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AuditEventModel{})
		},
	}
}
