package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"gorm.io/gorm"
)

func createProviderAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_provider_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ProviderAttemptModel{}); err != nil {
				return err
			}
			statements := []string{
				`CREATE INDEX IF NOT EXISTS idx_provider_attempts_message_id ON provider_attempts (message_id, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_provider_attempts_provider_outcome ON provider_attempts (provider, outcome, created_at)`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ProviderAttemptModel{})
		},
	}
}
