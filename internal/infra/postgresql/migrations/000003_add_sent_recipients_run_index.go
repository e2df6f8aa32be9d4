package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addSentRecipientsRunIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_add_sent_recipients_run_index",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_sent_recipients_run_id ON sent_recipients (run_id) WHERE run_id IS NOT NULL`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`DROP INDEX IF EXISTS idx_sent_recipients_run_id`).Error
		},
	}
}
