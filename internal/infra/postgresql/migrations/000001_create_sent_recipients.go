package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/bulk-dispatcher/internal/repository"
	"gorm.io/gorm"
)

func createSentRecipientsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_sent_recipients",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.SentRecipientModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.SentRecipientModel{})
		},
	}
}
