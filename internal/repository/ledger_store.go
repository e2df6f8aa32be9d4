package repository

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/bulk-dispatcher/internal/ledger"
	"github.com/kursadbilgin/bulk-dispatcher/internal/observability"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ ledger.Store = (*GormLedgerStore)(nil)

// GormLedgerStore keeps the ledger in the sent_recipients table. Entries are
// tagged with the run id carried by the append context, when there is one.
type GormLedgerStore struct {
	db *gorm.DB
}

func NewGormLedgerStore(db *gorm.DB) *GormLedgerStore {
	return &GormLedgerStore{db: db}
}

func (s *GormLedgerStore) Load(ctx context.Context) ([]string, error) {
	var recipients []string
	if err := s.db.WithContext(ctx).
		Model(&SentRecipientModel{}).
		Order("created_at ASC").
		Pluck("recipient", &recipients).Error; err != nil {
		return nil, fmt.Errorf("failed to load sent recipients: %w", err)
	}
	return recipients, nil
}

func (s *GormLedgerStore) Append(ctx context.Context, recipient string) error {
	model := SentRecipientModel{Recipient: recipient}
	if runID, ok := observability.RunIDFromContext(ctx); ok {
		model.RunID = &runID
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("failed to insert sent recipient: %w", err)
	}
	return nil
}

func (s *GormLedgerStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close leaves the shared connection pool open; its owner closes it.
func (s *GormLedgerStore) Close() error { return nil }
