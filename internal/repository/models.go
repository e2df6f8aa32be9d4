package repository

import (
	"time"

	"github.com/kursadbilgin/bulk-dispatcher/internal/domain"
)

// SentRecipientModel is one ledger entry in the sent_recipients table.
type SentRecipientModel struct {
	Recipient string  `gorm:"type:varchar(32);primaryKey"`
	RunID     *string `gorm:"type:uuid"`
	CreatedAt time.Time
}

func (SentRecipientModel) TableName() string {
	return "sent_recipients"
}

// RunModel is the persistence model for dispatch_runs.
type RunModel struct {
	ID             string          `gorm:"type:uuid;primaryKey"`
	Phase          domain.RunPhase `gorm:"type:varchar(20);not null"`
	Total          int             `gorm:"not null"`
	Sent           int             `gorm:"not null;default:0"`
	Skipped        int             `gorm:"not null;default:0"`
	Failed         int             `gorm:"not null;default:0"`
	Message        string          `gorm:"type:text;not null"`
	AttachmentPath *string         `gorm:"type:text"`
	Error          *string         `gorm:"type:text"`
	StartedAt      time.Time       `gorm:"type:timestamptz;not null"`
	FinishedAt     *time.Time      `gorm:"type:timestamptz"`
	UpdatedAt      time.Time
}

func (RunModel) TableName() string {
	return "dispatch_runs"
}

func runModelFromDomain(r *domain.Run) *RunModel {
	if r == nil {
		return nil
	}

	return &RunModel{
		ID:             r.ID,
		Phase:          r.Phase,
		Total:          r.Total,
		Sent:           r.Sent,
		Skipped:        r.Skipped,
		Failed:         r.Failed,
		Message:        r.Message,
		AttachmentPath: r.AttachmentPath,
		Error:          r.Error,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}

func runModelToDomain(m *RunModel) *domain.Run {
	if m == nil {
		return nil
	}

	return &domain.Run{
		ID:             m.ID,
		Phase:          m.Phase,
		Total:          m.Total,
		Sent:           m.Sent,
		Skipped:        m.Skipped,
		Failed:         m.Failed,
		Message:        m.Message,
		AttachmentPath: m.AttachmentPath,
		Error:          m.Error,
		StartedAt:      m.StartedAt,
		FinishedAt:     m.FinishedAt,
	}
}
