package domain

import (
	"fmt"
	"strings"
	"time"
)

// RunConfig is the immutable input of one dispatch run.
type RunConfig struct {
	Contacts       []string
	Message        string
	AttachmentPath string
}

func (c RunConfig) Validate() error {
	if len(c.Contacts) == 0 {
		return fmt.Errorf("%w: at least one contact is required", ErrValidation)
	}
	if strings.TrimSpace(c.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	return nil
}

// Clone copies the contact slice so callers cannot mutate a running configuration.
func (c RunConfig) Clone() RunConfig {
	contacts := make([]string, len(c.Contacts))
	copy(contacts, c.Contacts)
	return RunConfig{
		Contacts:       contacts,
		Message:        c.Message,
		AttachmentPath: strings.TrimSpace(c.AttachmentPath),
	}
}

// Run is the persisted summary of a dispatch run.
type Run struct {
	ID             string
	Phase          RunPhase
	Total          int
	Sent           int
	Skipped        int
	Failed         int
	Message        string
	AttachmentPath *string
	Error          *string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// Outcome is the per-contact result of one loop iteration.
type Outcome string

const (
	OutcomeSent           Outcome = "SENT"
	OutcomeFailed         Outcome = "FAILED"
	OutcomeSkippedLedger  Outcome = "SKIPPED_LEDGER"
	OutcomeSkippedInvalid Outcome = "SKIPPED_INVALID"
)

func (o Outcome) String() string { return string(o) }

func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSent, OutcomeFailed, OutcomeSkippedLedger, OutcomeSkippedInvalid:
		return true
	}
	return false
}
