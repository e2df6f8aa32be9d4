package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/bulk-dispatcher/internal/domain"
)

// DispatchEvent is the broker payload describing what happened to one recipient.
type DispatchEvent struct {
	RunID      string         `json:"runId"`
	Recipient  string         `json:"recipient"`
	Outcome    domain.Outcome `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

func (e DispatchEvent) Validate() error {
	if strings.TrimSpace(e.RunID) == "" {
		return fmt.Errorf("runId is required")
	}
	if strings.TrimSpace(e.Recipient) == "" {
		return fmt.Errorf("recipient is required")
	}
	if !e.Outcome.IsValid() {
		return fmt.Errorf("invalid outcome %q", e.Outcome)
	}
	return nil
}
