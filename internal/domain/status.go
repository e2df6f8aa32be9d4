package domain

import "time"

// Progress counts confirmed sends against the contact list size.
type Progress struct {
	Sent    int `json:"sent"`
	Total   int `json:"total"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// CurrentContact describes the recipient the loop is working on.
type CurrentContact struct {
	Number string `json:"number"`
	Index  int    `json:"index"`
	Total  int    `json:"total"`
}

// DispatchStatus is a point-in-time snapshot of the engine and its session.
type DispatchStatus struct {
	RunID          string            `json:"runId,omitempty"`
	Phase          RunPhase          `json:"phase"`
	Connectivity   ConnectivityPhase `json:"connectivity"`
	Activity       Activity          `json:"activity"`
	Running        bool              `json:"running"`
	PauseRequested bool              `json:"pauseRequested"`
	StopRequested  bool              `json:"stopRequested"`
	Progress       Progress          `json:"progress"`
	CurrentContact *CurrentContact   `json:"currentContact,omitempty"`
	QRCode         string            `json:"qrCode,omitempty"`
	LastWarning    string            `json:"lastWarning,omitempty"`
	LastError      string            `json:"lastError,omitempty"`
	LedgerSize     int               `json:"ledgerSize"`
	StartedAt      *time.Time        `json:"startedAt,omitempty"`
	FinishedAt     *time.Time        `json:"finishedAt,omitempty"`
}
