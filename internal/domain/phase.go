package domain

import (
	"fmt"
	"strings"
)

// RunPhase is the lifecycle state of a dispatch run.
type RunPhase string

const (
	PhaseIdle      RunPhase = "IDLE"
	PhaseRunning   RunPhase = "RUNNING"
	PhasePaused    RunPhase = "PAUSED"
	PhaseCompleted RunPhase = "COMPLETED"
	PhaseStopped   RunPhase = "STOPPED"
	PhaseError     RunPhase = "ERROR"
)

func (p RunPhase) String() string { return string(p) }

func (p RunPhase) IsValid() bool {
	switch p {
	case PhaseIdle, PhaseRunning, PhasePaused, PhaseCompleted, PhaseStopped, PhaseError:
		return true
	}
	return false
}

// IsActive reports whether a run in this phase still owns the send loop.
func (p RunPhase) IsActive() bool {
	return p == PhaseRunning || p == PhasePaused
}

// IsTerminal reports whether the run has ended.
func (p RunPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseStopped || p == PhaseError
}

func ParseRunPhaseFromString(s string) (RunPhase, error) {
	p := RunPhase(strings.ToUpper(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", fmt.Errorf("%w: invalid run phase %q", ErrValidation, s)
	}
	return p, nil
}

// ConnectivityPhase is the state of the underlying chat session, independent of the run.
type ConnectivityPhase string

const (
	ConnectivityDisconnected ConnectivityPhase = "disconnected"
	ConnectivityAwaitingScan ConnectivityPhase = "awaiting_scan"
	ConnectivityConnected    ConnectivityPhase = "connected"
)

func (c ConnectivityPhase) String() string { return string(c) }

// Activity tells an operator what the loop is doing right now.
type Activity string

const (
	ActivityIdle               Activity = "idle"
	ActivityAwaitingConnection Activity = "awaiting_connection"
	ActivitySending            Activity = "sending"
	ActivityPacing             Activity = "pacing"
	ActivityLongBreak          Activity = "long_break"
	ActivityPaused             Activity = "paused"
)

func (a Activity) String() string { return string(a) }
