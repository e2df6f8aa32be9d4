package domain

import (
	"errors"
	"testing"
)

func TestParseRunPhaseFromString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    RunPhase
		wantErr bool
	}{
		{name: "valid uppercase", input: "RUNNING", want: PhaseRunning},
		{name: "valid lowercase with spaces", input: " stopped ", want: PhaseStopped},
		{name: "invalid", input: "connecting", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseRunPhaseFromString(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("ParseRunPhaseFromString() error = %v, want ErrValidation", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("ParseRunPhaseFromString() unexpected error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("ParseRunPhaseFromString() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRunPhaseClassification(t *testing.T) {
	t.Parallel()

	active := []RunPhase{PhaseRunning, PhasePaused}
	for _, p := range active {
		if !p.IsActive() || p.IsTerminal() {
			t.Fatalf("%s should be active and not terminal", p)
		}
	}

	terminal := []RunPhase{PhaseCompleted, PhaseStopped, PhaseError}
	for _, p := range terminal {
		if p.IsActive() || !p.IsTerminal() {
			t.Fatalf("%s should be terminal and not active", p)
		}
	}

	if PhaseIdle.IsActive() || PhaseIdle.IsTerminal() {
		t.Fatal("idle should be neither active nor terminal")
	}
}

func TestNormalizeRecipient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{input: "+911111111111", want: "911111111111"},
		{input: "+91 (222) 222-2222", want: "912222222222"},
		{input: "  ", want: ""},
		{input: "abc", want: ""},
	}

	for _, tt := range tests {
		if got := NormalizeRecipient(tt.input); got != tt.want {
			t.Fatalf("NormalizeRecipient(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRunConfigValidate(t *testing.T) {
	t.Parallel()

	valid := RunConfig{Contacts: []string{"+911111111111"}, Message: "hello"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	noContacts := RunConfig{Message: "hello"}
	if err := noContacts.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() error = %v, want ErrValidation", err)
	}

	blankMessage := RunConfig{Contacts: []string{"1"}, Message: "   "}
	if err := blankMessage.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() error = %v, want ErrValidation", err)
	}
}

func TestRunConfigCloneIsIndependent(t *testing.T) {
	t.Parallel()

	original := RunConfig{Contacts: []string{"a", "b"}, Message: "m", AttachmentPath: " img.png "}
	clone := original.Clone()
	original.Contacts[0] = "mutated"

	if clone.Contacts[0] != "a" {
		t.Fatalf("clone contact = %q, want a", clone.Contacts[0])
	}
	if clone.AttachmentPath != "img.png" {
		t.Fatalf("clone attachment = %q, want img.png", clone.AttachmentPath)
	}
}
