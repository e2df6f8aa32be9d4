package render

import (
	"errors"
	"testing"

	"github.com/kursadbilgin/bulk-dispatcher/internal/domain"
)

func TestTemplateRendererRender(t *testing.T) {
	t.Parallel()

	recipient := Recipient{Number: "919876543210", Index: 2, Total: 5}

	tests := []struct {
		name     string
		tmpl     string
		pick     int
		expected string
	}{
		{name: "plain text", tmpl: "Hello there", expected: "Hello there"},
		{name: "recipient fields", tmpl: "Hi {{.Number}} ({{.Index}}/{{.Total}})", expected: "Hi 919876543210 (2/5)"},
		{name: "spin first option", tmpl: "{Hi|Hello} friend", pick: 0, expected: "Hi friend"},
		{name: "spin last option", tmpl: "{Hi|Hello|Hey} friend", pick: 2, expected: "Hey friend"},
		{name: "spin with empty option", tmpl: "Thanks{!|}", pick: 1, expected: "Thanks"},
		{name: "braces without pipe kept", tmpl: "price {total}", expected: "price {total}"},
		{name: "template and spin", tmpl: "{Hi|Hello} {{.Number}}", pick: 1, expected: "Hello 919876543210"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pick := tt.pick
			renderer := NewTemplateRendererWithRand(func(n int) int {
				if pick >= n {
					t.Fatalf("pick %d out of range %d", pick, n)
				}
				return pick
			})

			got, err := renderer.Render(tt.tmpl, recipient)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if got != tt.expected {
				t.Fatalf("Render() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestTemplateRendererValidate(t *testing.T) {
	t.Parallel()

	renderer := NewTemplateRenderer()

	tests := []struct {
		name    string
		tmpl    string
		wantErr bool
	}{
		{name: "valid", tmpl: "Hello {{.Number}}"},
		{name: "empty", tmpl: "   ", wantErr: true},
		{name: "unterminated action", tmpl: "Hello {{.Number", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := renderer.Validate(tt.tmpl)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestTemplateRendererUnknownFieldFails(t *testing.T) {
	t.Parallel()

	renderer := NewTemplateRenderer()
	if _, err := renderer.Render("Hi {{.Name}}", Recipient{Number: "1"}); err == nil {
		t.Fatal("expected error for unknown field")
	}
}
