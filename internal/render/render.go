// Package render turns a run's message template into the text sent to one
// recipient.
//
// Templates use text/template actions over Recipient ({{.Number}},
// {{.Index}}, {{.Total}}); after execution every {a|b|c} group is replaced by
// one of its options.
package render

import (
	"bytes"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"text/template"

	"github.com/kursadbilgin/bulk-dispatcher/internal/domain"
)

var spinGroup = regexp.MustCompile(`\{([^{}]*\|[^{}]*)\}`)

// Recipient is the data a template is executed against. Index is 1-based.
type Recipient struct {
	Number string
	Index  int
	Total  int
}

type Renderer interface {
	Validate(tmpl string) error
	Render(tmpl string, recipient Recipient) (string, error)
}

var _ Renderer = (*TemplateRenderer)(nil)

type TemplateRenderer struct {
	randIntn func(int) int

	mu     sync.Mutex
	parsed map[string]*template.Template
}

func NewTemplateRenderer() *TemplateRenderer {
	return NewTemplateRendererWithRand(rand.Intn)
}

func NewTemplateRendererWithRand(randIntn func(int) int) *TemplateRenderer {
	if randIntn == nil {
		randIntn = rand.Intn
	}
	return &TemplateRenderer{
		randIntn: randIntn,
		parsed:   make(map[string]*template.Template),
	}
}

func (r *TemplateRenderer) Validate(tmpl string) error {
	_, err := r.parse(tmpl)
	return err
}

func (r *TemplateRenderer) Render(tmpl string, recipient Recipient) (string, error) {
	parsed, err := r.parse(tmpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := parsed.Execute(&buf, recipient); err != nil {
		return "", fmt.Errorf("failed to render message: %w", err)
	}

	return r.spin(buf.String()), nil
}

func (r *TemplateRenderer) parse(tmpl string) (*template.Template, error) {
	if strings.TrimSpace(tmpl) == "" {
		return nil, fmt.Errorf("%w: message template is required", domain.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if parsed, ok := r.parsed[tmpl]; ok {
		return parsed, nil
	}

	parsed, err := template.New("message").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid message template: %v", domain.ErrValidation, err)
	}
	r.parsed[tmpl] = parsed
	return parsed, nil
}

func (r *TemplateRenderer) spin(text string) string {
	return spinGroup.ReplaceAllStringFunc(text, func(group string) string {
		options := strings.Split(group[1:len(group)-1], "|")
		r.mu.Lock()
		choice := r.randIntn(len(options))
		r.mu.Unlock()
		return options[choice]
	})
}
