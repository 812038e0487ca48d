// Package prompt renders prompt templates for the normalizer and the ensemble dispatcher.
package prompt

import (
	"fmt"

	"github.com/tmc/langchaingo/prompts"
)

const (
	// ChatTemplateText prefixes the optional context to the query.
	ChatTemplateText = "{{if .context}}{{.context}}\n\n{{end}}{{.query}}"
	// QueryTemplateText passes the query through untouched.
	QueryTemplateText = "{{.query}}"
)

// Template is a pure renderer over a Go text/template.
type Template struct {
	tmpl prompts.PromptTemplate
}

func NewTemplate(text string, inputVars ...string) *Template {
	return &Template{tmpl: prompts.NewPromptTemplate(text, inputVars)}
}

// ChatTemplate builds the outbound prompt from "context" and "query".
func ChatTemplate() *Template {
	return NewTemplate(ChatTemplateText, "context", "query")
}

func QueryTemplate() *Template {
	return NewTemplate(QueryTemplateText, "query")
}

func (t *Template) Render(inputs map[string]any) (string, error) {
	out, err := t.tmpl.Format(inputs)
	if err != nil {
		return "", fmt.Errorf("failed to render prompt template: %w", err)
	}
	return out, nil
}
