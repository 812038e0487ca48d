package provider

import (
	"fmt"
	"reflect"
	"time"
)

const (
	DefaultMaxTokens = 512
	DefaultTimeout   = 30 * time.Second
)

// Keys shared by every backend parameter set.
const (
	ParamPrompt      = "prompt"
	ParamTemperature = "temperature"
	ParamTimeout     = "timeout"

	universalMaxTokens = "max_tokens"
)

// Params is the backend-specific keyword set derived from a ChatRequest.
type Params map[string]any

// Pop removes key and returns its value.
func (p Params) Pop(key string) (any, bool) {
	v, ok := p[key]
	if ok {
		delete(p, key)
	}
	return v, ok
}

func (p Params) PopString(key string) string {
	v, _ := p.Pop(key)
	s, _ := v.(string)
	return s
}

// PopDuration accepts time.Duration or a number of seconds, as JSON clients send it.
func (p Params) PopDuration(key string, fallback time.Duration) time.Duration {
	v, ok := p.Pop(key)
	if !ok {
		return fallback
	}
	switch d := v.(type) {
	case time.Duration:
		if d > 0 {
			return d
		}
	case int:
		if d > 0 {
			return time.Duration(d) * time.Second
		}
	case float64:
		if d > 0 {
			return time.Duration(d * float64(time.Second))
		}
	}
	return fallback
}

func (p Params) PopInt(key string, fallback int) int {
	v, ok := p.Pop(key)
	if !ok {
		return fallback
	}
	if n, ok := toInt(v); ok {
		return n
	}
	return fallback
}

func (p Params) PopFloat(key string, fallback float64) float64 {
	v, ok := p.Pop(key)
	if !ok {
		return fallback
	}
	switch f := v.(type) {
	case float64:
		return f
	case float32:
		return float64(f)
	case int:
		return float64(f)
	}
	return fallback
}

func (p Params) PopBool(key string) bool {
	v, _ := p.Pop(key)
	b, _ := v.(bool)
	return b
}

// PopStrings accepts []string, a JSON-decoded []any of strings or a single string.
func (p Params) PopStrings(key string) []string {
	v, _ := p.Pop(key)
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		return []string{s}
	}
	return nil
}

func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

// FieldMap names the backend fields universal request fields are mapped to.
type FieldMap struct {
	MaxTokens string
}

// Renderer turns template inputs into the outbound prompt text.
type Renderer interface {
	Render(inputs map[string]any) (string, error)
}

// Normalizer converts a ChatRequest into backend-specific Params. It performs no I/O.
type Normalizer struct {
	Provider         string
	Fields           FieldMap
	DefaultMaxTokens int
	Renderer         Renderer
	// Defaults are backend params applied to every request before ProviderParams.
	Defaults Params
}

func (n Normalizer) Normalize(req *ChatRequest) (Params, error) {
	maxTokens := n.DefaultMaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if req.MaxTokens != nil {
		if *req.MaxTokens <= 0 {
			return nil, &ValidationError{
				Provider: n.Provider,
				Field:    "max_tokens",
				Value:    *req.MaxTokens,
				Message:  "a positive integer",
			}
		}
		maxTokens = *req.MaxTokens
	}

	prompt := req.Prompt
	if n.Renderer == nil && req.Context != "" {
		prompt = req.Context + "\n\n" + req.Prompt
	}
	if n.Renderer != nil {
		rendered, err := n.Renderer.Render(map[string]any{
			"context": req.Context,
			"query":   req.Prompt,
		})
		if err != nil {
			return nil, fmt.Errorf("render prompt: %w", err)
		}
		prompt = rendered
	}

	maxKey := n.Fields.MaxTokens
	if maxKey == "" {
		maxKey = universalMaxTokens
	}

	params := Params{
		ParamPrompt:      prompt,
		maxKey:           maxTokens,
		ParamTemperature: req.Temperature,
	}
	if req.Timeout > 0 {
		params[ParamTimeout] = req.Timeout
	}

	for k, v := range n.Defaults {
		params[k] = v
	}
	for k, v := range req.ProviderParams {
		if unset(v) {
			continue
		}
		if k == maxKey || k == universalMaxTokens {
			override, ok := toInt(v)
			if !ok || override <= 0 {
				return nil, &ValidationError{
					Provider: n.Provider,
					Field:    k,
					Value:    v,
					Message:  "a positive integer",
				}
			}
			// The backend field name wins when both are given.
			if k != maxKey {
				if explicit, ok := req.ProviderParams[maxKey]; ok && !unset(explicit) {
					continue
				}
				k = maxKey
			}
			v = override
		}
		params[k] = v
	}

	return params, nil
}

// unset treats untyped and typed nils alike, e.g. a nil *int from a decoded request.
func unset(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
