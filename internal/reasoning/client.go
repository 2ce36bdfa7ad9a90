// Package reasoning is the boundary to the external reasoning service.
//
// Everything the service returns is untrusted text: responses are
// extracted and validated on every call, malformed output surfaces as
// a typed error, and transient failures are retried with exponential
// back-off. Callers depend on the narrow Client interface so tests can
// inject a deterministic fake.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Sentinel errors.
var (
	// ErrMalformed marks output that could not be parsed into the
	// requested shape. Retryable.
	ErrMalformed = errors.New("malformed reasoning output")

	// ErrExhausted marks a call that failed every retry attempt.
	ErrExhausted = errors.New("reasoning retries exhausted")
)

// Request is one generation call.
type Request struct {
	// System is the system prompt selecting register and constraints.
	System string

	// Prompt is the user-turn content.
	Prompt string

	// Temperature overrides the client default when > 0.
	Temperature float64

	// MaxTokens overrides the client default when > 0.
	MaxTokens int
}

// Client generates text or schema-shaped JSON from the reasoning
// service.
type Client interface {
	// Generate returns the raw text response.
	Generate(ctx context.Context, req Request) (string, error)

	// GenerateJSON parses the response into out, returning an error
	// wrapping ErrMalformed when the output does not decode.
	GenerateJSON(ctx context.Context, req Request, out any) error
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")

// DecodeJSON extracts a JSON object from raw reasoning output and
// unmarshals it into out.
//
// The service is asked for bare JSON but routinely wraps it in
// markdown fences or prose; fences are stripped first and a brace-
// delimited object is salvaged as a last resort.
func DecodeJSON(raw string, out any) error {
	clean := strings.TrimSpace(raw)
	if m := fenceRe.FindStringSubmatch(clean); m != nil {
		clean = strings.TrimSpace(m[1])
	}

	if err := json.Unmarshal([]byte(clean), out); err == nil {
		return nil
	}

	// Salvage the outermost object from surrounding prose.
	start := strings.Index(clean, "{")
	end := strings.LastIndex(clean, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(clean[start:end+1]), out); err == nil {
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrMalformed, snippet(clean, 160))
}

func snippet(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "…"
	}
	return s
}
