// Package analysis turns vision-provider output into a short textual description
// of an image and decides how an image is handed to the provider.
package analysis

import (
	"context"
	"fmt"
	"strings"
)

// Concept is a labeled classification tag returned by the vision provider.
type Concept struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Model      string  `json:"model"`
}

// Result is the normalized outcome of one analysis call. It is never persisted.
type Result struct {
	Description   string    `json:"description,omitempty"`
	Concepts      []Concept `json:"concepts"`
	UsingFallback bool      `json:"usingFallback"`
	Error         string    `json:"error,omitempty"`
}

// Fallback builds the degraded result returned whenever the provider could not
// produce a usable answer.
func Fallback(format string, args ...any) *Result {
	return &Result{
		Concepts:      []Concept{},
		UsingFallback: true,
		Error:         fmt.Sprintf(format, args...),
	}
}

// Described reports whether r carries a genuine, non-empty description.
func (r *Result) Described() bool {
	return r != nil && !r.UsingFallback && strings.TrimSpace(r.Description) != ""
}

// degraded is true for results that should be retried with raw bytes.
func (r *Result) degraded() bool {
	return r == nil || r.UsingFallback || strings.TrimSpace(r.Description) == ""
}

// Input carries the image to analyze. Bytes take precedence over URL.
type Input struct {
	Bytes []byte
	URL   string
}

// HasBytes reports whether raw image content is available.
func (in Input) HasBytes() bool { return len(in.Bytes) > 0 }

// HasURL reports whether a fetchable image URL is available.
func (in Input) HasURL() bool { return in.URL != "" }

// Provider is an external vision service.
//
// Implementations should convert their own failures into Fallback results;
// a non-nil error is treated as the provider having raised.
type Provider interface {
	Available() bool
	Analyze(ctx context.Context, in Input) (*Result, error)
}
