// Package llm adapts external model providers to the generation and
// embedding interfaces used by the memory pipeline.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConfigured is returned by the disabled provider.
	ErrNotConfigured = errors.New("llm provider not configured")

	// ErrUnavailable wraps failures after retries are exhausted or while the
	// circuit breaker is open.
	ErrUnavailable = errors.New("llm unavailable")

	// ErrEmptyResponse is returned when a provider answers without text.
	ErrEmptyResponse = errors.New("llm returned an empty response")
)

// Role tags a content block.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Content is one role-tagged block of a multi-turn request.
type Content struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request describes a generation call.
type Request struct {
	System      string
	Contents    []Content
	Model       string
	Temperature float64
	MaxTokens   int

	// JSON asks the provider for a single JSON object.
	JSON bool
}

// Generator produces text from a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Embedder maps text to a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

// Embed calls f.
func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// UserPrompt builds a single-turn request body.
func UserPrompt(text string) []Content {
	return []Content{{Role: RoleUser, Text: text}}
}

// Disabled is the provider used when no model backend is configured.
type Disabled struct{}

// Generate always fails with ErrNotConfigured.
func (Disabled) Generate(context.Context, Request) (string, error) {
	return "", ErrNotConfigured
}

// Embed always fails with ErrNotConfigured.
func (Disabled) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrNotConfigured
}

func validateRequest(req Request) error {
	if len(req.Contents) == 0 {
		return errors.New("request has no contents")
	}
	for i, c := range req.Contents {
		if c.Role != RoleUser && c.Role != RoleModel {
			return fmt.Errorf("content %d: unknown role %q", i, c.Role)
		}
	}
	return nil
}

// jsonInstruction is appended to the system prompt for providers without a
// native JSON mode.
const jsonInstruction = "Respond with a single JSON object and nothing else."

func systemWithJSON(system string, json bool) string {
	if !json {
		return system
	}
	if strings.TrimSpace(system) == "" {
		return jsonInstruction
	}
	return system + "\n\n" + jsonInstruction
}
