// Package llm generates summaries, questions and answers from blog
// content through a text-generation provider, and produces embedding
// vectors for similarity search. The concrete provider speaks the
// Gemini HTTP API; everything above it works against the Provider
// interface so tests can substitute a fake.
package llm

import (
	"context"
	"fmt"
)

// LLM error kinds, carried in the error text as "llm_error.<kind>".
const (
	KindHTTP          = "http"
	KindBlocked       = "blocked"
	KindEmptyResponse = "empty_response"
	KindParse         = "parse"
	KindNoQuestions   = "no_questions"
)

// Error is a typed LLM failure.
type Error struct {
	Kind   string
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("llm_error.%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("llm_error.%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// GenerateRequest is a single text-generation call.
type GenerateRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int

	// Grounding asks the provider to enable its web-search tool. Only
	// honored by models that support it; the service checks capability
	// before setting this.
	Grounding bool
}

// GenerateResult carries the model output and how generation ended.
type GenerateResult struct {
	Text         string
	FinishReason string
}

// Provider is a text-generation and embedding backend.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
	Embed(ctx context.Context, model, text string) ([]float64, error)
}
