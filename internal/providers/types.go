package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Provider is the interface all generation backends implement.
// Generate must return promptly once ctx is cancelled; the text produced so far,
// if any, is returned alongside the cancellation error.
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// Turn is one prior exchange included as context.
type Turn struct {
	Human     string `json:"human"`
	Assistant string `json:"assistant"`
}

// Request contains the input for one generation call.
type Request struct {
	System      string  `json:"system,omitempty"`
	History     []Turn  `json:"history,omitempty"`
	Message     string  `json:"message"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Response is the result of a generation call.
type Response struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// TransientError marks a backend failure that is network- or capacity-like.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient generation error: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classify wraps err as transient when status or transport says so.
// Cancellation and deadline errors pass through unchanged.
func classify(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if status == 429 || status >= 500 || errors.As(err, &netErr) {
		return &TransientError{Provider: provider, Err: err}
	}
	return fmt.Errorf("%s: %w", provider, err)
}
