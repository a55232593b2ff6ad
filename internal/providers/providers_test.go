package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// --- classify ---

func TestClassify(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name      string
		status    int
		err       error
		transient bool
	}{
		{name: "rate limited", status: 429, err: base, transient: true},
		{name: "server error", status: 503, err: base, transient: true},
		{name: "network", err: fmt.Errorf("dial: %w", timeoutErr{}), transient: true},
		{name: "bad request", status: 400, err: base, transient: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("openai", tt.status, tt.err)
			if IsTransient(got) != tt.transient {
				t.Errorf("IsTransient(%v) = %v, want %v", got, !tt.transient, tt.transient)
			}
			if !errors.Is(got, tt.err) {
				t.Error("classified error should wrap the original")
			}
		})
	}
}

func TestClassify_CancellationPassesThrough(t *testing.T) {
	err := classify("openai", 0, context.Canceled)
	if err != context.Canceled {
		t.Errorf("got %v, want context.Canceled unchanged", err)
	}
	if classify("openai", 500, nil) != nil {
		t.Error("nil stays nil")
	}
}

// --- message building ---

func TestBuildOpenAIMessages(t *testing.T) {
	msgs := buildOpenAIMessages(Request{
		System:  "be brief",
		History: []Turn{{Human: "hi", Assistant: "hello"}, {Human: "lurker note"}},
		Message: "how are you?",
	})
	// system + user + assistant + user (half turn) + user
	if len(msgs) != 5 {
		t.Fatalf("messages = %d, want 5", len(msgs))
	}
	if msgs[0].OfSystem == nil || msgs[2].OfAssistant == nil || msgs[4].OfUser == nil {
		t.Error("unexpected message roles")
	}
}

func TestBuildAnthropicMessages_SkipsHalfTurns(t *testing.T) {
	msgs := buildAnthropicMessages(Request{
		History: []Turn{{Human: "hi", Assistant: "hello"}, {Human: "lurker note"}},
		Message: "how are you?",
	})
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" || msgs[2].Role != "user" {
		t.Errorf("roles = %s %s %s", msgs[0].Role, msgs[1].Role, msgs[2].Role)
	}
}

// --- New ---

func TestNew(t *testing.T) {
	if _, err := New(Options{Provider: "openai"}); err == nil {
		t.Error("missing api key should fail")
	}

	p, err := New(Options{Provider: "Anthropic", APIKey: "k"})
	if err != nil || p.Name() != "anthropic" || p.DefaultModel() != defaultClaudeModel {
		t.Errorf("anthropic provider = %v, %v", p, err)
	}

	p, err = New(Options{Provider: "groq", APIKey: "k", APIBase: "https://api.groq.com/openai/v1", Model: "llama"})
	if err != nil || p.Name() != "groq" || p.DefaultModel() != "llama" {
		t.Errorf("compatible provider = %v, %v", p, err)
	}

	p, err = New(Options{Provider: "deepseek", APIKey: "k"})
	if err != nil || p.DefaultModel() != "deepseek-chat" {
		t.Errorf("known endpoint = %v, %v", p, err)
	}

	if _, err := New(Options{Provider: "homelab", APIKey: "k"}); err == nil {
		t.Error("unknown provider without api_base should fail")
	}
	if _, err := New(Options{Provider: "homelab", APIKey: "k", APIBase: "http://localhost:8000/v1"}); err != nil {
		t.Errorf("unknown provider with api_base: %v", err)
	}
}

func TestKnownProviders(t *testing.T) {
	names := KnownProviders()
	if names[0] != "anthropic" {
		t.Errorf("names = %v, want sorted with anthropic first", names)
	}
}
