package providers

import (
	"fmt"
	"sort"
	"strings"
)

// Options selects and configures a backend.
type Options struct {
	Provider string // "openai", "anthropic", or any OpenAI-compatible name
	APIKey   string
	APIBase  string
	Model    string
}

type endpoint struct {
	base  string
	model string
}

// compatibleEndpoints are OpenAI-compatible services usable by name alone.
var compatibleEndpoints = map[string]endpoint{
	"openai":     {"", "gpt-4o-mini"},
	"openrouter": {"https://openrouter.ai/api/v1", "anthropic/claude-sonnet-4-5-20250929"},
	"groq":       {"https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"},
	"deepseek":   {"https://api.deepseek.com/v1", "deepseek-chat"},
	"gemini":     {"https://generativelanguage.googleapis.com/v1beta/openai", "gemini-2.0-flash"},
	"mistral":    {"https://api.mistral.ai/v1", "mistral-large-latest"},
	"xai":        {"https://api.x.ai/v1", "grok-3-mini"},
}

// KnownProviders lists provider names that need only an API key.
func KnownProviders() []string {
	names := []string{"anthropic"}
	for name := range compatibleEndpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the backend named by opts.Provider. Names other than "anthropic"
// are treated as OpenAI-compatible endpoints.
func New(opts Options) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Provider))
	if opts.APIKey == "" {
		return nil, fmt.Errorf("provider %q: api key is not set", name)
	}
	switch name {
	case "anthropic", "claude":
		return NewAnthropicProvider(opts.APIKey,
			WithAnthropicModel(opts.Model),
			WithAnthropicBaseURL(opts.APIBase),
		), nil
	case "":
		return nil, fmt.Errorf("provider name is empty")
	}

	base, model := opts.APIBase, opts.Model
	if ep, ok := compatibleEndpoints[name]; ok {
		if base == "" {
			base = ep.base
		}
		if model == "" {
			model = ep.model
		}
	} else if base == "" {
		return nil, fmt.Errorf("provider %q: api_base is required for unknown providers", name)
	}
	return NewOpenAIProvider(name, opts.APIKey, base, model), nil
}
