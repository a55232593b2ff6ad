package config

import "strings"

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Web      WebConfig      `json:"web"`
}

type TelegramConfig struct {
	Enabled     bool                `json:"enabled"`
	Token       string              `json:"token"`
	Proxy       string              `json:"proxy,omitempty"`
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
	DMPolicy    string              `json:"dm_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	GroupPolicy string              `json:"group_policy,omitempty"` // "open" (default), "allowlist", "disabled"
}

type DiscordConfig struct {
	Enabled     bool                `json:"enabled"`
	Token       string              `json:"token"`
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
	DMPolicy    string              `json:"dm_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	GroupPolicy string              `json:"group_policy,omitempty"` // "open" (default), "allowlist", "disabled"
}

// WebConfig configures the websocket chat endpoint.
type WebConfig struct {
	Enabled        bool                `json:"enabled"`
	Listen         string              `json:"listen,omitempty"`          // default "127.0.0.1:18790"
	Path           string              `json:"path,omitempty"`            // default "/ws"
	AllowedOrigins []string            `json:"allowed_origins,omitempty"` // empty = allow all
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
}

// ProvidersConfig maps provider name to its config.
type ProvidersConfig struct {
	Default    string         `json:"default"` // provider used for generation
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Groq       ProviderConfig `json:"groq"`
	Gemini     ProviderConfig `json:"gemini"`
	DeepSeek   ProviderConfig `json:"deepseek"`
	Mistral    ProviderConfig `json:"mistral"`
	XAI        ProviderConfig `json:"xai"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// Get returns the section of a provider by name. Unknown names yield a zero value.
func (p ProvidersConfig) Get(name string) ProviderConfig {
	switch strings.ToLower(name) {
	case "anthropic", "claude":
		return p.Anthropic
	case "openai":
		return p.OpenAI
	case "openrouter":
		return p.OpenRouter
	case "groq":
		return p.Groq
	case "gemini":
		return p.Gemini
	case "deepseek":
		return p.DeepSeek
	case "mistral":
		return p.Mistral
	case "xai":
		return p.XAI
	}
	return ProviderConfig{}
}

// HasAnyProvider returns true if at least one provider has an API key configured.
func (c *Config) HasAnyProvider() bool {
	p := c.Providers
	return p.Anthropic.APIKey != "" ||
		p.OpenAI.APIKey != "" ||
		p.OpenRouter.APIKey != "" ||
		p.Groq.APIKey != "" ||
		p.Gemini.APIKey != "" ||
		p.DeepSeek.APIKey != "" ||
		p.Mistral.APIKey != "" ||
		p.XAI.APIKey != ""
}
