package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/chatloom/internal/pipeline"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	p := pipeline.DefaultConfig()
	d, m := p.Debounce, p.Context
	return &Config{
		Gateway: GatewayConfig{
			InboundBuffer: 256,
			RateLimitRPM:  30,
		},
		Channels: ChannelsConfig{
			Web: WebConfig{Listen: "127.0.0.1:18790", Path: "/ws"},
		},
		Providers: ProvidersConfig{Default: "openai"},
		Generation: GenerationConfig{
			SystemPrompt: p.Generation.SystemPrompt,
			GroupPrompt:  p.Generation.GroupPrompt,
			MaxTokens:    p.Generation.MaxTokens,
			Temperature:  p.Generation.Temperature,
		},
		Intake: IntakeConfig{
			Debounce: DebounceConfig{
				BaseWaitSec:            d.BaseWait.Seconds(),
				FirstMessageExtraSec:   d.FirstMessageExtra.Seconds(),
				MinTypingSec:           d.MinTypingTime.Seconds(),
				MaxTypingSec:           d.MaxTypingTime.Seconds(),
				AssumedCharCount:       d.AssumedCharCount,
				NewConversantSpeed:     d.NewConversantSpeed,
				KnownConversantSpeed:   d.KnownConversantSpeed,
				SpeedBlendNew:          d.SpeedBlendNew,
				SpeedMin:               d.SpeedMin,
				SpeedMax:               d.SpeedMax,
				AccelerationFactor:     d.AccelerationFactor,
				BaseFlowRate:           d.BaseFlowRate,
				MaxFlowRate:            d.MaxFlowRate,
				DuplicateWindowSec:     d.DuplicateWindow.Seconds(),
				DuplicateRescheduleSec: d.DuplicateReschedule.Seconds(),
				Separator:              d.Separator,
			},
			Dispatch: DispatchConfig{
				CollectDelaySec: p.Dispatch.CollectDelay.Seconds(),
				SpacingSec:      p.Dispatch.Spacing.Seconds(),
			},
			Context: ContextConfig{
				MaxTurns:              m.MaxTurns,
				RecentLimit:           m.RecentLimit,
				SemanticTopK:          m.SemanticTopK,
				WeightThreshold:       m.WeightThreshold,
				MinTimeWeight:         m.MinTimeWeight,
				DayWeight:             m.DayWeight,
				FirstBreakpointHours:  m.FirstBreakpoint.Hours(),
				SecondBreakpointHours: m.SecondBreakpoint.Hours(),
				SemanticTimeShare:     m.SemanticTimeShare,
				MinSideRunes:          m.MinSideRunes,
				MaxSideRunes:          m.MaxSideRunes,
				LongTurnQuality:       m.LongTurnQuality,
				LengthQualityPerRune:  m.QualityPerRune,
				LengthQualityCap:      m.QualityCap,
				NameBonus:             m.NameBonus,
				QuestionBonus:         m.QuestionBonus,
				SearchWindow:          500,
			},
			Interrupt: InterruptConfig{
				Separator:       p.Interrupt.Separator,
				FallbackMessage: p.Interrupt.FallbackMessage,
			},
			Sweep: SweepConfig{
				Schedule:      "*/5 * * * *",
				StaleAfterSec: p.StaleAfter.Seconds(),
			},
			DedupeTTLMin: int(p.DedupeTTL / time.Minute),
			DedupeMax:    p.DedupeMax,
		},
		Delivery: DeliveryConfig{
			MaxPartWidth:   p.Delivery.MaxPartWidth,
			PartIntervalMs: int(p.Delivery.PartInterval / time.Millisecond),
			RatePerSec:     p.Delivery.RatePerSec,
			Burst:          p.Delivery.Burst,
		},
		Sessions: SessionsConfig{
			Storage: "~/.chatloom/sessions",
		},
		Database: DatabaseConfig{
			Driver:      "sqlite",
			SQLitePath:  "~/.chatloom/memory.db",
			AutoMigrate: true,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CHATLOOM_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("CHATLOOM_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("CHATLOOM_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("CHATLOOM_GROQ_API_KEY", &c.Providers.Groq.APIKey)
	envStr("CHATLOOM_DEEPSEEK_API_KEY", &c.Providers.DeepSeek.APIKey)
	envStr("CHATLOOM_GEMINI_API_KEY", &c.Providers.Gemini.APIKey)
	envStr("CHATLOOM_MISTRAL_API_KEY", &c.Providers.Mistral.APIKey)
	envStr("CHATLOOM_XAI_API_KEY", &c.Providers.XAI.APIKey)
	envStr("CHATLOOM_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("CHATLOOM_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("CHATLOOM_PROVIDER", &c.Providers.Default)
	envStr("CHATLOOM_MODEL", &c.Generation.Model)
	envStr("CHATLOOM_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("CHATLOOM_WEB_LISTEN", &c.Channels.Web.Listen)

	// Database
	envStr("CHATLOOM_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CHATLOOM_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("CHATLOOM_DB_DRIVER", &c.Database.Driver)
	if v := os.Getenv("CHATLOOM_AUTO_MIGRATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Database.AutoMigrate = b
		}
	}

	// Telemetry
	envStr("CHATLOOM_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CHATLOOM_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CHATLOOM_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CHATLOOM_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CHATLOOM_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Validate reports settings that would make the gateway misbehave.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	in := c.Intake
	if in.Debounce.BaseWaitSec < 0 || in.Debounce.MinTypingSec < 0 {
		problems = append(problems, "intake.debounce: waits must not be negative")
	}
	if in.Debounce.SpeedMin > in.Debounce.SpeedMax {
		problems = append(problems, "intake.debounce: speed_min exceeds speed_max")
	}
	if in.Debounce.BaseFlowRate > in.Debounce.MaxFlowRate {
		problems = append(problems, "intake.debounce: base_flow_rate exceeds max_flow_rate")
	}
	if in.Context.MaxTurns < 0 || in.Context.RecentLimit < 0 || in.Context.SemanticTopK < 0 {
		problems = append(problems, "intake.context: limits must not be negative")
	}
	if in.Context.FirstBreakpointHours > in.Context.SecondBreakpointHours {
		problems = append(problems, "intake.context: first_breakpoint_hours exceeds second_breakpoint_hours")
	}
	if in.Sweep.StaleAfterSec <= 0 {
		problems = append(problems, "intake.sweep: stale_after_sec must be positive")
	}
	if c.Delivery.RatePerSec < 0 || c.Delivery.Burst < 0 {
		problems = append(problems, "delivery: rate_per_sec and burst must not be negative")
	}
	switch c.Database.Driver {
	case "", "sqlite", "postgres", "memory":
	default:
		problems = append(problems, fmt.Sprintf("database: unknown driver %q", c.Database.Driver))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// SessionsPath returns the expanded registry directory.
func (c *Config) SessionsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.Storage)
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by the doctor command when printing the effective config.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Providers.OpenRouter.APIKey)
	maskNonEmpty(&cp.Providers.Groq.APIKey)
	maskNonEmpty(&cp.Providers.DeepSeek.APIKey)
	maskNonEmpty(&cp.Providers.Gemini.APIKey)
	maskNonEmpty(&cp.Providers.Mistral.APIKey)
	maskNonEmpty(&cp.Providers.XAI.APIKey)

	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)

	for k := range cp.Telemetry.Headers {
		cp.Telemetry.Headers[k] = secretMask
	}
	return cp
}

// StripSecrets clears every credential so the config can be written to disk.
// Secrets live in the environment (see .env.local).
func (c *Config) StripSecrets() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range []*ProviderConfig{
		&c.Providers.Anthropic, &c.Providers.OpenAI, &c.Providers.OpenRouter, &c.Providers.Groq,
		&c.Providers.Gemini, &c.Providers.DeepSeek, &c.Providers.Mistral, &c.Providers.XAI,
	} {
		p.APIKey = ""
	}
	c.Channels.Telegram.Token = ""
	c.Channels.Discord.Token = ""
	c.Database.PostgresDSN = ""
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
