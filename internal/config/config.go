package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatloom/internal/debounce"
	"github.com/nextlevelbuilder/chatloom/internal/delivery"
	"github.com/nextlevelbuilder/chatloom/internal/dispatch"
	"github.com/nextlevelbuilder/chatloom/internal/interrupt"
	"github.com/nextlevelbuilder/chatloom/internal/memory"
	"github.com/nextlevelbuilder/chatloom/internal/pipeline"
	"github.com/nextlevelbuilder/chatloom/internal/providers"
	"github.com/nextlevelbuilder/chatloom/internal/store"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the chatloom gateway.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Channels   ChannelsConfig   `json:"channels"`
	Providers  ProvidersConfig  `json:"providers"`
	Generation GenerationConfig `json:"generation"`
	Intake     IntakeConfig     `json:"intake"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Sessions   SessionsConfig   `json:"sessions"`
	Database   DatabaseConfig   `json:"database"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	mu         sync.RWMutex
}

// GatewayConfig controls process-wide intake.
type GatewayConfig struct {
	InboundBuffer int `json:"inbound_buffer,omitempty"` // message bus capacity (default 256)
	RateLimitRPM  int `json:"rate_limit_rpm,omitempty"` // per-sender inbound messages per minute (0 = disabled)
}

// GenerationConfig shapes every backend request.
type GenerationConfig struct {
	SystemPrompt string  `json:"system_prompt,omitempty"`
	GroupPrompt  string  `json:"group_prompt,omitempty"`
	Model        string  `json:"model,omitempty"` // empty = provider default
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// IntakeConfig holds the scheduler tuning. Durations are in seconds.
type IntakeConfig struct {
	Debounce     DebounceConfig  `json:"debounce"`
	Dispatch     DispatchConfig  `json:"dispatch"`
	Context      ContextConfig   `json:"context"`
	Interrupt    InterruptConfig `json:"interrupt"`
	Sweep        SweepConfig     `json:"sweep"`
	DedupeTTLMin int             `json:"dedupe_ttl_min,omitempty"` // redelivery window (default 20)
	DedupeMax    int             `json:"dedupe_max,omitempty"`     // tracked message ids (default 5000)
}

type DebounceConfig struct {
	BaseWaitSec            float64 `json:"base_wait_sec"`
	FirstMessageExtraSec   float64 `json:"first_message_extra_sec"`
	MinTypingSec           float64 `json:"min_typing_sec"`
	MaxTypingSec           float64 `json:"max_typing_sec"` // 0 disables the cap
	AssumedCharCount       int     `json:"assumed_char_count"`
	NewConversantSpeed     float64 `json:"new_conversant_speed"`
	KnownConversantSpeed   float64 `json:"known_conversant_speed"`
	SpeedBlendNew          float64 `json:"speed_blend_new"`
	SpeedMin               float64 `json:"speed_min"`
	SpeedMax               float64 `json:"speed_max"`
	AccelerationFactor     float64 `json:"acceleration_factor"`
	BaseFlowRate           float64 `json:"base_flow_rate"`
	MaxFlowRate            float64 `json:"max_flow_rate"`
	DuplicateWindowSec     float64 `json:"duplicate_window_sec"`
	DuplicateRescheduleSec float64 `json:"duplicate_reschedule_sec"`
	Separator              string  `json:"separator"`
}

type DispatchConfig struct {
	CollectDelaySec float64 `json:"collect_delay_sec"`
	SpacingSec      float64 `json:"spacing_sec"`
}

type ContextConfig struct {
	MaxTurns              int     `json:"max_turns"`
	RecentLimit           int     `json:"recent_limit"`
	SemanticTopK          int     `json:"semantic_top_k"`
	WeightThreshold       float64 `json:"weight_threshold"`
	MinTimeWeight         float64 `json:"min_time_weight"`
	DayWeight             float64 `json:"day_weight"`
	FirstBreakpointHours  float64 `json:"first_breakpoint_hours"`
	SecondBreakpointHours float64 `json:"second_breakpoint_hours"`
	SemanticTimeShare     float64 `json:"semantic_time_share"`
	MinSideRunes          int     `json:"min_side_runes"`
	MaxSideRunes          int     `json:"max_side_runes"`
	LongTurnQuality       float64 `json:"long_turn_quality"`
	LengthQualityPerRune  float64 `json:"length_quality_per_rune"`
	LengthQualityCap      float64 `json:"length_quality_cap"`
	NameBonus             float64 `json:"name_bonus"`
	QuestionBonus         float64 `json:"question_bonus"`
	SearchWindow          int     `json:"search_window,omitempty"` // rows scanned per similarity search
}

type InterruptConfig struct {
	Separator       string `json:"separator"`
	FallbackMessage string `json:"fallback_message"`
}

type SweepConfig struct {
	Schedule      string  `json:"schedule"`        // cron expression
	StaleAfterSec float64 `json:"stale_after_sec"` // idle ceiling for sessions, tasks and conversants
}

// DeliveryConfig controls reply pacing.
type DeliveryConfig struct {
	MaxPartWidth   int     `json:"max_part_width"`   // display columns, 0 = unlimited
	PartIntervalMs int     `json:"part_interval_ms"` // pause between parts of one reply
	RatePerSec     float64 `json:"rate_per_sec"`     // per-conversant send rate, 0 = unlimited
	Burst          int     `json:"burst"`
}

// SessionsConfig configures the conversant registry snapshot.
type SessionsConfig struct {
	Storage string `json:"storage"` // directory for conversants.json, empty = memory only
}

// DatabaseConfig configures conversation memory storage.
// PostgresDSN is NEVER read from config.json (secret), only from env CHATLOOM_POSTGRES_DSN.
type DatabaseConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default), "postgres" or "memory"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
	AutoMigrate bool   `json:"auto_migrate"`
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection (set true for local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "chatloom")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

func secs(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

func (d DebounceConfig) ToDebounceConfig() debounce.Config {
	return debounce.Config{
		BaseWait:             secs(d.BaseWaitSec),
		FirstMessageExtra:    secs(d.FirstMessageExtraSec),
		MinTypingTime:        secs(d.MinTypingSec),
		MaxTypingTime:        secs(d.MaxTypingSec),
		AssumedCharCount:     d.AssumedCharCount,
		NewConversantSpeed:   d.NewConversantSpeed,
		KnownConversantSpeed: d.KnownConversantSpeed,
		SpeedBlendNew:        d.SpeedBlendNew,
		SpeedMin:             d.SpeedMin,
		SpeedMax:             d.SpeedMax,
		AccelerationFactor:   d.AccelerationFactor,
		BaseFlowRate:         d.BaseFlowRate,
		MaxFlowRate:          d.MaxFlowRate,
		DuplicateWindow:      secs(d.DuplicateWindowSec),
		DuplicateReschedule:  secs(d.DuplicateRescheduleSec),
		Separator:            d.Separator,
	}
}

func (d DispatchConfig) ToDispatchConfig() dispatch.Config {
	return dispatch.Config{CollectDelay: secs(d.CollectDelaySec), Spacing: secs(d.SpacingSec)}
}

func (c ContextConfig) ToMemoryConfig() memory.Config {
	return memory.Config{
		MaxTurns:          c.MaxTurns,
		RecentLimit:       c.RecentLimit,
		SemanticTopK:      c.SemanticTopK,
		WeightThreshold:   c.WeightThreshold,
		MinTimeWeight:     c.MinTimeWeight,
		DayWeight:         c.DayWeight,
		FirstBreakpoint:   time.Duration(c.FirstBreakpointHours * float64(time.Hour)),
		SecondBreakpoint:  time.Duration(c.SecondBreakpointHours * float64(time.Hour)),
		SemanticTimeShare: c.SemanticTimeShare,
		MinSideRunes:      c.MinSideRunes,
		MaxSideRunes:      c.MaxSideRunes,
		LongTurnQuality:   c.LongTurnQuality,
		QualityPerRune:    c.LengthQualityPerRune,
		QualityCap:        c.LengthQualityCap,
		NameBonus:         c.NameBonus,
		QuestionBonus:     c.QuestionBonus,
	}
}

func (d DeliveryConfig) ToDeliveryConfig() delivery.Config {
	return delivery.Config{
		MaxPartWidth: d.MaxPartWidth,
		PartInterval: time.Duration(d.PartIntervalMs) * time.Millisecond,
		RatePerSec:   d.RatePerSec,
		Burst:        d.Burst,
	}
}

// ToPipelineConfig converts every scheduler section.
func (c *Config) ToPipelineConfig() pipeline.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	in := c.Intake
	return pipeline.Config{
		Debounce:  in.Debounce.ToDebounceConfig(),
		Dispatch:  in.Dispatch.ToDispatchConfig(),
		Context:   in.Context.ToMemoryConfig(),
		Interrupt: interrupt.Config{Separator: in.Interrupt.Separator, FallbackMessage: in.Interrupt.FallbackMessage},
		Delivery:  c.Delivery.ToDeliveryConfig(),
		Generation: pipeline.GenerationConfig{
			SystemPrompt: c.Generation.SystemPrompt,
			GroupPrompt:  c.Generation.GroupPrompt,
			Model:        c.Generation.Model,
			MaxTokens:    c.Generation.MaxTokens,
			Temperature:  c.Generation.Temperature,
		},
		StaleAfter: secs(in.Sweep.StaleAfterSec),
		DedupeTTL:  time.Duration(in.DedupeTTLMin) * time.Minute,
		DedupeMax:  in.DedupeMax,
	}
}

// ToStoreConfig converts the database section.
func (c *Config) ToStoreConfig() store.StoreConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return store.StoreConfig{
		Driver:       c.Database.Driver,
		SQLitePath:   ExpandHome(c.Database.SQLitePath),
		PostgresDSN:  c.Database.PostgresDSN,
		AutoMigrate:  c.Database.AutoMigrate,
		SearchWindow: c.Intake.Context.SearchWindow,
	}
}

// ToProviderOptions resolves the default provider section.
func (c *Config) ToProviderOptions() providers.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name := c.Providers.Default
	p := c.Providers.Get(name)
	model := c.Generation.Model
	if model == "" {
		model = p.Model
	}
	return providers.Options{Provider: name, APIKey: p.APIKey, APIBase: p.APIBase, Model: model}
}

// SweepSchedule returns the cron expression of the periodic sweep.
func (c *Config) SweepSchedule() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Intake.Sweep.Schedule
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Generation = src.Generation
	c.Intake = src.Intake
	c.Delivery = src.Delivery
	c.Sessions = src.Sessions
	c.Database = src.Database
	c.Telemetry = src.Telemetry
}
