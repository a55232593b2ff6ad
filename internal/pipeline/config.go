package pipeline

import (
	"time"

	"github.com/nextlevelbuilder/chatloom/internal/debounce"
	"github.com/nextlevelbuilder/chatloom/internal/delivery"
	"github.com/nextlevelbuilder/chatloom/internal/dispatch"
	"github.com/nextlevelbuilder/chatloom/internal/interrupt"
	"github.com/nextlevelbuilder/chatloom/internal/memory"
)

// GenerationConfig shapes the request sent to the backend.
type GenerationConfig struct {
	SystemPrompt string
	GroupPrompt  string // appended to SystemPrompt for multi-party conversants
	Model        string
	MaxTokens    int
	Temperature  float64
}

// Config gathers the tuning of every stage.
type Config struct {
	Debounce   debounce.Config
	Dispatch   dispatch.Config
	Context    memory.Config
	Interrupt  interrupt.Config
	Delivery   delivery.Config
	Generation GenerationConfig

	StaleAfter time.Duration // idle ceiling for the periodic sweep
	DedupeTTL  time.Duration // transport redelivery window
	DedupeMax  int
}

const defaultGroupPrompt = "You are in a GROUP chat with several participants, not a private conversation.\n" +
	"- The current message starts with a [From: name] tag naming who mentioned you.\n" +
	"- When several people spoke, each line is tagged [name].\n" +
	"- Keep replies short and address people by name when it helps."

// DefaultConfig returns the stock tuning of every stage.
func DefaultConfig() Config {
	return Config{
		Debounce:  debounce.DefaultConfig(),
		Dispatch:  dispatch.DefaultConfig(),
		Context:   memory.DefaultConfig(),
		Interrupt: interrupt.DefaultConfig(),
		Delivery:  delivery.DefaultConfig(),
		Generation: GenerationConfig{
			SystemPrompt: "You are a friendly chat companion. Reply naturally and briefly, the way a person types in a chat.",
			GroupPrompt:  defaultGroupPrompt,
			MaxTokens:    1024,
			Temperature:  0.8,
		},
		StaleAfter: time.Hour,
		DedupeTTL:  20 * time.Minute,
		DedupeMax:  5000,
	}
}
