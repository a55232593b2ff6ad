// Package debounce batches rapid messages per conversant and flushes them as one
// merged message once an adaptive quiet period has elapsed.
package debounce

import "time"

// Config holds the wait-time tuning. Zero values are not meaningful; start from DefaultConfig.
type Config struct {
	BaseWait          time.Duration // constant part of every wait
	FirstMessageExtra time.Duration // replaces the typing term for the first message of a session
	MinTypingTime     time.Duration
	MaxTypingTime     time.Duration // 0 disables the cap
	AssumedCharCount  int

	NewConversantSpeed   float64 // seconds per character, never seen before
	KnownConversantSpeed float64 // seconds per character, seen but no usable sample
	SpeedBlendNew        float64 // weight of a fresh sample against the prior estimate
	SpeedMin             float64
	SpeedMax             float64

	AccelerationFactor float64
	BaseFlowRate       float64
	MaxFlowRate        float64

	DuplicateWindow     time.Duration
	DuplicateReschedule time.Duration
	Separator           string
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		BaseWait:             3 * time.Second,
		FirstMessageExtra:    5 * time.Second,
		MinTypingTime:        500 * time.Millisecond,
		MaxTypingTime:        4 * time.Second,
		AssumedCharCount:     20,
		NewConversantSpeed:   0.2,
		KnownConversantSpeed: 0.15,
		SpeedBlendNew:        0.4,
		SpeedMin:             0.2,
		SpeedMax:             1.2,
		AccelerationFactor:   2.0,
		BaseFlowRate:         1.0,
		MaxFlowRate:          1.5,
		DuplicateWindow:      3 * time.Second,
		DuplicateReschedule:  time.Second,
		Separator:            "\n",
	}
}
