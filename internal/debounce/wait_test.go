package debounce

import (
	"math"
	"testing"
	"time"
)

// --- RawWait ---

func TestRawWait_FirstMessage(t *testing.T) {
	cfg := DefaultConfig()
	if got := RawWait(cfg, 1, 0.5); got != 8*time.Second {
		t.Errorf("RawWait(first) = %v, want 8s", got)
	}
}

func TestRawWait_TypingTerm(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name  string
		speed float64
		want  time.Duration
	}{
		{name: "proportional", speed: 0.125, want: 5500 * time.Millisecond},     // 3 + 0.125*20
		{name: "floor", speed: 0.01, want: 3*time.Second + 500*time.Millisecond}, // min typing
		{name: "cap", speed: 1.2, want: 7 * time.Second},                       // 3 + min(24, 4)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RawWait(cfg, 3, tt.speed); got != tt.want {
				t.Errorf("RawWait = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRawWait_NoCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTypingTime = 0
	if got := RawWait(cfg, 2, 1.0); got != 23*time.Second {
		t.Errorf("RawWait = %v, want 23s", got)
	}
}

// --- FlowRate ---

func TestFlowRate_QuadraticRamp(t *testing.T) {
	cfg := DefaultConfig()
	raw := 5 * time.Second // accel window = 10s

	tests := []struct {
		since time.Duration
		want  float64
	}{
		{0, 1.0},
		{5 * time.Second, 1.125},
		{10 * time.Second, 1.5},
		{time.Hour, 1.5},
	}
	for _, tt := range tests {
		if got := FlowRate(cfg, raw, tt.since); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("FlowRate(since=%v) = %v, want %v", tt.since, got, tt.want)
		}
	}
}

func TestFlowRate_Monotonic(t *testing.T) {
	cfg := DefaultConfig()
	prev := 0.0
	for s := 0; s <= 20; s++ {
		rate := FlowRate(cfg, 4*time.Second, time.Duration(s)*time.Second)
		if rate < prev {
			t.Fatalf("flow rate decreased at %ds: %v < %v", s, rate, prev)
		}
		prev = rate
	}
}

func TestEffectiveWait(t *testing.T) {
	if got := EffectiveWait(6*time.Second, 1.5); got != 4*time.Second {
		t.Errorf("EffectiveWait = %v, want 4s", got)
	}
	if got := EffectiveWait(6*time.Second, 0); got != 6*time.Second {
		t.Errorf("zero rate should leave the wait unchanged, got %v", got)
	}
}

// --- typing speed ---

func TestBlendSpeed(t *testing.T) {
	cfg := DefaultConfig()

	got, ok := blendSpeed(cfg, 0, false, 5*time.Second, 10)
	if !ok || math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("first sample = %v, %v; want 0.5", got, ok)
	}

	got, ok = blendSpeed(cfg, 0.5, true, 10*time.Second, 10)
	if !ok || math.Abs(got-0.7) > 1e-9 {
		t.Errorf("blended = %v, want 0.4*1.0 + 0.6*0.5 = 0.7", got)
	}

	if _, ok := blendSpeed(cfg, 0.5, true, 0, 10); ok {
		t.Error("zero gap is not a usable sample")
	}
	if _, ok := blendSpeed(cfg, 0.5, true, time.Second, 0); ok {
		t.Error("empty text is not a usable sample")
	}
}
