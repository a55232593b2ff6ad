package debounce

import "time"

// RawWait is the unaccelerated quiet period for a session holding count messages.
//
//	count == 1: BaseWait + FirstMessageExtra
//	otherwise:  BaseWait + clamp(speed × AssumedCharCount, MinTypingTime, MaxTypingTime)
func RawWait(cfg Config, count int, speed float64) time.Duration {
	if count <= 1 {
		return cfg.BaseWait + cfg.FirstMessageExtra
	}
	typing := time.Duration(speed * float64(cfg.AssumedCharCount) * float64(time.Second))
	if typing < cfg.MinTypingTime {
		typing = cfg.MinTypingTime
	}
	if cfg.MaxTypingTime > 0 && typing > cfg.MaxTypingTime {
		typing = cfg.MaxTypingTime
	}
	return cfg.BaseWait + typing
}

// FlowRate grows quadratically from BaseFlowRate to MaxFlowRate as the time since
// the last delivered reply approaches rawWait × AccelerationFactor.
func FlowRate(cfg Config, rawWait, sinceReply time.Duration) float64 {
	accel := rawWait.Seconds() * cfg.AccelerationFactor
	normalized := 1.0
	if accel > 0 {
		normalized = clamp(sinceReply.Seconds()/accel, 0, 1)
	}
	return cfg.BaseFlowRate + (cfg.MaxFlowRate-cfg.BaseFlowRate)*normalized*normalized
}

// EffectiveWait divides rawWait by the flow rate.
func EffectiveWait(rawWait time.Duration, rate float64) time.Duration {
	if rate <= 0 {
		return rawWait
	}
	return time.Duration(float64(rawWait) / rate)
}

// blendSpeed turns the gap between two messages into a seconds-per-character sample
// and blends it with the prior estimate. ok is false when the sample is unusable.
func blendSpeed(cfg Config, prior float64, hasPrior bool, gap time.Duration, chars int) (float64, bool) {
	if gap <= 0 || chars <= 0 {
		return 0, false
	}
	sample := gap.Seconds() / float64(chars)
	if !hasPrior {
		return sample, true
	}
	return cfg.SpeedBlendNew*sample + (1-cfg.SpeedBlendNew)*prior, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
