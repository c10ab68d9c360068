package scheduler

import (
	"math"
	"time"
)

type backoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Jitter     float64
	Max        time.Duration
}

func defaultBackoff() backoffConfig {
	return backoffConfig{
		Initial:    30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
		Max:        900 * time.Second,
	}
}

// nextDelay computes the cooldown before retry number attempt (0-based).
// rng must be uniform in [0,1); passing it in keeps the math testable.
func (cfg backoffConfig) nextDelay(attempt int, rng float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(cfg.Initial)
	if base <= 0 {
		base = float64(30 * time.Second)
	}
	multiplier := cfg.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	delay := base * math.Pow(multiplier, float64(attempt))
	if cfg.Jitter > 0 {
		j := cfg.Jitter
		if j > 1 {
			j = 1
		}
		delay = delay * (1 + (rng*2-1)*j)
	}
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	return time.Duration(delay)
}
