package ratelimit

import (
	"golang.org/x/time/rate"

	"github.com/aussielabs/aussie/config"
)

// SpikeArrest is the instance-wide request ceiling applied before any
// per-key bucket. It protects the gateway itself, not a backend, so it
// is a plain leaky limiter with no per-client state.
type SpikeArrest struct {
	lim *rate.Limiter
}

// NewSpikeArrest returns nil when disabled; callers treat nil as
// pass-through.
func NewSpikeArrest(cfg config.SpikeArrestConfig) *SpikeArrest {
	if !cfg.Enabled || cfg.Rate <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.Rate)
		if burst < 1 {
			burst = 1
		}
	}
	return &SpikeArrest{lim: rate.NewLimiter(rate.Limit(cfg.Rate), burst)}
}

// Allow reports whether one more request fits under the ceiling.
func (s *SpikeArrest) Allow() bool {
	if s == nil {
		return true
	}
	return s.lim.Allow()
}
