package lifecycle

import (
	"sync/atomic"
	"time"
)

var shuttingDown atomic.Bool

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health reports shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// Status is the health state reported to load balancers.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusDegraded     Status = "degraded"
	StatusOverloaded   Status = "overloaded"
	StatusShuttingDown Status = "shutting-down"
)

// Rates exposes the sliding-window counts health is derived from.
type Rates interface {
	UpstreamErrorRate(window time.Duration) (errors, total int)
	DenialRate(window time.Duration) (denied, total int)
}

// HealthConfig sets the thresholds. Percentages are 1-100.
type HealthConfig struct {
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	// MinSamples is the smallest window population a threshold is judged on.
	MinSamples int
}

// Evaluate derives the current status. Shutting down wins over overloaded, which wins over
// degraded. Degraded still serves traffic: resolves fall back to predictions when providers fail.
func Evaluate(cfg HealthConfig, r Rates) Status {
	if IsShuttingDown() {
		return StatusShuttingDown
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if denied, total := r.DenialRate(cfg.OverloadWindow); exceeds(denied, total, cfg.OverloadThresholdPct, cfg.MinSamples) {
		return StatusOverloaded
	}
	if errs, total := r.UpstreamErrorRate(cfg.DegradedWindow); exceeds(errs, total, cfg.DegradedErrorPct, cfg.MinSamples) {
		return StatusDegraded
	}
	return StatusHealthy
}

func exceeds(n, total, pct, minSamples int) bool {
	if pct <= 0 || total < minSamples {
		return false
	}
	return n*100 >= pct*total
}
