package catalog

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces out requests to the catalog API so that bulk indexing does not
// hammer it. A throttling response pauses every caller until the hinted time.
type Pacer struct {
	limiter *rate.Limiter

	mu          sync.Mutex
	pausedUntil time.Time
}

// PacingConfig configures the pacer
type PacingConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// NewPacer creates a new pacer
func NewPacer(config PacingConfig) *Pacer {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 8
	}
	if config.Burst <= 0 {
		config.Burst = 16
	}
	return &Pacer{
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
	}
}

// Wait blocks until a request may be issued or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	until := p.pausedUntil
	p.mu.Unlock()

	if d := time.Until(until); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return p.limiter.Wait(ctx)
}

// Pause holds back all requests for d. Overlapping pauses keep the later end.
func (p *Pacer) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)

	p.mu.Lock()
	if until.After(p.pausedUntil) {
		p.pausedUntil = until
	}
	p.mu.Unlock()
}
