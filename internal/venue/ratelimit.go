// ratelimit.go implements REST pacing against the venue weight budget.
//
// Two mechanisms stack:
//
//   - A token-bucket pacer smooths request issue below the configured rate,
//     so routine traffic never consumes the 1-minute weight allowance.
//
//   - A process-wide backoff gate armed by 429/418 responses. The gate is a
//     monotonic high-watermark deadline: writers only ever extend it, so
//     last-writer-wins is safe, and every snapshot attempt in the process
//     checks it before issuing HTTP.
package venue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate combines the request pacer with the global rate-limit backoff.
type Gate struct {
	pacer *rate.Limiter

	mu           sync.Mutex
	backoffUntil time.Time
}

// NewGate creates a gate issuing perSec requests with the given burst.
func NewGate(perSec float64, burst int) *Gate {
	if perSec <= 0 {
		perSec = 5
	}
	if burst <= 0 {
		burst = 1
	}
	return &Gate{pacer: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Wait blocks until the pacer grants a slot or ctx is cancelled.
func (g *Gate) Wait(ctx context.Context) error {
	return g.pacer.Wait(ctx)
}

// Arm extends the global backoff to the given deadline. Earlier deadlines
// never shorten an armed gate.
func (g *Gate) Arm(until time.Time) {
	g.mu.Lock()
	if until.After(g.backoffUntil) {
		g.backoffUntil = until
	}
	g.mu.Unlock()
}

// Remaining returns how long the global backoff still holds at now,
// or zero when the gate is open.
func (g *Gate) Remaining(now time.Time) time.Duration {
	g.mu.Lock()
	until := g.backoffUntil
	g.mu.Unlock()
	if remaining := until.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}
