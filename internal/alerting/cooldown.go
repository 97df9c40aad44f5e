package alerting

import (
	"sync"
	"time"

	"crypto-price-alerts/internal/asset"
)

// Cooldown rate-limits notifications per symbol. Checks for one symbol are
// serialised; different symbols only share the brief map lookup.
type Cooldown struct {
	window time.Duration

	mu    sync.Mutex
	gates map[asset.Symbol]*gate
}

type gate struct {
	mu       sync.Mutex
	notified bool
	last     time.Time
}

// NewCooldown builds a gate that admits one notification per symbol per window.
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{window: window, gates: make(map[asset.Symbol]*gate)}
}

func (c *Cooldown) gateFor(symbol asset.Symbol) *gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gates[symbol]
	if !ok {
		g = &gate{}
		c.gates[symbol] = g
	}
	return g
}

// Allow reports whether a notification for symbol may be sent at now and, if
// so, records now as the last notification time.
func (c *Cooldown) Allow(symbol asset.Symbol, now time.Time) bool {
	g := c.gateFor(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.notified && now.Sub(g.last) < c.window {
		return false
	}
	g.notified = true
	g.last = now
	return true
}

// Last returns the last recorded notification time for symbol.
func (c *Cooldown) Last(symbol asset.Symbol) (time.Time, bool) {
	g := c.gateFor(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last, g.notified
}
