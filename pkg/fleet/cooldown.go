package fleet

import (
	"sync"
	"time"

	"fleetrouter/internal/clock"
)

// pairKey identifies a (server, model) pair for ban/cooldown tracking.
type pairKey struct {
	Server string
	Model  string
}

// CooldownTracker tracks short per-(server, model) skip windows applied
// after a failure, and administrative bans, both distinct from the circuit
// breaker. Admin-facing "list bans" / "list cooldowns" accessors exist for
// operator visibility alongside the mutating ban/unban operations.
type CooldownTracker struct {
	mu        sync.Mutex
	clock     clock.Clock
	cooldowns map[pairKey]time.Time // server,model -> expiry
	bans      map[pairKey]struct{}
}

// NewCooldownTracker creates a tracker using c for time (nil uses the real
// clock).
func NewCooldownTracker(c clock.Clock) *CooldownTracker {
	if c == nil {
		c = clock.Real{}
	}
	return &CooldownTracker{
		clock:     c,
		cooldowns: make(map[pairKey]time.Time),
		bans:      make(map[pairKey]struct{}),
	}
}

// StartCooldown begins a cooldown window for (server, model) lasting dur.
func (c *CooldownTracker) StartCooldown(server, model string, dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldowns[pairKey{server, model}] = c.clock.Now().Add(dur)
}

// InCooldown reports whether (server, model) is currently cooling down, and
// the remaining duration if so.
func (c *CooldownTracker) InCooldown(server, model string) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.cooldowns[pairKey{server, model}]
	if !ok {
		return false, 0
	}
	now := c.clock.Now()
	if now.After(expiry) {
		delete(c.cooldowns, pairKey{server, model})
		return false, 0
	}
	return true, expiry.Sub(now)
}

// Ban marks (server, model) as administratively banned until Unban is
// called.
func (c *CooldownTracker) Ban(server, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bans[pairKey{server, model}] = struct{}{}
}

// Unban clears an administrative ban.
func (c *CooldownTracker) Unban(server, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bans, pairKey{server, model})
}

// IsBanned reports whether (server, model) is currently banned.
func (c *CooldownTracker) IsBanned(server, model string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.bans[pairKey{server, model}]
	return ok
}

// BannedPairs lists every currently banned (server, model) pair, for
// operator visibility.
func (c *CooldownTracker) BannedPairs() []struct{ Server, Model string } {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]struct{ Server, Model string }, 0, len(c.bans))
	for k := range c.bans {
		out = append(out, struct{ Server, Model string }{k.Server, k.Model})
	}
	return out
}

// CooldownPairs lists every (server, model) pair currently cooling down,
// along with the remaining duration.
func (c *CooldownTracker) CooldownPairs() []struct {
	Server, Model string
	Remaining     time.Duration
} {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	out := make([]struct {
		Server, Model string
		Remaining     time.Duration
	}, 0, len(c.cooldowns))
	for k, expiry := range c.cooldowns {
		if now.After(expiry) {
			continue
		}
		out = append(out, struct {
			Server, Model string
			Remaining     time.Duration
		}{k.Server, k.Model, expiry.Sub(now)})
	}
	return out
}

// Remove clears all cooldown/ban state for a server, used when the server is
// removed from the fleet.
func (c *CooldownTracker) Remove(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.cooldowns {
		if k.Server == server {
			delete(c.cooldowns, k)
		}
	}
	for k := range c.bans {
		if k.Server == server {
			delete(c.bans, k)
		}
	}
}
