package retry

import "time"

// State of one circuit.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// circuit tracks consecutive failures for one failure domain.
type circuit struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
	cooldown            time.Duration
	probeIssued         bool
}

// CircuitSnapshot is the externally visible circuit state.
type CircuitSnapshot struct {
	Domain              string    `json:"domain"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	OpenedAt            time.Time `json:"openedAt,omitzero"`
}

// allow reports whether an attempt may proceed. While open it admits
// nothing until the cooldown elapses, then exactly one probe.
func (c *circuit) allow(now time.Time) bool {
	switch c.state {
	case StateOpen:
		if now.Sub(c.openedAt) < c.cooldown {
			return false
		}
		c.state = StateHalfOpen
		c.probeIssued = true
		return true
	case StateHalfOpen:
		if c.probeIssued {
			return false
		}
		c.probeIssued = true
		return true
	default:
		return true
	}
}

// recordSuccess closes the circuit and resets the failure run.
func (c *circuit) recordSuccess(baseCooldown time.Duration) (closedNow bool) {
	closedNow = c.state != StateClosed
	c.state = StateClosed
	c.consecutiveFailures = 0
	c.cooldown = baseCooldown
	c.probeIssued = false
	return closedNow
}

// recordFailure counts one failure; a failed probe reopens with a grown
// cooldown, and a run past the threshold opens a closed circuit.
func (c *circuit) recordFailure(now time.Time, threshold int, maxCooldown time.Duration) (openedNow bool) {
	c.consecutiveFailures++
	switch c.state {
	case StateHalfOpen:
		c.cooldown = c.cooldown * 2
		if c.cooldown > maxCooldown {
			c.cooldown = maxCooldown
		}
		c.state = StateOpen
		c.openedAt = now
		c.probeIssued = false
		return true
	case StateClosed:
		if c.consecutiveFailures >= threshold {
			c.state = StateOpen
			c.openedAt = now
			c.probeIssued = false
			return true
		}
	}
	return false
}
