package quality

// Controller commits tier changes with asymmetric hysteresis. It holds no
// lock; the Monitor serializes access.
type Controller struct {
	current Tier
	pending Tier
	streak  int

	downgradeTicks int
	upgradeTicks   int
}

// NewController starts at initial with the given hysteresis counts.
func NewController(initial Tier, downgradeTicks, upgradeTicks int) *Controller {
	if downgradeTicks < 1 {
		downgradeTicks = 1
	}
	if upgradeTicks < 1 {
		upgradeTicks = 1
	}
	return &Controller{
		current:        initial,
		pending:        initial,
		downgradeTicks: downgradeTicks,
		upgradeTicks:   upgradeTicks,
	}
}

func (c *Controller) Current() Tier { return c.current }

// Observe feeds one tick's raw tier. It returns the committed tier and
// whether this tick changed it.
//
// Consecutive ticks count towards the same direction even if the raw tier
// differs between them; the latest raw tier is the one committed. A tick
// at the current tier, or in the opposite direction, restarts the count.
func (c *Controller) Observe(raw Tier) (Tier, bool) {
	switch {
	case raw == c.current:
		c.streak = 0
		c.pending = raw
		return c.current, false

	case raw < c.current:
		if c.streak > 0 && c.pending < c.current {
			c.streak++
		} else {
			c.streak = 1
		}
		c.pending = raw
		if c.streak >= c.downgradeTicks {
			return c.commit(), true
		}

	default:
		if c.streak > 0 && c.pending > c.current {
			c.streak++
		} else {
			c.streak = 1
		}
		c.pending = raw
		if c.streak >= c.upgradeTicks {
			return c.commit(), true
		}
	}
	return c.current, false
}

func (c *Controller) commit() Tier {
	c.current = c.pending
	c.streak = 0
	return c.current
}

// Reset forces the committed tier, clearing any streak.
func (c *Controller) Reset(t Tier) {
	c.current, c.pending, c.streak = t, t, 0
}
