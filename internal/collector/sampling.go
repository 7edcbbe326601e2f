package collector

// samplingCache holds the decision for the most recent session. Establishing
// a decision for a new session evicts the previous one.
type samplingCache struct {
	sessionID string
	sampled   bool
	valid     bool
}

// decide returns whether CWV samples for sessionID are kept. Without a
// session every call draws afresh.
func (c *samplingCache) decide(sessionID string, rate float64, draw func() float64) bool {
	if sessionID == "" {
		return draw() < rate
	}
	if c.valid && c.sessionID == sessionID {
		return c.sampled
	}
	c.sessionID = sessionID
	c.sampled = draw() < rate
	c.valid = true
	return c.sampled
}
