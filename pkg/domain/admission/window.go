package admission

import "time"

// WindowSnapshot is the persisted form of one identity's rate window.
type WindowSnapshot struct {
	Key        string      `json:"key"`
	Timestamps []time.Time `json:"timestamps"`
	Limit      int         `json:"limit,omitempty"`
	LimitUntil time.Time   `json:"limit_until,omitzero"`
}

// Live returns the number of timestamps after cutoff.
func (s WindowSnapshot) Live(cutoff time.Time) int {
	n := 0
	for _, t := range s.Timestamps {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Tightened reports whether the snapshot carries a stricter limit still in force at now.
func (s WindowSnapshot) Tightened(now time.Time) bool {
	return s.Limit > 0 && now.Before(s.LimitUntil)
}
