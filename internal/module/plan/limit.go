package plan

import (
	"encoding/json"
	"fmt"
)

// legacyUnlimitedSentinel is the magic value older records used for "no limit".
// It must never be compared against outside this file; NormalizeLimit converts
// it (and the newer -1 convention) to the tagged Unlimited value on every read.
const legacyUnlimitedSentinel = 999999

// Limit is a resource ceiling that is either bounded or unlimited.
// The zero value is Bounded(0).
type Limit struct {
	unlimited bool
	n         int64
}

// Bounded returns a bounded limit of n.
func Bounded(n int64) Limit {
	return Limit{n: n}
}

// Unlimited returns the unbounded limit.
func Unlimited() Limit {
	return Limit{unlimited: true}
}

// NormalizeLimit converts a persisted integer limit into a Limit, folding both
// the legacy 999999 sentinel and the -1 convention into Unlimited.
func NormalizeLimit(n int64) Limit {
	if n < 0 || n >= legacyUnlimitedSentinel {
		return Unlimited()
	}
	return Bounded(n)
}

// IsUnlimited reports whether the limit is unbounded.
func (l Limit) IsUnlimited() bool {
	return l.unlimited
}

// Value returns the bounded value. It is only meaningful when IsUnlimited is false.
func (l Limit) Value() int64 {
	return l.n
}

// Allows reports whether a usage count of used is still within the limit.
func (l Limit) Allows(used int64) bool {
	return l.unlimited || used < l.n
}

// String implements fmt.Stringer.
func (l Limit) String() string {
	if l.unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", l.n)
}

// MarshalJSON renders either the integer or the string "unlimited".
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.unlimited {
		return json.Marshal("unlimited")
	}
	return json.Marshal(l.n)
}

// UnmarshalJSON accepts an integer or the string "unlimited". Integer values
// pass through NormalizeLimit so sentinel-laden payloads stay normalized.
func (l *Limit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "unlimited" {
			return fmt.Errorf("invalid limit string %q", s)
		}
		*l = Unlimited()
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid limit: %w", err)
	}
	*l = NormalizeLimit(n)
	return nil
}
