package recommend

import (
	"strconv"
	"strings"
)

const (
	// DefaultLimit is used when a query asks for a non-positive or
	// unparseable number of results.
	DefaultLimit = 5

	// MaxLimit bounds the number of results per query.
	MaxLimit = 100
)

// Limits holds the result-count bounds of a service.
type Limits struct {
	Default int
	Max     int
}

// DefaultLimits returns the built-in bounds.
func DefaultLimits() Limits {
	return Limits{Default: DefaultLimit, Max: MaxLimit}
}

// Normalize maps n into [1, Max]; non-positive values become Default.
func (l Limits) Normalize(n int) int {
	def, max := l.Default, l.Max
	if def < 1 {
		def = DefaultLimit
	}
	if max < def {
		max = def
	}
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Parse reads a limit from a query string value and normalizes it.
func (l Limits) Parse(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return l.Normalize(0)
	}
	return l.Normalize(n)
}

// NormalizeLimit normalizes n with the default bounds.
func NormalizeLimit(n int) int { return DefaultLimits().Normalize(n) }

// ParseLimit parses raw with the default bounds.
func ParseLimit(raw string) int { return DefaultLimits().Parse(raw) }
