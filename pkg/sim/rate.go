// Rate, span, and range parsing for workload settings
// Parses "20/s" cadences, "1s-2s" duration spans, and "200-5000" integer ranges
package sim

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Rate represents cycles per time period.
type Rate struct {
	count  int
	period time.Duration
}

// ParseRate creates a Rate from a string like "20/s", "5/m", "100/h".
func ParseRate(s string) (Rate, error) {
	if s == "" {
		return Rate{}, fmt.Errorf("rate cannot be empty")
	}

	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return Rate{}, fmt.Errorf("invalid rate format (expected 'N/unit')")
	}

	count, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Rate{}, fmt.Errorf("invalid rate count: %w", err)
	}
	if count <= 0 {
		return Rate{}, fmt.Errorf("rate count must be positive")
	}
	if count > 1000 {
		return Rate{}, fmt.Errorf("rate count cannot exceed 1000")
	}

	period, err := parseRatePeriod(strings.TrimSpace(parts[1]))
	if err != nil {
		return Rate{}, err
	}

	return Rate{count: count, period: period}, nil
}

func parseRatePeriod(unit string) (time.Duration, error) {
	switch strings.ToLower(unit) {
	case "s", "sec", "second", "seconds":
		return time.Second, nil
	case "m", "min", "minute", "minutes":
		return time.Minute, nil
	case "h", "hour", "hours":
		return time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported rate unit '%s', supported units: s, m, h", unit)
	}
}

// Count returns the number of cycles.
func (r Rate) Count() int {
	return r.count
}

// Period returns the time period.
func (r Rate) Period() time.Duration {
	return r.period
}

// Interval returns the pause between consecutive cycles.
func (r Rate) Interval() time.Duration {
	return r.period / time.Duration(r.count)
}

// ParseSpan parses a duration span like "1s-2s". A single duration gives a
// span of zero width.
func ParseSpan(s string) (time.Duration, time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("span cannot be empty")
	}
	lo, hi, found := strings.Cut(s, "-")
	if !found {
		hi = lo
	}
	minD, err := time.ParseDuration(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid span start: %w", err)
	}
	maxD, err := time.ParseDuration(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid span end: %w", err)
	}
	if minD < 0 || maxD < minD {
		return 0, 0, fmt.Errorf("span %q must be non-negative and ascending", s)
	}
	return minD, maxD, nil
}

// IntRange is an inclusive integer range.
type IntRange struct {
	Min int
	Max int
}

// ParseIntRange parses "200-5000" or a single integer.
func ParseIntRange(s string) (IntRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return IntRange{}, fmt.Errorf("range cannot be empty")
	}
	lo, hi, found := strings.Cut(s, "-")
	if !found {
		hi = lo
	}
	minV, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return IntRange{}, fmt.Errorf("invalid range start: %w", err)
	}
	maxV, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return IntRange{}, fmt.Errorf("invalid range end: %w", err)
	}
	if maxV < minV {
		return IntRange{}, fmt.Errorf("range %q is descending", s)
	}
	return IntRange{Min: minV, Max: maxV}, nil
}

// String returns the range in workload-file form.
func (r IntRange) String() string {
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}
