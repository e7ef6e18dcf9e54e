package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timeframe is the fixed duration of a candle bucket.
type Timeframe time.Duration

// Common timeframes
const (
	Timeframe1m  = Timeframe(1 * time.Minute)
	Timeframe5m  = Timeframe(5 * time.Minute)
	Timeframe15m = Timeframe(15 * time.Minute)
	Timeframe1h  = Timeframe(1 * time.Hour)
	Timeframe4h  = Timeframe(4 * time.Hour)
	Timeframe1d  = Timeframe(24 * time.Hour)
)

// Duration returns the timeframe as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf)
}

// Millis returns the timeframe length in milliseconds.
func (tf Timeframe) Millis() int64 {
	return int64(time.Duration(tf) / time.Millisecond)
}

// Bucket returns the timeframe-aligned floor of a Unix-millisecond timestamp.
func (tf Timeframe) Bucket(tsMs int64) int64 {
	ms := tf.Millis()
	return tsMs - tsMs%ms
}

// String returns a compact representation, e.g. "1m0s" -> "1m".
func (tf Timeframe) String() string {
	d := time.Duration(tf)
	switch {
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return d.String()
	}
}

// ParseTimeframe parses a duration string ("1m", "1h", "1d") into a
// Timeframe. The "d" suffix is supported on top of Go duration syntax.
func ParseTimeframe(s string) (Timeframe, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("parse timeframe %q: invalid day count", s)
		}
		return Timeframe(time.Duration(n) * 24 * time.Hour), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse timeframe %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeframe must be positive, got %v", d)
	}
	return Timeframe(d), nil
}
