// Package timeutil provides timestamp parsing and duration handling shared
// by protocol drivers and the configuration layer.
//
// Telemetry feeds report instants in wildly different shapes: RFC3339
// strings, epoch seconds, epoch milliseconds or nanoseconds, sometimes all
// of those as strings. ParseTime normalizes every shape to a time.Time.
// Duration makes time.Duration usable in YAML configs, accepting both Go
// duration strings ("250ms", "1h") and bare numbers of seconds.
//
// Zero Value Semantics:
//   - ParseTime reports ok=false for inputs carrying no usable instant
//     (nil, empty string, zero or negative epoch values)
//   - Format renders the zero time as ""
package timeutil

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Magnitude cutoffs for reading bare epoch numbers. A value above each
// cutoff is read in the finer unit: 1e11 seconds is already year 5138, so
// any plausible second count falls below it, and the same reasoning repeats
// up the ladder for milliseconds and microseconds.
const (
	msCutoff = 1e11
	usCutoff = 1e14
	nsCutoff = 1e17
)

// ParseTime converts the timestamp shapes telemetry feeds actually send
// into a time.Time.
//
// Supports:
//   - numeric types: epoch offset, unit inferred from magnitude
//     (seconds, milliseconds, microseconds, nanoseconds)
//   - string: RFC3339 (with or without fractional seconds), then numeric
//     epoch with the same magnitude inference
//   - time.Time and *time.Time passed through
//
// The second return value reports whether a usable instant was found.
func ParseTime(input any) (time.Time, bool) {
	switch v := input.(type) {
	case nil:
		return time.Time{}, false

	case time.Time:
		if v.IsZero() {
			return time.Time{}, false
		}
		return v, true

	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return ParseTime(*v)

	case int:
		return fromEpochInt(int64(v))
	case int32:
		return fromEpochInt(int64(v))
	case int64:
		return fromEpochInt(v)
	case uint64:
		return fromEpochInt(int64(v))
	case float32:
		return fromEpoch(float64(v))
	case float64:
		return fromEpoch(v)

	case string:
		if v == "" {
			return time.Time{}, false
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t, true
		}
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return fromEpochInt(i)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return fromEpoch(f)
		}
		return time.Time{}, false

	default:
		return time.Time{}, false
	}
}

// fromEpochInt reads an integral epoch offset without the precision loss a
// float64 round-trip would inflict on nanosecond-scale values.
func fromEpochInt(v int64) (time.Time, bool) {
	if v <= 0 {
		return time.Time{}, false
	}
	switch {
	case v >= nsCutoff:
		return time.Unix(0, v), true
	case v >= usCutoff:
		return time.UnixMicro(v), true
	case v >= msCutoff:
		return time.UnixMilli(v), true
	default:
		return time.Unix(v, 0), true
	}
}

func fromEpoch(v float64) (time.Time, bool) {
	if v <= 0 {
		return time.Time{}, false
	}
	switch {
	case v >= nsCutoff:
		return time.Unix(0, int64(v)), true
	case v >= usCutoff:
		return time.UnixMicro(int64(v)), true
	case v >= msCutoff:
		return time.UnixMilli(int64(v)), true
	default:
		sec := int64(v)
		frac := v - float64(sec)
		return time.Unix(sec, int64(frac*1e9)), true
	}
}

// Format renders t as RFC3339 UTC for display. Returns "" when t is unset.
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Duration is a time.Duration that unmarshals from YAML as either a Go
// duration string ("250ms", "1h") or a bare number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value %v: want a duration string or seconds", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
