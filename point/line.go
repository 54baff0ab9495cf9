package point

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// AppendLine appends the line-protocol encoding of p to dst:
//
//	measurement,tag=value field=value[,field=value] [ns-timestamp]
//
// Tags are written sorted by key. A zero timestamp is omitted so the backend
// assigns receipt time. Field values may be numeric, boolean, or string;
// anything else (or a non-finite float) is an error.
func AppendLine(dst []byte, p Point) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return dst, err
	}

	dst = appendEscaped(dst, p.Measurement, escapeMeasurement)

	if len(p.Tags) > 0 {
		keys := make([]string, 0, len(p.Tags))
		for k := range p.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			dst = append(dst, ',')
			dst = appendEscaped(dst, k, escapeKey)
			dst = append(dst, '=')
			dst = appendEscaped(dst, p.Tags[k], escapeKey)
		}
	}

	dst = append(dst, ' ')

	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = appendEscaped(dst, k, escapeKey)
		dst = append(dst, '=')
		var err error
		dst, err = appendFieldValue(dst, p.Fields[k])
		if err != nil {
			return dst, fmt.Errorf("point %q, field %q: %w", p.Measurement, k, err)
		}
	}

	if !p.Timestamp.IsZero() {
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, p.Timestamp.UnixNano(), 10)
	}

	return dst, nil
}

// EncodeLines encodes points as newline-separated line protocol, the write
// body format of the InfluxDB v2 API.
func EncodeLines(points []Point) ([]byte, error) {
	var buf []byte
	for i := range points {
		var err error
		buf, err = AppendLine(buf, points[i])
		if err != nil {
			return nil, err
		}
		buf = append(buf, '\n')
	}
	return buf, nil
}

// EncodeLinesLenient encodes like EncodeLines but skips points that fail to
// encode instead of failing the batch, so one malformed point cannot hold a
// bucket in retry forever. Returns the encoding and the number skipped.
func EncodeLinesLenient(points []Point) ([]byte, int) {
	var buf []byte
	skipped := 0
	for i := range points {
		next, err := AppendLine(buf, points[i])
		if err != nil {
			skipped++
			continue
		}
		buf = append(next, '\n')
	}
	return buf, skipped
}

type escapeClass int

const (
	// escapeMeasurement escapes commas and spaces.
	escapeMeasurement escapeClass = iota
	// escapeKey escapes commas, equals signs, and spaces (tag keys, tag
	// values, field keys).
	escapeKey
)

func appendEscaped(dst []byte, s string, class escapeClass) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case ',', ' ':
			dst = append(dst, '\\', c)
		case '=':
			if class == escapeKey {
				dst = append(dst, '\\', c)
			} else {
				dst = append(dst, c)
			}
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

func appendFieldValue(dst []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return dst, fmt.Errorf("non-finite float %v", val)
		}
		return strconv.AppendFloat(dst, val, 'g', -1, 64), nil
	case float32:
		return appendFieldValue(dst, float64(val))
	case int:
		return appendInt(dst, int64(val)), nil
	case int8:
		return appendInt(dst, int64(val)), nil
	case int16:
		return appendInt(dst, int64(val)), nil
	case int32:
		return appendInt(dst, int64(val)), nil
	case int64:
		return appendInt(dst, val), nil
	case uint:
		return appendUint(dst, uint64(val)), nil
	case uint8:
		return appendUint(dst, uint64(val)), nil
	case uint16:
		return appendUint(dst, uint64(val)), nil
	case uint32:
		return appendUint(dst, uint64(val)), nil
	case uint64:
		return appendUint(dst, val), nil
	case bool:
		return strconv.AppendBool(dst, val), nil
	case string:
		dst = append(dst, '"')
		for i := 0; i < len(val); i++ {
			c := val[i]
			if c == '"' || c == '\\' {
				dst = append(dst, '\\')
			}
			dst = append(dst, c)
		}
		return append(dst, '"'), nil
	default:
		return dst, fmt.Errorf("unsupported type %T", v)
	}
}

func appendInt(dst []byte, v int64) []byte {
	dst = strconv.AppendInt(dst, v, 10)
	return append(dst, 'i')
}

func appendUint(dst []byte, v uint64) []byte {
	dst = strconv.AppendUint(dst, v, 10)
	return append(dst, 'u')
}
