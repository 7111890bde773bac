// Package scalar provides a tagged variant for heterogeneous metric values.
//
// Field controllers publish sensor values as numbers, quoted booleans
// ("true"/"false"), plain strings, or small JSON blobs. The gateway hands
// algorithms a Scalar and lets each algorithm choose its own coercion.
package scalar

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the underlying type of a Scalar.
type Kind int

const (
	KindNum Kind = iota
	KindBool
	KindText
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindNum:
		return "num"
	case KindBool:
		return "bool"
	case KindText:
		return "text"
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Scalar is a tagged variant holding one metric value.
// The zero value is Num(0).
type Scalar struct {
	kind Kind
	num  float64
	b    bool
	text string
	raw  json.RawMessage
}

// Num returns a numeric Scalar.
func Num(v float64) Scalar {
	return Scalar{kind: KindNum, num: v}
}

// Bool returns a boolean Scalar.
func Bool(v bool) Scalar {
	return Scalar{kind: KindBool, b: v}
}

// Text returns a string Scalar.
func Text(v string) Scalar {
	return Scalar{kind: KindText, text: v}
}

// JSON returns a Scalar wrapping a raw JSON value.
func JSON(raw json.RawMessage) Scalar {
	return Scalar{kind: KindJSON, raw: raw}
}

// FromAny converts an arbitrary decoded value into a Scalar.
// Numeric types map to Num, bools to Bool, strings to Text, and
// everything else is re-encoded as JSON.
func FromAny(v interface{}) Scalar {
	switch t := v.(type) {
	case nil:
		return Num(0)
	case float64:
		return Num(t)
	case float32:
		return Num(float64(t))
	case int:
		return Num(float64(t))
	case int32:
		return Num(float64(t))
	case int64:
		return Num(float64(t))
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return Num(f)
		}
		return Text(t.String())
	case bool:
		return Bool(t)
	case string:
		return Text(t)
	case json.RawMessage:
		return JSON(t)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return Text(fmt.Sprintf("%v", v))
		}
		return JSON(raw)
	}
}

// Kind returns the variant tag.
func (s Scalar) Kind() Kind { return s.kind }

// Float returns the numeric value and whether the Scalar is directly or
// textually numeric. Booleans report as 1/0.
func (s Scalar) Float() (float64, bool) {
	switch s.kind {
	case KindNum:
		return s.num, true
	case KindBool:
		if s.b {
			return 1, true
		}
		return 0, true
	case KindText:
		f, err := strconv.ParseFloat(strings.TrimSpace(s.text), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Boolean returns the boolean value and whether the Scalar could be read
// as one. Numbers read true when nonzero; text accepts true/false/1/0
// case-insensitively.
func (s Scalar) Boolean() (bool, bool) {
	switch s.kind {
	case KindBool:
		return s.b, true
	case KindNum:
		return s.num != 0, true
	case KindText:
		switch strings.ToLower(strings.TrimSpace(s.text)) {
		case "true", "1", "on", "yes":
			return true, true
		case "false", "0", "off", "no":
			return false, true
		}
		return false, false
	default:
		return false, false
	}
}

// Value returns the natural Go representation for writes: float64 for
// Num, bool for Bool, string for Text, and json.RawMessage for JSON.
func (s Scalar) Value() interface{} {
	switch s.kind {
	case KindNum:
		return s.num
	case KindBool:
		return s.b
	case KindText:
		return s.text
	default:
		return s.raw
	}
}

func (s Scalar) String() string {
	switch s.kind {
	case KindNum:
		return strconv.FormatFloat(s.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(s.b)
	case KindText:
		return s.text
	default:
		return string(s.raw)
	}
}

// ParseSafeNumber coerces v to a float64, returning fallback when the
// value has no numeric reading. Algorithms use this so a malformed sensor
// sample degrades to a conservative constant instead of failing the run.
func ParseSafeNumber(v interface{}, fallback float64) float64 {
	if s, ok := v.(Scalar); ok {
		if f, ok := s.Float(); ok {
			return f
		}
		return fallback
	}
	if f, ok := FromAny(v).Float(); ok {
		return f
	}
	return fallback
}

// ParseSafeBoolean coerces v to a bool, returning fallback when the value
// has no boolean reading.
func ParseSafeBoolean(v interface{}, fallback bool) bool {
	if s, ok := v.(Scalar); ok {
		if b, ok := s.Boolean(); ok {
			return b
		}
		return fallback
	}
	if b, ok := FromAny(v).Boolean(); ok {
		return b
	}
	return fallback
}

// Map is a metric snapshot keyed by field name.
type Map map[string]Scalar

// Number reads field as a float64 with a fallback.
func (m Map) Number(field string, fallback float64) float64 {
	s, ok := m[field]
	if !ok {
		return fallback
	}
	if f, ok := s.Float(); ok {
		return f
	}
	return fallback
}

// Flag reads field as a bool with a fallback.
func (m Map) Flag(field string, fallback bool) bool {
	s, ok := m[field]
	if !ok {
		return fallback
	}
	if b, ok := s.Boolean(); ok {
		return b
	}
	return fallback
}

// Has reports whether field is present.
func (m Map) Has(field string) bool {
	_, ok := m[field]
	return ok
}

// Clone returns a shallow copy of the map.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
