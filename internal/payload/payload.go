// Package payload turns the payload shapes a KNX gateway emits into a single
// unsigned integer. Shapes are captured at the boundary as a Payload variant;
// everything past the boundary works on the decoded value only.
package payload

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the recognized payload shape
type Kind int

const (
	KindNone Kind = iota
	KindInt
	KindString
	KindBytes
	KindList
)

// String returns the kind name for logging
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	default:
		return "none"
	}
}

// Payload is a tagged variant over the recognized payload shapes.
// Only the field matching Kind is meaningful.
type Payload struct {
	Kind  Kind
	Int   int64
	Str   string
	Bytes []byte
	List  []any
}

// Int wraps a native integer payload
func Int(v int64) Payload { return Payload{Kind: KindInt, Int: v} }

// String wraps a textual payload such as "0x1A" or "42"
func String(s string) Payload { return Payload{Kind: KindString, Str: s} }

// Bytes wraps a raw byte payload
func Bytes(b []byte) Payload { return Payload{Kind: KindBytes, Bytes: b} }

// List wraps an ordered element sequence
func List(items []any) Payload { return Payload{Kind: KindList, List: items} }

// None is the payload of anything unrecognized
func None() Payload { return Payload{} }

// IsNone reports whether the payload carries no recognized shape
func (p Payload) IsNone() bool { return p.Kind == KindNone }

// FromAny classifies a loosely typed value, as found in bus event data maps
// or decoded JSON, into a Payload. JSON numbers arrive as float64 and are
// only accepted when integral.
func FromAny(v any) Payload {
	switch x := v.(type) {
	case nil:
		return None()
	case Payload:
		return x
	case bool:
		return Int(boolToInt(x))
	case int:
		return Int(int64(x))
	case int8:
		return Int(int64(x))
	case int16:
		return Int(int64(x))
	case int32:
		return Int(int64(x))
	case int64:
		return Int(x)
	case uint8:
		return Int(int64(x))
	case uint16:
		return Int(int64(x))
	case uint32:
		return Int(int64(x))
	case uint:
		if uint64(x) > math.MaxInt64 {
			return None()
		}
		return Int(int64(x))
	case uint64:
		if x > math.MaxInt64 {
			return None()
		}
		return Int(int64(x))
	case float64:
		if x != math.Trunc(x) || x >= math.MaxInt64 || x < math.MinInt64 {
			return None()
		}
		return Int(int64(x))
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return Int(n)
		}
		return None()
	case string:
		return String(x)
	case []byte:
		return Bytes(x)
	case []any:
		return List(x)
	case []int:
		items := make([]any, len(x))
		for i, n := range x {
			items[i] = n
		}
		return List(items)
	default:
		return None()
	}
}

// FromJSON decodes a raw JSON value into a Payload
func FromJSON(raw json.RawMessage) Payload {
	if len(raw) == 0 {
		return None()
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return None()
	}
	return FromAny(v)
}

// Decode converts a payload to its canonical unsigned value. Negative
// integers clamp to 0. ok is false when the payload should be ignored.
func Decode(p Payload) (value uint64, ok bool) {
	switch p.Kind {
	case KindInt:
		if p.Int < 0 {
			return 0, true
		}
		return uint64(p.Int), true
	case KindString:
		return parseString(p.Str)
	case KindList:
		if len(p.List) == 0 {
			return 0, false
		}
		return coerceElement(p.List[0])
	case KindBytes:
		if len(p.Bytes) == 0 {
			return 0, false
		}
		return uint64(p.Bytes[0]), true
	default:
		return 0, false
	}
}

func parseString(s string) (uint64, bool) {
	if strings.HasPrefix(s, "0x") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return parseDecimal(s)
}

// parseDecimal accepts an optional sign; negative values clamp to 0
func parseDecimal(s string) (uint64, bool) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseUint(strings.TrimPrefix(s, "+"), 10, 64); err == nil {
		return v, true
	}
	if v, err := strconv.ParseInt(s, 10, 64); v < 0 && (err == nil || errors.Is(err, strconv.ErrRange)) {
		return 0, true
	}
	return 0, false
}

// coerceElement mirrors integer coercion of the first list element:
// integers and bools pass, floats truncate, numeric strings parse in
// base 10. Negative results clamp to 0.
func coerceElement(v any) (uint64, bool) {
	switch x := v.(type) {
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) || x >= math.MaxUint64 {
			return 0, false
		}
		if x < 0 {
			return 0, true
		}
		return uint64(math.Trunc(x)), true
	case float32:
		return coerceElement(float64(x))
	case string:
		return parseDecimal(x)
	case bool:
		return uint64(boolToInt(x)), true
	case nil:
		return 0, false
	}

	p := FromAny(v)
	if p.Kind != KindInt {
		return 0, false
	}
	return Decode(p)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
