// Package claspvalue implements the tagged Value union that flows through the
// router: every parameter, publish payload, and bundle sub-message carries one
// of these. Integers never widen to float on a round trip.
package claspvalue

import (
	"fmt"
	"sort"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is the tagged union: Null | Bool | Int | Float | String | Bytes |
// Array<Value> | Map<string, Value>. Only the field matching Kind is valid.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	Array []Value
	Map   map[string]Value
}

func Null() Value                    { return Value{Kind: KindNull} }
func Bool(b bool) Value              { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value              { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value          { return Value{Kind: KindFloat, Float: f} }
func String(s string) Value          { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value           { return Value{Kind: KindBytes, Bytes: b} }
func Array(vs []Value) Value         { return Value{Kind: KindArray, Array: vs} }
func Map(m map[string]Value) Value   { return Value{Kind: KindMap, Map: m} }

// IsScalar reports whether the value is an Int or Float, the only kinds
// epsilon-thresholding applies to (open question 2).
func (v Value) IsScalar() bool {
	return v.Kind == KindInt || v.Kind == KindFloat
}

// AsFloat64 converts Int/Float to float64 for epsilon comparisons; ok is
// false for any other kind.
func (v Value) AsFloat64() (f float64, ok bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindFloat:
		return v.Float, true
	default:
		return 0, false
	}
}

// Equal performs a deep, kind-aware comparison. Int and Float never compare
// equal to each other even when numerically identical, matching the
// round-trip invariant that integers never widen to floats.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindInt:
		return a.Int == b.Int
	case KindFloat:
		return a.Float == b.Float
	case KindString:
		return a.Str == b.Str
	case KindBytes:
		return string(a.Bytes) == string(b.Bytes)
	case KindArray:
		if len(a.Array) != len(b.Array) {
			return false
		}
		for i := range a.Array {
			if !Equal(a.Array[i], b.Array[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.Map) != len(b.Map) {
			return false
		}
		for k, av := range a.Map {
			bv, ok := b.Map[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// sortedMapKeys returns map keys in deterministic order, used for
// human-readable dumps (String). The wire codec sorts map keys the same way.
func sortedMapKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders a debug representation; never used on the wire.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.Bytes))
	case KindArray:
		return fmt.Sprintf("array(%d)", len(v.Array))
	case KindMap:
		keys := sortedMapKeys(v.Map)
		return fmt.Sprintf("map(%v)", keys)
	default:
		return "?"
	}
}
