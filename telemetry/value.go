package telemetry

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ValueKind tags which member of the Value union is set.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueNumber
	ValueString
)

// Value is a single raw telemetry field. Upstream rows carry either plain JSON primitives or DynamoDB style
// one-key wrappers ({"N": "3.31"}, {"S": "abc"}); both are decoded into this union at the boundary so nothing
// downstream has to inspect wire shapes.
type Value struct {
	Kind ValueKind
	Num  float64
	Str  string
}

func Number(f float64) Value {
	return Value{Kind: ValueNumber, Num: f}
}

func String(s string) Value {
	return Value{Kind: ValueString, Str: s}
}

// Float returns the numeric value. Strings are parsed; nulls, unparseable strings and non-finite numbers
// return false.
func (v Value) Float() (float64, bool) {
	switch v.Kind {
	case ValueNumber:
		if !isFinite(v.Num) {
			return 0, false
		}
		return v.Num, true
	case ValueString:
		return parseFinite(v.Str)
	default:
		return 0, false
	}
}

// UnmarshalJSON never fails on an unexpected shape, it decodes it as null instead.
func (v *Value) UnmarshalJSON(data []byte) error {
	*v = Value{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case 'n':
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		*v = String(s)
	case '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(data, &wrapper); err != nil || len(wrapper) != 1 {
			return nil
		}
		for tag, inner := range wrapper {
			*v = unwrapTagged(tag, inner)
		}
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return nil
		}
		*v = Number(f)
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueNumber:
		if !isFinite(v.Num) {
			return []byte("null"), nil
		}
		return json.Marshal(v.Num)
	case ValueString:
		return json.Marshal(v.Str)
	default:
		return []byte("null"), nil
	}
}

// unwrapTagged decodes the payload of a one-key wrapper. "N" payloads may be a string or a bare number.
func unwrapTagged(tag string, inner json.RawMessage) Value {
	switch tag {
	case "N":
		var s string
		if err := json.Unmarshal(inner, &s); err == nil {
			f, ok := parseFinite(s)
			if !ok {
				return Value{}
			}
			return Number(f)
		}
		var f float64
		if err := json.Unmarshal(inner, &f); err == nil {
			return Number(f)
		}
	case "S":
		var s string
		if err := json.Unmarshal(inner, &s); err == nil {
			return String(s)
		}
	}
	return Value{}
}

// FromAttributeValue converts a DynamoDB attribute into a Value. Unsupported attribute types become null.
func FromAttributeValue(av types.AttributeValue) Value {
	switch t := av.(type) {
	case *types.AttributeValueMemberN:
		f, ok := parseFinite(t.Value)
		if !ok {
			return Value{}
		}
		return Number(f)
	case *types.AttributeValueMemberS:
		return String(t.Value)
	default:
		return Value{}
	}
}

// parseFinite parses a decimal reading. "NaN" and "Inf" parse in Go but are not readings, so they are rejected.
func parseFinite(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !isFinite(f) {
		return 0, false
	}
	return f, true
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
