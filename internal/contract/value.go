package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ValueKind identifies which member of the initial value union is set
type ValueKind int

const (
	KindAbsent ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindObject
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	default:
		return "absent"
	}
}

// Value is a variable's initial value. The zero Value is absent.
//
// Numbers keep their JSON text so large token amounts survive a round trip.
// Objects hold any JSON object or array as raw JSON.
type Value struct {
	kind ValueKind
	str  string
	num  json.Number
	b    bool
	raw  json.RawMessage
}

// StringValue returns a string value
func StringValue(s string) Value {
	return Value{kind: KindString, str: s}
}

// NumberValue returns a number value from its JSON text
func NumberValue(n json.Number) Value {
	return Value{kind: KindNumber, num: n}
}

// BoolValue returns a boolean value
func BoolValue(b bool) Value {
	return Value{kind: KindBool, b: b}
}

// ObjectValue returns a structured value holding raw JSON (object or array)
func ObjectValue(raw json.RawMessage) Value {
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return Value{kind: KindObject, raw: cp}
}

// Kind reports which member of the union is set
func (v Value) Kind() ValueKind { return v.kind }

// IsZero reports whether the value is absent. It lets `omitzero` drop absent values on encode.
func (v Value) IsZero() bool { return v.kind == KindAbsent }

// Str returns the string member
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Number returns the number member
func (v Value) Number() (json.Number, bool) { return v.num, v.kind == KindNumber }

// Bool returns the boolean member
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Raw returns the structured member
func (v Value) Raw() (json.RawMessage, bool) { return v.raw, v.kind == KindObject }

// Equal compares two values structurally
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindObject:
		var a, b bytes.Buffer
		if json.Compact(&a, v.raw) != nil || json.Compact(&b, o.raw) != nil {
			return bytes.Equal(v.raw, o.raw)
		}
		return bytes.Equal(a.Bytes(), b.Bytes())
	default:
		return true
	}
}

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return []byte(v.num.String()), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindObject:
		return v.raw, nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler. null decodes to an absent value.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := decodeValue(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func decodeValue(data []byte) (Value, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Value{}, fmt.Errorf("empty JSON value")
	}

	switch trimmed[0] {
	case 'n':
		if string(trimmed) != "null" {
			return Value{}, fmt.Errorf("invalid JSON literal %q", trimmed)
		}
		return Value{}, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return Value{}, err
		}
		return BoolValue(b), nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Value{}, err
		}
		return StringValue(s), nil
	case '{', '[':
		if !json.Valid(trimmed) {
			return Value{}, fmt.Errorf("invalid JSON structure")
		}
		return ObjectValue(trimmed), nil
	default:
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return Value{}, err
		}
		if dec.More() {
			return Value{}, fmt.Errorf("trailing data after number")
		}
		return NumberValue(n), nil
	}
}

// ParseValue converts text typed by the user into a value.
//
// Blank input clears the value. Valid JSON is stored parsed; anything else
// (hex literals such as 0xABC123, bare words) is kept as the trimmed string.
func ParseValue(text string) Value {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Value{}
	}
	if !json.Valid([]byte(trimmed)) {
		return StringValue(trimmed)
	}
	v, err := decodeValue([]byte(trimmed))
	if err != nil {
		return StringValue(trimmed)
	}
	return v
}

// EditText renders the value for the edit field. Structured values are indented
// so ParseValue gives back the same structure.
func (v Value) EditText() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num.String()
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindObject:
		var buf bytes.Buffer
		if err := json.Indent(&buf, v.raw, "", "  "); err != nil {
			return string(v.raw)
		}
		return buf.String()
	default:
		return ""
	}
}

// Display renders the value on one line for node subtitles and tree rows
func (v Value) Display() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindObject:
		var buf bytes.Buffer
		if err := json.Compact(&buf, v.raw); err != nil {
			return string(v.raw)
		}
		return buf.String()
	default:
		return v.EditText()
	}
}
