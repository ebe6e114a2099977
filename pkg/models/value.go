package models

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ── Value Types ──────────────────────────────────────────────

// ValueType is the declared type of a setting.
type ValueType string

const (
	TypeString   ValueType = "String"
	TypeInt      ValueType = "Int"
	TypeLong     ValueType = "Long"
	TypeDouble   ValueType = "Double"
	TypeBool     ValueType = "Bool"
	TypeDateTime ValueType = "DateTime"
	TypeTimeSpan ValueType = "TimeSpan"
	TypeEnum     ValueType = "Enum"
	TypeList     ValueType = "List"
	TypeJSON     ValueType = "Json"
)

// Valid reports whether t is one of the known value types.
func (t ValueType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeLong, TypeDouble, TypeBool,
		TypeDateTime, TypeTimeSpan, TypeEnum, TypeList, TypeJSON:
		return true
	}
	return false
}

// Value is a closed tagged variant holding one typed setting value.
// The zero Value has no type and is never valid on the wire.
type Value struct {
	typ  ValueType
	s    string        // String, Enum
	i    int64         // Int, Long
	f    float64       // Double
	b    bool          // Bool
	t    time.Time     // DateTime (UTC)
	d    time.Duration // TimeSpan
	list []Value       // List
	doc  []byte        // Json, canonical encoding
}

func StringValue(s string) Value { return Value{typ: TypeString, s: s} }

func IntValue(i int64) Value { return Value{typ: TypeInt, i: i} }

func LongValue(i int64) Value { return Value{typ: TypeLong, i: i} }

func DoubleValue(f float64) Value { return Value{typ: TypeDouble, f: f} }

func BoolValue(b bool) Value { return Value{typ: TypeBool, b: b} }

func DateTimeValue(t time.Time) Value { return Value{typ: TypeDateTime, t: t.UTC()} }

func TimeSpanValue(d time.Duration) Value { return Value{typ: TypeTimeSpan, d: d} }

// EnumValue holds an enum member by name.
func EnumValue(name string) Value { return Value{typ: TypeEnum, s: name} }

func ListValue(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{typ: TypeList, list: cp}
}

// JSONValue builds a Json value from a raw document. The document is stored in
// canonical form (object keys sorted, insignificant whitespace removed).
func JSONValue(raw []byte) (Value, error) {
	doc, err := canonicalJSON(raw)
	if err != nil {
		return Value{}, err
	}
	return Value{typ: TypeJSON, doc: doc}, nil
}

// Ptr returns a pointer to a copy of v.
func (v Value) Ptr() *Value { return &v }

// Type returns the variant tag.
func (v Value) Type() ValueType { return v.typ }

// IsZero reports whether v carries no value at all.
func (v Value) IsZero() bool { return v.typ == "" }

func (v Value) AsString() (string, bool) {
	if v.typ == TypeString || v.typ == TypeEnum {
		return v.s, true
	}
	return "", false
}

func (v Value) AsInt64() (int64, bool) {
	if v.typ == TypeInt || v.typ == TypeLong {
		return v.i, true
	}
	return 0, false
}

func (v Value) AsFloat64() (float64, bool) {
	if v.typ == TypeDouble {
		return v.f, true
	}
	return 0, false
}

func (v Value) AsBool() (bool, bool) {
	if v.typ == TypeBool {
		return v.b, true
	}
	return false, false
}

func (v Value) AsTime() (time.Time, bool) {
	if v.typ == TypeDateTime {
		return v.t, true
	}
	return time.Time{}, false
}

func (v Value) AsDuration() (time.Duration, bool) {
	if v.typ == TypeTimeSpan {
		return v.d, true
	}
	return 0, false
}

func (v Value) AsList() ([]Value, bool) {
	if v.typ == TypeList {
		cp := make([]Value, len(v.list))
		copy(cp, v.list)
		return cp, true
	}
	return nil, false
}

// AsJSON returns the canonical document bytes.
func (v Value) AsJSON() ([]byte, bool) {
	if v.typ == TypeJSON {
		return bytes.Clone(v.doc), true
	}
	return nil, false
}

// Interface converts the value to a plain Go value: string, int64, float64,
// bool, time.Time, time.Duration, []any or a decoded JSON document.
func (v Value) Interface() any {
	switch v.typ {
	case TypeString, TypeEnum:
		return v.s
	case TypeInt, TypeLong:
		return v.i
	case TypeDouble:
		return v.f
	case TypeBool:
		return v.b
	case TypeDateTime:
		return v.t
	case TypeTimeSpan:
		return v.d
	case TypeList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case TypeJSON:
		var doc any
		if err := json.Unmarshal(v.doc, &doc); err != nil {
			return nil
		}
		return doc
	}
	return nil
}

// Equal compares type and raw content. Doubles compare by bit pattern so that
// Equal stays consistent with AppendBinary.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeString, TypeEnum:
		return v.s == o.s
	case TypeInt, TypeLong:
		return v.i == o.i
	case TypeDouble:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case TypeBool:
		return v.b == o.b
	case TypeDateTime:
		return v.t.Equal(o.t)
	case TypeTimeSpan:
		return v.d == o.d
	case TypeList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case TypeJSON:
		return bytes.Equal(v.doc, o.doc)
	}
	return true
}

// AppendBinary appends a deterministic, length-prefixed encoding of the raw
// value fields to b. Values that are Equal produce identical bytes.
func (v Value) AppendBinary(b []byte) []byte {
	b = appendString(b, string(v.typ))
	switch v.typ {
	case TypeString, TypeEnum:
		b = appendString(b, v.s)
	case TypeInt, TypeLong:
		b = binary.BigEndian.AppendUint64(b, uint64(v.i))
	case TypeDouble:
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(v.f))
	case TypeBool:
		if v.b {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	case TypeDateTime:
		b = binary.BigEndian.AppendUint64(b, uint64(v.t.UnixNano()))
	case TypeTimeSpan:
		b = binary.BigEndian.AppendUint64(b, uint64(v.d))
	case TypeList:
		b = binary.BigEndian.AppendUint32(b, uint32(len(v.list)))
		for _, item := range v.list {
			b = item.AppendBinary(b)
		}
	case TypeJSON:
		b = appendString(b, string(v.doc))
	}
	return b
}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

// String renders the value for logs and history records.
func (v Value) String() string {
	switch v.typ {
	case TypeString, TypeEnum:
		return v.s
	case TypeInt, TypeLong:
		return strconv.FormatInt(v.i, 10)
	case TypeDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.b)
	case TypeDateTime:
		return v.t.Format(time.RFC3339Nano)
	case TypeTimeSpan:
		return v.d.String()
	case TypeList, TypeJSON:
		raw, _ := v.rawJSON()
		return string(raw)
	}
	return ""
}

// ── Wire Format ──────────────────────────────────────────────

// wireValue is the JSON shape of a Value: {"type": "Int", "value": 5}.
type wireValue struct {
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.typ == "" {
		return nil, fmt.Errorf("marshal value: missing type")
	}
	raw, err := v.rawJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Type: v.typ, Value: raw})
}

func (v Value) rawJSON() ([]byte, error) {
	switch v.typ {
	case TypeString, TypeEnum:
		return json.Marshal(v.s)
	case TypeInt, TypeLong:
		return json.Marshal(v.i)
	case TypeDouble:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("marshal value: double %v is not representable", v.f)
		}
		return json.Marshal(v.f)
	case TypeBool:
		return json.Marshal(v.b)
	case TypeDateTime:
		return json.Marshal(v.t.Format(time.RFC3339Nano))
	case TypeTimeSpan:
		return json.Marshal(v.d.String())
	case TypeList:
		return json.Marshal(v.list)
	case TypeJSON:
		return v.doc, nil
	}
	return nil, fmt.Errorf("marshal value: unknown type %q", v.typ)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	parsed, err := ParseValue(w.Type, w.Value)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseValue decodes the raw JSON payload of a value of the given type. There
// is no coercion between types: a quoted number is not an Int.
func ParseValue(t ValueType, raw json.RawMessage) (Value, error) {
	if !t.Valid() {
		return Value{}, fmt.Errorf("decode value: unknown type %q", t)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return Value{}, fmt.Errorf("decode %s value: missing value", t)
	}

	switch t {
	case TypeString, TypeEnum:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("decode %s value: %w", t, err)
		}
		return Value{typ: t, s: s}, nil

	case TypeInt, TypeLong:
		var n json.Number
		if err := strictNumber(raw, &n); err != nil {
			return Value{}, fmt.Errorf("decode %s value: %w", t, err)
		}
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("decode %s value: %w", t, err)
		}
		if t == TypeInt && (i > math.MaxInt32 || i < math.MinInt32) {
			return Value{}, fmt.Errorf("decode Int value: %d overflows 32 bits", i)
		}
		return Value{typ: t, i: i}, nil

	case TypeDouble:
		var n json.Number
		if err := strictNumber(raw, &n); err != nil {
			return Value{}, fmt.Errorf("decode Double value: %w", err)
		}
		f, err := n.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("decode Double value: %w", err)
		}
		return DoubleValue(f), nil

	case TypeBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, fmt.Errorf("decode Bool value: %w", err)
		}
		return BoolValue(b), nil

	case TypeDateTime:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("decode DateTime value: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Value{}, fmt.Errorf("decode DateTime value: %w", err)
		}
		return DateTimeValue(ts), nil

	case TypeTimeSpan:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("decode TimeSpan value: %w", err)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return Value{}, fmt.Errorf("decode TimeSpan value: %w", err)
		}
		return TimeSpanValue(d), nil

	case TypeList:
		var items []Value
		if err := json.Unmarshal(raw, &items); err != nil {
			return Value{}, fmt.Errorf("decode List value: %w", err)
		}
		return ListValue(items...), nil

	case TypeJSON:
		return JSONValue(raw)
	}
	return Value{}, fmt.Errorf("decode value: unknown type %q", t)
}

func strictNumber(raw json.RawMessage, n *json.Number) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	num, ok := v.(json.Number)
	if !ok {
		return fmt.Errorf("expected a number, got %s", string(raw))
	}
	*n = num
	return nil
}

func canonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode Json value: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode Json value: %w", err)
	}
	return out, nil
}
