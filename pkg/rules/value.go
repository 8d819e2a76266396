package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "null"
	}
}

// Value is a JSON-shaped fact: string, number, bool, list or map. The zero
// Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	m    map[string]Value
}

func String(s string) Value        { return Value{kind: KindString, str: s} }
func Number(n float64) Value       { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value            { return Value{kind: KindBool, b: b} }
func List(items ...Value) Value    { return Value{kind: KindList, list: items} }
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

func Strings(items ...string) Value {
	out := make([]Value, len(items))
	for i, s := range items {
		out[i] = String(s)
	}
	return List(out...)
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsString() (string, bool)  { return v.str, v.kind == KindString }
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool)      { return v.b, v.kind == KindBool }
func (v Value) AsList() ([]Value, bool)   { return v.list, v.kind == KindList }
func (v Value) AsMap() (map[string]Value, bool) {
	return v.m, v.kind == KindMap
}

// FromAny converts decoded JSON (or plain Go scalars, slices and maps) into
// a Value.
func FromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q", t.String())
		}
		return Number(f), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case []string:
		return Strings(t...), nil
	case []any:
		items := make([]Value, 0, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items = append(items, v)
		}
		return List(items...), nil
	case map[string]any:
		m, err := MapFromAny(t)
		if err != nil {
			return Value{}, err
		}
		return Map(m), nil
	case map[string]string:
		m := make(map[string]Value, len(t))
		for k, s := range t {
			m[k] = String(s)
		}
		return Map(m), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", raw)
}

// MapFromAny converts every entry of raw, failing on the first
// unsupported value.
func MapFromAny(raw map[string]any) (map[string]Value, error) {
	out := make(map[string]Value, len(raw))
	for k, item := range raw {
		v, err := FromAny(item)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Any converts v back into plain Go values as encoding/json would decode them.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.Any()
		}
		return out
	}
	return nil
}

// Equal is structural: lists compare element-wise, maps key-wise.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindString:
		return a.str == b.str
	case KindNumber:
		return a.num == b.num
	case KindBool:
		return a.b == b.b
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// Text renders v for the string operators. Scalars render bare; lists and
// maps render as canonical JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return formatNumber(v.num)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNull:
		return ""
	}
	return string(v.Canonical())
}

func formatNumber(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Canonical encodes v as JSON with map keys sorted, so equal values always
// produce identical bytes.
func (v Value) Canonical() []byte {
	var buf bytes.Buffer
	v.writeCanonical(&buf)
	return buf.Bytes()
}

func (v Value) writeCanonical(buf *bytes.Buffer) {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindString:
		b, _ := json.Marshal(v.str)
		buf.Write(b)
	case KindNumber:
		if math.IsInf(v.num, 0) || math.IsNaN(v.num) {
			buf.WriteString("null")
			return
		}
		buf.WriteString(formatNumber(v.num))
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			item.writeCanonical(buf)
		}
		buf.WriteByte(']')
	case KindMap:
		buf.WriteByte('{')
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteByte(':')
			v.m[k].writeCanonical(buf)
		}
		buf.WriteByte('}')
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return v.Canonical(), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// Lookup walks a dotted path through nested maps.
func (v Value) Lookup(path string) (Value, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		if cur.kind != KindMap {
			return Value{}, false
		}
		next, ok := cur.m[part]
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}
