package model

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
)

// ScalarKind 标量类型，集合封闭：字符串、数字、布尔。
type ScalarKind uint8

const (
	KindNull ScalarKind = iota
	KindString
	KindNumber
	KindBool
)

// Scalar 是 Details 的取值，只允许三种标量，不允许嵌套对象或数组。
type Scalar struct {
	kind ScalarKind
	s    string
	n    float64
	b    bool
}

func String(v string) Scalar  { return Scalar{kind: KindString, s: v} }
func Number(v float64) Scalar { return Scalar{kind: KindNumber, n: v} }
func Bool(v bool) Scalar      { return Scalar{kind: KindBool, b: v} }

func (v Scalar) Kind() ScalarKind { return v.kind }

func (v Scalar) AsString() (string, bool)  { return v.s, v.kind == KindString }
func (v Scalar) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }
func (v Scalar) AsBool() (bool, bool)      { return v.b, v.kind == KindBool }

// String 便于日志输出。
func (v Scalar) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "null"
	}
}

func (v Scalar) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.s)
	case KindNumber:
		return json.Marshal(v.n)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

func (v *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Scalar{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '{', '[':
		return fmt.Errorf("details: nested value %s is not a scalar", data)
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = Number(n)
	}
	return nil
}

// Details 支付详情、通知附加数据：字符串键到标量的映射。
type Details map[string]Scalar

// DetailsFromAny 把外部 JSON 解出的 map 收敛成 Details；null 与嵌套结构直接丢弃。
func DetailsFromAny(in map[string]any) Details {
	out := make(Details, len(in))
	for k, raw := range in {
		switch x := raw.(type) {
		case string:
			out[k] = String(x)
		case bool:
			out[k] = Bool(x)
		case float64:
			out[k] = Number(x)
		case float32:
			out[k] = Number(float64(x))
		case int:
			out[k] = Number(float64(x))
		case int64:
			out[k] = Number(float64(x))
		case json.Number:
			if f, err := x.Float64(); err == nil {
				out[k] = Number(f)
			}
		}
	}
	return out
}

func (d Details) Clone() Details {
	if d == nil {
		return nil
	}
	out := make(Details, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Value 以 JSON 文本落库。
func (d Details) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *Details) Scan(src any) error {
	var raw []byte
	switch x := src.(type) {
	case nil:
		*d = Details{}
		return nil
	case string:
		raw = []byte(x)
	case []byte:
		raw = x
	default:
		return fmt.Errorf("details: unsupported column type %T", src)
	}
	out := Details{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
	}
	*d = out
	return nil
}
