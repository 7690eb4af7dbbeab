// Package plist implements the dynamic property-list dictionary value model
// shared by firmware manifests, signing tickets, and restore-session
// messages: a tagged sum of Bool, Int, String, Bytes, Array, and Dict,
// with typed accessors that fail closed on shape mismatch instead of
// panicking.
//
// The tagged sum is backed by google.golang.org/protobuf/types/known/structpb
// so a Value can cross a Connect RPC boundary (package signing) without a
// bespoke wire codec. structpb has no native byte-string variant, so Bytes
// values are base64-encoded into a structpb string and decoded back to
// []byte only at the Go-typed accessor boundary — callers never see the
// base64 form.
package plist

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindString
	KindBytes
	KindArray
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindDict:
		return "dict"
	default:
		return "invalid"
	}
}

// bytesTag prefixes the base64 payload of a Bytes value so it can be told
// apart from an ordinary String value once both have gone through structpb.
const bytesTag = "\x00plist-bytes\x00"

// Value is one node of a property-list document: a dictionary, an array, or
// a scalar. The zero Value is KindInvalid.
type Value struct {
	kind Kind
	b    bool
	i    int64
	s    string
	byt  []byte
	arr  []Value
	dict map[string]Value
}

// Bool constructs a Bool Value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Int constructs an Int Value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// String constructs a String Value.
func String(v string) Value { return Value{kind: KindString, s: v} }

// Bytes constructs a Bytes Value. The slice is copied.
func Bytes(v []byte) Value {
	cp := make([]byte, len(v))
	copy(cp, v)
	return Value{kind: KindBytes, byt: cp}
}

// Array constructs an Array Value.
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

// Dict constructs a Dict Value from a map. The map is copied.
func Dict(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindDict, dict: cp}
}

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v is anything other than the zero Value.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// AsBool returns v's bool payload, failing if v is not KindBool.
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, fmt.Errorf("plist: expected bool, got %s", v.kind)
	}
	return v.b, nil
}

// AsInt returns v's integer payload, failing if v is not KindInt.
func (v Value) AsInt() (int64, error) {
	if v.kind != KindInt {
		return 0, fmt.Errorf("plist: expected int, got %s", v.kind)
	}
	return v.i, nil
}

// AsString returns v's string payload, failing if v is not KindString.
func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", fmt.Errorf("plist: expected string, got %s", v.kind)
	}
	return v.s, nil
}

// AsBytes returns v's byte payload, failing if v is not KindBytes.
func (v Value) AsBytes() ([]byte, error) {
	if v.kind != KindBytes {
		return nil, fmt.Errorf("plist: expected bytes, got %s", v.kind)
	}
	cp := make([]byte, len(v.byt))
	copy(cp, v.byt)
	return cp, nil
}

// AsArray returns v's element slice, failing if v is not KindArray.
func (v Value) AsArray() ([]Value, error) {
	if v.kind != KindArray {
		return nil, fmt.Errorf("plist: expected array, got %s", v.kind)
	}
	return v.arr, nil
}

// AsDict returns v's key/value map, failing if v is not KindDict.
func (v Value) AsDict() (map[string]Value, error) {
	if v.kind != KindDict {
		return nil, fmt.Errorf("plist: expected dict, got %s", v.kind)
	}
	return v.dict, nil
}

// Field looks up key in a Dict Value, failing if v is not a Dict or the key
// is absent.
func (v Value) Field(key string) (Value, error) {
	d, err := v.AsDict()
	if err != nil {
		return Value{}, err
	}
	f, ok := d[key]
	if !ok {
		return Value{}, fmt.Errorf("plist: field %q absent", key)
	}
	return f, nil
}

// ToStruct converts v (which must be KindDict) to a structpb.Struct for
// transport across the signing client's Connect RPC boundary.
func ToStruct(v Value) (*structpb.Struct, error) {
	d, err := v.AsDict()
	if err != nil {
		return nil, err
	}
	fields := make(map[string]*structpb.Value, len(d))
	for k, fv := range d {
		pv, err := toProto(fv)
		if err != nil {
			return nil, fmt.Errorf("plist: field %q: %w", k, err)
		}
		fields[k] = pv
	}
	return &structpb.Struct{Fields: fields}, nil
}

func toProto(v Value) (*structpb.Value, error) {
	switch v.kind {
	case KindBool:
		return structpb.NewBoolValue(v.b), nil
	case KindInt:
		return structpb.NewNumberValue(float64(v.i)), nil
	case KindString:
		return structpb.NewStringValue(v.s), nil
	case KindBytes:
		return structpb.NewStringValue(bytesTag + base64.StdEncoding.EncodeToString(v.byt)), nil
	case KindArray:
		vals := make([]*structpb.Value, len(v.arr))
		for i, item := range v.arr {
			pv, err := toProto(item)
			if err != nil {
				return nil, err
			}
			vals[i] = pv
		}
		return structpb.NewListValue(&structpb.ListValue{Values: vals}), nil
	case KindDict:
		s, err := ToStruct(v)
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(s), nil
	default:
		return structpb.NewNullValue(), nil
	}
}

// FromStruct is the inverse of ToStruct.
func FromStruct(s *structpb.Struct) Value {
	if s == nil {
		return Value{}
	}
	dict := make(map[string]Value, len(s.Fields))
	for k, pv := range s.Fields {
		dict[k] = fromProto(pv)
	}
	return Dict(dict)
}

func fromProto(pv *structpb.Value) Value {
	switch k := pv.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return Bool(k.BoolValue)
	case *structpb.Value_NumberValue:
		return Int(int64(k.NumberValue))
	case *structpb.Value_StringValue:
		if raw, ok := decodeBytesTag(k.StringValue); ok {
			return Bytes(raw)
		}
		return String(k.StringValue)
	case *structpb.Value_ListValue:
		items := make([]Value, len(k.ListValue.Values))
		for i, pv := range k.ListValue.Values {
			items[i] = fromProto(pv)
		}
		return Array(items...)
	case *structpb.Value_StructValue:
		return FromStruct(k.StructValue)
	default:
		return Value{}
	}
}

func decodeBytesTag(s string) ([]byte, bool) {
	if len(s) < len(bytesTag) || s[:len(bytesTag)] != bytesTag {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(s[len(bytesTag):])
	if err != nil {
		return nil, false
	}
	return raw, true
}
