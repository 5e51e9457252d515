package tlv

import (
	"encoding/hex"
	"fmt"
	"reflect"

	"github.com/moov-io/bertlv"
)

// Marshaler allows custom types to produce their own TLV value bytes.
type Marshaler interface {
	MarshalTLV() ([]byte, error)
}

// Marshal encodes a struct carrying `tlv` tags into BER-TLV. It is the
// inverse of Unmarshal for the shapes Unmarshal supports: byte slices become
// primitive objects, unsigned integers use their shortest
// big-endian form, strings are read as hex, nested structs become constructed templates and slices
// of structs emit one template per element. Empty byte slices and nil
// pointers are omitted, which is an error for a required field. Fields are
// written in declaration order.
func Marshal(source interface{}) ([]byte, error) {
	packets, err := MarshalToPackets(source)
	if err != nil {
		return nil, err
	}
	return bertlv.Encode(packets)
}

// MarshalToPackets is Marshal without the final encoding step.
func MarshalToPackets(source interface{}) ([]bertlv.TLV, error) {
	v := reflect.ValueOf(source)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, fmt.Errorf("source must not be nil")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("source must be a struct, got %s", v.Kind())
	}
	t := v.Type()

	var packets []bertlv.TLV
	for i := 0; i < v.NumField(); i++ {
		field, sf := v.Field(i), t.Field(i)
		spec, ok := parseFieldSpec(sf)
		switch {
		case !ok:
			continue
		case spec.unknown:
			if field.Type() == tlvSliceType {
				packets = append(packets, field.Interface().([]bertlv.TLV)...)
			}
			continue
		}

		encoded, err := encodeField(spec.tag, field)
		if err != nil {
			return nil, fmt.Errorf("field %s (%s): %w", sf.Name, spec.tag, err)
		}
		if len(encoded) == 0 && spec.required {
			return nil, fmt.Errorf("field %s: %w: %s", sf.Name, ErrMissingTag, spec.tag)
		}
		packets = append(packets, encoded...)
	}
	return packets, nil
}

func encodeField(tag string, field reflect.Value) ([]bertlv.TLV, error) {
	if field.CanInterface() {
		if m, ok := field.Interface().(Marshaler); ok {
			return encodeCustom(tag, m)
		}
	}
	if field.CanAddr() {
		if m, ok := field.Addr().Interface().(Marshaler); ok {
			return encodeCustom(tag, m)
		}
	}

	switch {
	case isByteSlice(field):
		if field.Len() == 0 {
			return nil, nil
		}
		return []bertlv.TLV{bertlv.NewTag(tag, field.Bytes())}, nil

	case field.Kind() == reflect.String:
		if field.Len() == 0 {
			return nil, nil
		}
		value, err := hex.DecodeString(field.String())
		if err != nil {
			return nil, err
		}
		return []bertlv.TLV{bertlv.NewTag(tag, value)}, nil

	case isUint(field):
		return []bertlv.TLV{bertlv.NewTag(tag, encodeUint(field.Uint()))}, nil

	case field.Kind() == reflect.Slice:
		var out []bertlv.TLV
		for j := 0; j < field.Len(); j++ {
			elem, err := encodeField(tag, field.Index(j))
			if err != nil {
				return nil, err
			}
			out = append(out, elem...)
		}
		return out, nil

	case field.Kind() == reflect.Ptr:
		if field.IsNil() {
			return nil, nil
		}
		return encodeField(tag, field.Elem())

	case field.Kind() == reflect.Struct:
		children, err := MarshalToPackets(field.Interface())
		if err != nil {
			return nil, err
		}
		return []bertlv.TLV{bertlv.NewComposite(tag, children...)}, nil
	}

	return nil, fmt.Errorf("unsupported kind %s", field.Kind())
}

func encodeCustom(tag string, m Marshaler) ([]bertlv.TLV, error) {
	value, err := m.MarshalTLV()
	if err != nil {
		return nil, err
	}
	return []bertlv.TLV{bertlv.NewTag(tag, value)}, nil
}
