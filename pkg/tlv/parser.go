// Package tlv maps BER-TLV (Basic Encoding Rules - Tag-Length-Value) data to
// and from Go structures using struct tags:
//
//	AID   []byte       `tlv:"84,required"`
//	Tries uint8        `tlv:"C1"`
//	Rest  []bertlv.TLV `tlv:",unknown"`
//
// A tagged field receives every object with its tag: slices collect all of
// them, other kinds accept at most one. Fields marked required must be
// present. Objects no field claims land in the ",unknown" field, if any.
package tlv

import (
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

var (
	ErrMissingTag   = errors.New("missing mandatory tag")
	ErrDuplicateTag = errors.New("tag repeated for a single-valued field")
)

// Unmarshaler allows custom types to implement their own TLV parsing logic.
type Unmarshaler interface {
	UnmarshalTLV(data []byte) error
}

// fieldSpec is the parsed form of a `tlv` struct tag.
type fieldSpec struct {
	tag      string // upper-case hex, empty for the unknown field
	required bool
	unknown  bool
}

func parseFieldSpec(sf reflect.StructField) (fieldSpec, bool) {
	config, ok := sf.Tag.Lookup("tlv")
	if !ok {
		if sf.Name == "Unknown" {
			return fieldSpec{unknown: true}, true
		}
		return fieldSpec{}, false
	}

	name, opts, _ := strings.Cut(config, ",")
	spec := fieldSpec{tag: strings.ToUpper(name)}
	for _, opt := range strings.Split(opts, ",") {
		switch opt {
		case "required":
			spec.required = true
		case "unknown":
			spec.unknown = true
		}
	}
	if spec.tag == "" && !spec.unknown {
		return fieldSpec{}, false
	}
	return spec, true
}

// Unmarshal parses raw BER-TLV data and maps it into a target Go struct.
func Unmarshal(data []byte, target interface{}) error {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return fmt.Errorf("bertlv decode failed: %w", err)
	}
	return UnmarshalFromPackets(packets, target)
}

// UnmarshalFromPackets maps a slice of pre-decoded bertlv.TLV objects to a target struct.
func UnmarshalFromPackets(packets []bertlv.TLV, target interface{}) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("target must be a non-nil pointer")
	}
	v = v.Elem()
	t := v.Type()

	consumed := make([]bool, len(packets))
	var unknown reflect.Value

	for i := 0; i < v.NumField(); i++ {
		spec, ok := parseFieldSpec(t.Field(i))
		if !ok {
			continue
		}
		if spec.unknown {
			unknown = v.Field(i)
			continue
		}

		matches := 0
		for idx, packet := range packets {
			if strings.ToUpper(packet.Tag) != spec.tag {
				continue
			}
			matches++
			if matches > 1 && !isCollection(v.Field(i)) {
				return fmt.Errorf("%w: %s", ErrDuplicateTag, spec.tag)
			}
			if err := mapPacketToField(packet, v.Field(i)); err != nil {
				return err
			}
			consumed[idx] = true
		}
		if matches == 0 && spec.required {
			return fmt.Errorf("%w: %s (%s)", ErrMissingTag, spec.tag, t.Field(i).Name)
		}
	}

	if unknown.IsValid() && unknown.CanSet() {
		var leftovers []bertlv.TLV
		for idx, packet := range packets {
			if !consumed[idx] {
				leftovers = append(leftovers, packet)
			}
		}
		if len(leftovers) > 0 {
			unknown.Set(reflect.ValueOf(leftovers))
		}
	}
	return nil
}

// mapPacketToField appends to collection fields and fills the others.
func mapPacketToField(packet bertlv.TLV, field reflect.Value) error {
	if isCollection(field) {
		elem := reflect.New(field.Type().Elem()).Elem()
		if err := decodeToValue(packet, elem); err != nil {
			return err
		}
		field.Set(reflect.Append(field, elem))
		return nil
	}
	return decodeToValue(packet, field)
}

// decodeToValue handles one object: custom Unmarshaler, bytes, hex string,
// unsigned integer or nested template.
func decodeToValue(packet bertlv.TLV, field reflect.Value) error {
	if field.CanAddr() {
		if u, ok := field.Addr().Interface().(Unmarshaler); ok {
			return u.UnmarshalTLV(rawValue(packet))
		}
	}

	switch {
	case isByteSlice(field):
		field.SetBytes(rawValue(packet))

	case field.Kind() == reflect.String:
		field.SetString(hex.EncodeToString(packet.Value))

	case isUint(field):
		n, err := decodeUint(packet.Value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("tag %s: %w", packet.Tag, err)
		}
		field.SetUint(n)

	case isStructOrPtrToStruct(field):
		target := targetOf(field)
		if len(packet.TLVs) > 0 {
			return UnmarshalFromPackets(packet.TLVs, target.Interface())
		}
		// An empty template still has to satisfy its required children.
		return UnmarshalFromPackets(nil, target.Interface())
	}
	return nil
}

// rawValue returns the value bytes of p, re-encoding the children of a
// constructed object.
func rawValue(p bertlv.TLV) []byte {
	if len(p.TLVs) > 0 {
		if enc, err := bertlv.Encode(p.TLVs); err == nil {
			return enc
		}
	}
	return p.Value
}

func isByteSlice(v reflect.Value) bool {
	return v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8
}

// isCollection reports whether a field gathers every occurrence of its tag.
func isCollection(v reflect.Value) bool {
	return v.Kind() == reflect.Slice && !isByteSlice(v)
}

func isUint(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func decodeUint(b []byte, size int) (uint64, error) {
	if len(b) == 0 || len(b)*8 > size {
		return 0, fmt.Errorf("%d value bytes do not fit %d bits", len(b), size)
	}
	var n uint64
	for _, c := range b {
		n = n<<8 | uint64(c)
	}
	return n, nil
}

// encodeUint returns the shortest big-endian form of n, at least one byte.
func encodeUint(n uint64) []byte {
	out := []byte{byte(n)}
	for n >>= 8; n > 0; n >>= 8 {
		out = append([]byte{byte(n)}, out...)
	}
	return out
}

func isStructOrPtrToStruct(v reflect.Value) bool {
	return v.Kind() == reflect.Struct ||
		v.Kind() == reflect.Ptr && v.Type().Elem().Kind() == reflect.Struct
}

// targetOf returns a pointer to the struct behind field, allocating it when
// field is a nil pointer.
func targetOf(field reflect.Value) reflect.Value {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		return field
	}
	return field.Addr()
}
