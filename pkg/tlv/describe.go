package tlv

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

var tlvSliceType = reflect.TypeOf([]bertlv.TLV(nil))

// WriteStructFields appends one "    - Prefix.Field (TAG): value" line per
// populated field of s to sb. Nested templates extend the prefix, leftover
// objects are listed by tag and empty byte slices are skipped. A `fmt` tag of
// "ascii" or "int" adds a decoded rendering next to the hex.
//
// Lines are newline separated with no trailing newline. A non-empty builder
// gets a newline before the block.
func WriteStructFields(sb *strings.Builder, prefix string, s interface{}) {
	lines := describeStruct(prefix, reflect.ValueOf(s))
	if len(lines) == 0 {
		return
	}
	if sb.Len() > 0 {
		sb.WriteByte('\n')
	}
	sb.WriteString(strings.Join(lines, "\n"))
}

func describeStruct(prefix string, v reflect.Value) []string {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	var lines []string
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field, sf := v.Field(i), t.Field(i)
		name := prefix + "." + sf.Name

		switch {
		case field.Type() == tlvSliceType:
			for _, p := range field.Interface().([]bertlv.TLV) {
				lines = append(lines, fmt.Sprintf("    - %s.Unknown Tag %s: %X", prefix, strings.ToUpper(p.Tag), rawValue(p)))
			}

		case isByteSlice(field):
			if field.Len() > 0 {
				lines = append(lines, fmt.Sprintf("    - %s: %s", label(name, sf), renderBytes(field.Bytes(), sf.Tag.Get("fmt"))))
			}

		case isUint(field):
			lines = append(lines, fmt.Sprintf("    - %s: %d", label(name, sf), field.Uint()))

		case isStructOrPtrToStruct(field):
			lines = append(lines, describeStruct(name, field)...)
		}
	}
	return lines
}

// label is the dotted field name followed by its tag, when it has one.
func label(name string, sf reflect.StructField) string {
	if spec, ok := parseFieldSpec(sf); ok && spec.tag != "" {
		return fmt.Sprintf("%s (%s)", name, spec.tag)
	}
	return name
}

func renderBytes(data []byte, format string) string {
	switch format {
	case "ascii":
		return fmt.Sprintf("%X (%q)", data, MakeSafeASCII(data))
	case "int":
		return fmt.Sprintf("%X (Dec: %s)", data, new(big.Int).SetBytes(data))
	}
	return fmt.Sprintf("%X", data)
}

// MakeSafeASCII replaces every non-printable byte with a dot.
func MakeSafeASCII(data []byte) string {
	out := make([]byte, len(data))
	for i, b := range data {
		if b < 0x20 || b > 0x7E {
			b = '.'
		}
		out[i] = b
	}
	return string(out)
}
