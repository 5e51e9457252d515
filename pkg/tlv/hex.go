package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// hexSeparators may appear between bytes in hand-written hex, as in
// "F0 50 49" or "F0:50:49".
var hexSeparators = strings.NewReplacer(" ", "", ":", "", "\t", "", "\n", "", "\r", "")

// ParseHex decodes hex written with optional separators between bytes.
func ParseHex(parts ...string) ([]byte, error) {
	clean := hexSeparators.Replace(strings.Join(parts, ""))

	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", clean, err)
	}
	return data, nil
}

// Hex is ParseHex for literals known to be valid, such as test fixtures. It
// panics on bad input.
func Hex(parts ...string) []byte {
	data, err := ParseHex(parts...)
	if err != nil {
		panic(err)
	}
	return data
}
