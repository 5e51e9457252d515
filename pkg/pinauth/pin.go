package pinauth

import (
	"fmt"

	"github.com/gregLibert/pincard/pkg/applet"
)

// EncodePIN turns the digits a user typed into the raw PIN bytes the applet
// stores: one byte per digit, valued 0 to 9. The ASCII form never reaches
// the card.
func EncodePIN(digits string) ([]byte, error) {
	if len(digits) != applet.PINLength {
		return nil, fmt.Errorf("%w: %d digits, want %d", ErrInvalidPIN, len(digits), applet.PINLength)
	}

	pin := make([]byte, len(digits))
	for i := 0; i < len(digits); i++ {
		c := digits[i]
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: position %d is not a digit", ErrInvalidPIN, i+1)
		}
		pin[i] = c - '0'
	}
	return pin, nil
}
