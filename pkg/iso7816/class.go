package iso7816

import (
	"errors"
	"fmt"

	"github.com/gregLibert/pincard/pkg/bits"
)

// CLA byte layout (ISO/IEC 7816-4, 5.4.1):
//
//	1xxx xxxx  proprietary, the remaining bits belong to the application
//	000c ssll  first interindustry: chaining c, secure messaging ss, channel ll (0-3)
//	01sc llll  further interindustry: secure messaging s, chaining c, channel 4+llll (4-19)
//
// PIN applet commands use CLA 80. SELECT and GET RESPONSE go out as
// interindustry commands, GET RESPONSE on the channel of the command it
// completes.

// ErrInvalidClass is returned for the reserved CLA value FF.
var ErrInvalidClass = errors.New("invalid class byte")

// SecureMessaging is the secure messaging indication of an interindustry CLA.
type SecureMessaging int

const (
	SMNone         SecureMessaging = 0
	SMProprietary  SecureMessaging = 1
	SMHeaderNoProc SecureMessaging = 2
	SMHeaderAuth   SecureMessaging = 3
)

const (
	maxBasicChannel   = 3
	maxFurtherChannel = 19
)

// Class is a decoded CLA byte. Raw is only meaningful for proprietary classes,
// interindustry classes are rebuilt from their fields by Encode.
type Class struct {
	Raw             byte
	IsProprietary   bool
	IsChained       bool
	SecureMessaging SecureMessaging
	Channel         uint8
}

// InterindustryClass is CLA 00.
var InterindustryClass = Class{}

// NewClass decodes cla.
func NewClass(cla byte) (Class, error) {
	switch {
	case cla == 0xFF:
		return Class{}, fmt.Errorf("%w: FF is reserved", ErrInvalidClass)
	case bits.IsSet(cla, 8):
		return Class{Raw: cla, IsProprietary: true}, nil
	}

	c := Class{Raw: cla, IsChained: bits.IsSet(cla, 5)}
	if bits.IsSet(cla, 7) {
		c.Channel = 4 + bits.GetRange(cla, 4, 1)
		if bits.IsSet(cla, 6) {
			c.SecureMessaging = SMHeaderNoProc
		}
		return c, nil
	}
	c.Channel = bits.GetRange(cla, 2, 1)
	c.SecureMessaging = SecureMessaging(bits.GetRange(cla, 4, 3))
	return c, nil
}

// MustClass is NewClass for constants.
func MustClass(cla byte) Class {
	c, err := NewClass(cla)
	if err != nil {
		panic(err)
	}
	return c
}

// Encode returns the CLA byte for c.
func (c *Class) Encode() (byte, error) {
	if c.IsProprietary {
		return c.Raw, nil
	}

	var cla byte
	cla = bits.SetIf(cla, 5, c.IsChained)

	switch {
	case c.Channel <= maxBasicChannel:
		return cla | byte(c.SecureMessaging)<<2 | c.Channel, nil

	case c.Channel <= maxFurtherChannel:
		switch c.SecureMessaging {
		case SMNone:
		case SMHeaderNoProc:
			cla = bits.Set(cla, 6)
		default:
			return 0, fmt.Errorf("secure messaging %d cannot be expressed on channel %d", c.SecureMessaging, c.Channel)
		}
		return bits.Set(cla, 7) | (c.Channel - 4), nil
	}
	return 0, fmt.Errorf("logical channel %d out of range (max %d)", c.Channel, maxFurtherChannel)
}

func (c Class) String() string {
	if c.IsProprietary {
		return fmt.Sprintf("CLA %02X (proprietary)", c.Raw)
	}
	s := fmt.Sprintf("CLA channel %d, SM %d", c.Channel, c.SecureMessaging)
	if c.IsChained {
		s += ", chained"
	}
	return s
}
