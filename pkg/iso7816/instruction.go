package iso7816

import (
	"errors"
	"fmt"

	"github.com/gregLibert/pincard/pkg/bits"
)

// INS names the command. Under a proprietary CLA its meaning belongs to the
// applet. Values 6X and 9X can never be instructions: T=0 uses them as
// procedure bytes and SW1.

var ErrInvalidInstruction = errors.New("invalid instruction byte")

// InsCode is a typed representation of the instruction byte.
type InsCode byte

// Interindustry Instruction (INS) codes from ISO/IEC 7816-4 used by this module.
const (
	INS_VERIFY                       InsCode = 0x20
	INS_CHANGE_REFERENCE_DATA        InsCode = 0x24
	INS_GENERATE_ASYMMETRIC_KEY_PAIR InsCode = 0x46
	INS_SELECT                       InsCode = 0xA4
	INS_GET_RESPONSE                 InsCode = 0xC0
	INS_GET_DATA                     InsCode = 0xCA
)

var insCodeNames = map[InsCode]string{
	INS_VERIFY:                       "INS_VERIFY",
	INS_CHANGE_REFERENCE_DATA:        "INS_CHANGE_REFERENCE_DATA",
	INS_GENERATE_ASYMMETRIC_KEY_PAIR: "INS_GENERATE_ASYMMETRIC_KEY_PAIR",
	INS_SELECT:                       "INS_SELECT",
	INS_GET_RESPONSE:                 "INS_GET_RESPONSE",
	INS_GET_DATA:                     "INS_GET_DATA",
}

// String returns the constant name of an interindustry instruction.
func (i InsCode) String() string {
	if name, ok := insCodeNames[i]; ok {
		return name
	}
	return fmt.Sprintf("InsCode(0x%02X)", byte(i))
}

// Instruction is a validated INS byte. An odd INS announces BER-TLV
// encoded data.
type Instruction struct {
	Raw      InsCode
	IsBERTLV bool
}

func NewInstruction(ins InsCode) (Instruction, error) {
	switch byte(ins) >> 4 {
	case 0x6, 0x9:
		return Instruction{}, fmt.Errorf("%w 0x%02X: 6X and 9X are reserved", ErrInvalidInstruction, byte(ins))
	}
	return Instruction{Raw: ins, IsBERTLV: bits.IsSet(byte(ins), 1)}, nil
}

// MustInstruction is NewInstruction for constants.
func MustInstruction(ins InsCode) Instruction {
	i, err := NewInstruction(ins)
	if err != nil {
		panic(err)
	}
	return i
}

func (i Instruction) Verbose() string {
	format := "Standard"
	if i.IsBERTLV {
		format = "BER-TLV"
	}
	return fmt.Sprintf("INS: 0x%02X | Command: %s | Format: %s", byte(i.Raw), i.Raw, format)
}
