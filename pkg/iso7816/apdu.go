package iso7816

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// A command APDU is CLA INS P1 P2 followed by an optional body: Lc and Nc
// data bytes, then Le. The four ISO 7816-3 cases are header only (1), Le
// only (2), data only (3) and data plus Le (4). Short lengths take one byte
// with Le 00 meaning 256; anything larger switches the whole command to
// extended lengths.
//
// The host side encodes both forms. ParseCommandAPDU, used on the card side,
// only reads short lengths since no applet payload exceeds one RSA block.
//
// A response APDU is the data followed by SW1 SW2.

const (
	MaxShortLc    = 255
	MaxShortLe    = 256 // encoded as 00
	MaxExtendedLc = 65535
	MaxExtendedLe = 65536 // encoded as 0000
)

var (
	ErrMalformedCommand  = errors.New("malformed command APDU")
	ErrMalformedResponse = errors.New("malformed response APDU")
)

// CommandAPDU is a decoded command. Ne is the number of response bytes
// expected, 0 for none.
type CommandAPDU struct {
	Class       Class
	Instruction Instruction
	P1, P2      byte
	Data        []byte
	Ne          int
}

func NewCommandAPDU(cla Class, ins Instruction, p1, p2 byte, data []byte, ne int) *CommandAPDU {
	return &CommandAPDU{
		Class:       cla,
		Instruction: ins,
		P1:          p1,
		P2:          p2,
		Data:        data,
		Ne:          ne,
	}
}

// Bytes encodes the command, choosing extended lengths only when Nc or Ne
// does not fit the short form.
func (c *CommandAPDU) Bytes() ([]byte, error) {
	cla, err := c.Class.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode CLA: %w", err)
	}

	nc, ne := len(c.Data), c.Ne
	switch {
	case nc > MaxExtendedLc:
		return nil, fmt.Errorf("data field too long: %d bytes", nc)
	case ne < 0 || ne > MaxExtendedLe:
		return nil, fmt.Errorf("expected length out of range: %d", ne)
	}
	extended := nc > MaxShortLc || ne > MaxShortLe

	b := cryptobyte.NewBuilder(make([]byte, 0, 4+3+nc+3))
	b.AddBytes([]byte{cla, byte(c.Instruction.Raw), c.P1, c.P2})

	if nc > 0 {
		if extended {
			b.AddUint8(0x00)
			b.AddUint16(uint16(nc))
		} else {
			b.AddUint8(uint8(nc))
		}
		b.AddBytes(c.Data)
	}

	switch {
	case ne == 0:
	case !extended:
		b.AddUint8(uint8(ne)) // 256 wraps to 00
	default:
		if nc == 0 {
			// Extended case 2 starts its body with 00 like an extended Lc.
			b.AddUint8(0x00)
		}
		b.AddUint16(uint16(ne)) // 65536 wraps to 0000
	}

	return b.Bytes()
}

// ParseCommandAPDU decodes a short-length C-APDU as received by the card.
//
// The returned error wraps ErrInvalidClass, ErrInvalidInstruction or
// ErrMalformedCommand so that a card runtime can map it to the matching
// status word.
func ParseCommandAPDU(raw []byte) (*CommandAPDU, error) {
	s := cryptobyte.String(raw)

	var cla, ins, p1, p2 uint8
	if !s.ReadUint8(&cla) || !s.ReadUint8(&ins) || !s.ReadUint8(&p1) || !s.ReadUint8(&p2) {
		return nil, fmt.Errorf("%w: header too short (%d bytes)", ErrMalformedCommand, len(raw))
	}

	class, err := NewClass(cla)
	if err != nil {
		return nil, err
	}
	instruction, err := NewInstruction(InsCode(ins))
	if err != nil {
		return nil, err
	}

	cmd := &CommandAPDU{Class: class, Instruction: instruction, P1: p1, P2: p2}

	switch len(s) {
	case 0:
		// Case 1
	case 1:
		// Case 2: P3 is Le
		var le uint8
		s.ReadUint8(&le)
		cmd.Ne = decodeShortLe(le)
	default:
		// Case 3/4: P3 is Lc, the data follows, then an optional Le
		var data cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&data) || len(data) == 0 {
			return nil, fmt.Errorf("%w: Lc does not match %d body bytes", ErrMalformedCommand, len(raw)-4)
		}
		cmd.Data = bytes.Clone(data)

		var le uint8
		if s.ReadUint8(&le) {
			cmd.Ne = decodeShortLe(le)
		}
		if !s.Empty() {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedCommand, len(s))
		}
	}

	return cmd, nil
}

func decodeShortLe(le uint8) int {
	if le == 0 {
		return MaxShortLe
	}
	return int(le)
}

func (c *CommandAPDU) String() string {
	return fmt.Sprintf("%s | P1: %02X, P2: %02X | Lc: %d | Le: %d",
		c.Instruction.Verbose(), c.P1, c.P2, len(c.Data), c.Ne)
}

// ResponseAPDU is one answer from the card.
type ResponseAPDU struct {
	Data   []byte
	Status StatusWord
}

func NewResponseAPDU(data []byte, sw StatusWord) *ResponseAPDU {
	return &ResponseAPDU{Data: data, Status: sw}
}

// ParseResponseAPDU splits raw into data and status word. Data aliases raw.
func ParseResponseAPDU(raw []byte) (*ResponseAPDU, error) {
	n := len(raw) - 2
	if n < 0 {
		return nil, fmt.Errorf("%w: %d bytes, no status word", ErrMalformedResponse, len(raw))
	}
	return &ResponseAPDU{Data: raw[:n], Status: NewStatusWord(raw[n], raw[n+1])}, nil
}

// Bytes encodes the response as sent by the card: data followed by SW1 SW2.
func (r *ResponseAPDU) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.Status.SW1(), r.Status.SW2())
}

func (r *ResponseAPDU) String() string {
	return fmt.Sprintf("Data (%d bytes) | Status: %s", len(r.Data), r.Status.Verbose())
}
