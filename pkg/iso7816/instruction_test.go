package iso7816

import (
	"errors"
	"testing"
)

func TestNewInstruction(t *testing.T) {
	tests := []struct {
		ins     InsCode
		want    Instruction
		wantErr error
	}{
		{INS_SELECT, Instruction{Raw: INS_SELECT}, nil},
		{0xCB, Instruction{Raw: 0xCB, IsBERTLV: true}, nil},
		{0x54, Instruction{Raw: 0x54}, nil},
		{0x61, Instruction{}, ErrInvalidInstruction},
		{0x6A, Instruction{}, ErrInvalidInstruction},
		{0x90, Instruction{}, ErrInvalidInstruction},
	}

	for _, tt := range tests {
		got, err := NewInstruction(tt.ins)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("NewInstruction(%02X) error = %v, want %v", byte(tt.ins), err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NewInstruction(%02X) = %+v, want %+v", byte(tt.ins), got, tt.want)
		}
	}
}

func TestInstruction_Verbose(t *testing.T) {
	tests := []struct {
		ins  InsCode
		want string
	}{
		{INS_GET_RESPONSE, "INS: 0xC0 | Command: INS_GET_RESPONSE | Format: Standard"},
		{0x49, "INS: 0x49 | Command: InsCode(0x49) | Format: BER-TLV"},
	}

	for _, tt := range tests {
		if got := MustInstruction(tt.ins).Verbose(); got != tt.want {
			t.Errorf("Verbose() = %q, want %q", got, tt.want)
		}
	}
}

func TestMustInstruction_PanicsOnReserved(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustInstruction(61) did not panic")
		}
	}()
	MustInstruction(0x61)
}
