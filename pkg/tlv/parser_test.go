package tlv

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/moov-io/bertlv"
)

// upperHex is a custom unmarshaler used to exercise the Unmarshaler hook.
type upperHex struct {
	Val string
}

func (c *upperHex) UnmarshalTLV(data []byte) error {
	c.Val = "custom:" + hex.EncodeToString(data)
	return nil
}

type pinStatus struct {
	Remaining uint8  `tlv:"C1"`
	Max       uint8  `tlv:"C2"`
	Flags     []byte `tlv:"C3"`
}

type selectResponse struct {
	AID    []byte       `tlv:"84"`
	Label  string       `tlv:"50"`
	Status pinStatus    `tlv:"A5"`
	Custom upperHex     `tlv:"9F02"`
	Other  []bertlv.TLV `tlv:",unknown"`
}

func TestUnmarshal(t *testing.T) {
	rawData := Hex(
		"84 09 F0 50 49 4E 43 41 52 44 01", // AID
		"50 03 414243",                     // Label "ABC"
		"A5 09 C1 01 02 C2 01 03 C3 01 05", // PIN status template
		"9F02 01 AA",                       // Custom type
		"DF01 01 BB",                       // Unknown tag
	)

	var result selectResponse
	if err := Unmarshal(rawData, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if got := hex.EncodeToString(result.AID); got != "f050494e4341524401" {
		t.Errorf("AID = %s", got)
	}
	if result.Label != "414243" {
		t.Errorf("Label = %s, want 414243", result.Label)
	}
	if result.Status.Remaining != 2 || result.Status.Max != 3 {
		t.Errorf("Status = %+v, want remaining 2 of 3", result.Status)
	}
	if hex.EncodeToString(result.Status.Flags) != "05" {
		t.Errorf("Flags = %x, want 05", result.Status.Flags)
	}
	if result.Custom.Val != "custom:aa" {
		t.Errorf("Custom = %s, want custom:aa", result.Custom.Val)
	}
	if len(result.Other) != 1 || strings.ToUpper(result.Other[0].Tag) != "DF01" {
		t.Errorf("Unknown tag DF01 not captured: %+v", result.Other)
	}
}

type keyRefs struct {
	Refs  [][]byte `tlv:"83"`
	Usage uint8    `tlv:"95,required"`
}

func TestUnmarshal_RepeatedTagCollects(t *testing.T) {
	var got keyRefs
	if err := Unmarshal(Hex("83 01 01 95 01 40 83 02 0203"), &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	want := keyRefs{Refs: [][]byte{{0x01}, {0x02, 0x03}}, Usage: 0x40}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

type strictStatus struct {
	Remaining uint8 `tlv:"C1,required"`
	Max       uint8 `tlv:"c2"`
}

type strictResponse struct {
	Status *strictStatus `tlv:"A5,required"`
}

func TestUnmarshal_Required(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"Complete", Hex("A5 06 C1 01 03 C2 01 05"), nil},
		{"Optional child missing", Hex("A5 03 C1 01 03"), nil},
		{"Template missing", Hex("84 01 00"), ErrMissingTag},
		{"Required child missing", Hex("A5 03 C2 01 05"), ErrMissingTag},
		{"Empty template", Hex("A5 00"), ErrMissingTag},
		{"Repeated single-valued tag", Hex("A5 06 C1 01 03 C1 01 04"), ErrDuplicateTag},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got strictResponse
			err := Unmarshal(tt.input, &got)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
			if err == nil && got.Status.Remaining != 3 {
				t.Errorf("Remaining = %d, want 3", got.Status.Remaining)
			}
		})
	}
}

func TestUnmarshalErrors(t *testing.T) {
	t.Run("Non-pointer target", func(t *testing.T) {
		err := Unmarshal([]byte{0x84, 0x00}, selectResponse{})
		if err == nil || !strings.Contains(err.Error(), "pointer") {
			t.Errorf("Expected pointer error, got %v", err)
		}
	})

	t.Run("Integer overflow", func(t *testing.T) {
		var s pinStatus
		err := Unmarshal(Hex("C1 02 0102"), &s)
		if err == nil || !strings.Contains(strings.ToUpper(err.Error()), "C1") {
			t.Errorf("Expected overflow error on C1, got %v", err)
		}
	})

	t.Run("Truncated input", func(t *testing.T) {
		var s pinStatus
		if err := Unmarshal(Hex("C1 05 01"), &s); err == nil {
			t.Error("Expected decode error, got nil")
		}
	})
}
