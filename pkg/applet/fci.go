package applet

import (
	"strings"

	"github.com/gregLibert/pincard/pkg/bits"
	"github.com/gregLibert/pincard/pkg/tlv"
)

// FCI is the File Control Information template returned on SELECT:
//
//	6F  FCI template
//	    84  DF name (AID)
//	    A5  proprietary template
//	        C1  remaining PIN tries
//	        C2  maximum PIN tries
//	        C3  state flags (see Flag*)
type FCI struct {
	Template FCITemplate `tlv:"6F,required"`
}

// FCITemplate is the content of tag 6F.
type FCITemplate struct {
	AID         []byte      `tlv:"84,required" fmt:"ascii"`
	Proprietary Proprietary `tlv:"A5,required"`
}

// Proprietary is the content of tag A5.
type Proprietary struct {
	Remaining uint8 `tlv:"C1,required"`
	Max       uint8 `tlv:"C2,required"`
	Flags     uint8 `tlv:"C3,required"`
}

// State flag bits in tag C3 (1-based).
const (
	FlagKeyPair     = 1
	FlagPeerModulus = 2
	FlagSecret      = 3
	FlagBlocked     = 4
)

// Has reports whether flag bit n is set.
func (p Proprietary) Has(n uint) bool {
	return bits.IsSet(p.Flags, n)
}

var flagNames = []struct {
	bit  uint
	name string
}{
	{FlagKeyPair, "key pair"},
	{FlagPeerModulus, "peer modulus"},
	{FlagSecret, "secret"},
	{FlagBlocked, "PIN blocked"},
}

// States lists the names of the raised flags.
func (p Proprietary) States() []string {
	var out []string
	for _, f := range flagNames {
		if p.Has(f.bit) {
			out = append(out, f.name)
		}
	}
	return out
}

// Describe generates a report of the FCI content.
func (f *FCI) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== PINCARD APPLET FCI ===")

	tlv.WriteStructFields(&sb, "FCI", f.Template)

	states := f.Template.Proprietary.States()
	if len(states) == 0 {
		states = []string{"none"}
	}
	sb.WriteString("\n    - State: " + strings.Join(states, ", "))
	return sb.String()
}

// ParseFCI decodes the data returned by a SELECT of the applet.
func ParseFCI(data []byte) (*FCI, error) {
	var fci FCI
	if err := tlv.Unmarshal(data, &fci); err != nil {
		return nil, err
	}
	return &fci, nil
}

// fci is called with the lock held.
func (a *Applet) fci() []byte {
	p := &a.state.Persistent

	var flags byte
	flags = bits.SetIf(flags, FlagKeyPair, p.Own != nil)
	flags = bits.SetIf(flags, FlagPeerModulus, p.Peer != nil)
	flags = bits.SetIf(flags, FlagSecret, p.Secret != nil)
	flags = bits.SetIf(flags, FlagBlocked, p.Blocked())

	raw, err := tlv.Marshal(FCI{Template: FCITemplate{
		AID:         a.aid,
		Proprietary: Proprietary{Remaining: p.Tries, Max: MaxTries, Flags: flags},
	}})
	if err != nil {
		// The template only holds byte slices and small integers.
		panic(err)
	}
	return raw
}
