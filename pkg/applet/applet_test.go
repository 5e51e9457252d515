package applet

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gregLibert/pincard/pkg/iso7816"
	"github.com/gregLibert/pincard/pkg/tlv"
)

var (
	hostKeysOnce sync.Once
	hostKeys     [2]*rsa.PrivateKey
)

// hostKey returns one of two cached 1024-bit host keys.
func hostKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	hostKeysOnce.Do(func() {
		for j := range hostKeys {
			k, err := rsa.GenerateKey(rand.Reader, KeyBits)
			if err != nil {
				panic(err)
			}
			hostKeys[j] = k
		}
	})
	return hostKeys[i]
}

func command(ins iso7816.InsCode, data []byte) *iso7816.CommandAPDU {
	return iso7816.NewCommandAPDU(iso7816.MustClass(CLA), iso7816.MustInstruction(ins), 0x00, 0x00, data, 0)
}

func run(t *testing.T, a *Applet, ins iso7816.InsCode, data []byte) *iso7816.ResponseAPDU {
	t.Helper()
	return a.Process(command(ins, data))
}

func expectSW(t *testing.T, resp *iso7816.ResponseAPDU, want iso7816.StatusWord) {
	t.Helper()
	if resp.Status != want {
		t.Fatalf("SW = %s, want %s", resp.Status, want)
	}
}

// selected returns a freshly selected applet with a keypair.
func selected(t *testing.T, opts ...Option) *Applet {
	t.Helper()
	a := New(opts...)
	a.Select()
	expectSW(t, run(t, a, INS_GENERATE_KEY_PAIR, nil), iso7816.SW_NO_ERROR)
	return a
}

func ownPublic(a *Applet) *rsa.PublicKey {
	return &a.Snapshot().Persistent.Own.PublicKey
}

func encryptFor(t *testing.T, pub *rsa.PublicKey, msg []byte) []byte {
	t.Helper()
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, msg)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return ct
}

func verify(t *testing.T, a *Applet, pin []byte) *iso7816.ResponseAPDU {
	t.Helper()
	return run(t, a, INS_VERIFY_PIN, encryptFor(t, ownPublic(a), pin))
}

func uploadPeer(t *testing.T, a *Applet, pub *rsa.PublicKey) *iso7816.ResponseAPDU {
	t.Helper()
	expectSW(t, run(t, a, INS_SET_PEER_MODULUS, pub.N.FillBytes(make([]byte, ModulusSize))), iso7816.SW_NO_ERROR)
	return run(t, a, INS_SET_PEER_EXPONENT_AND_WRAP, big.NewInt(int64(pub.E)).FillBytes(make([]byte, ModulusSize)))
}

func TestSelect_FCI(t *testing.T) {
	a := New()

	fci, err := ParseFCI(a.Select())
	if err != nil {
		t.Fatalf("ParseFCI: %v", err)
	}
	want := FCITemplate{
		AID:         DefaultAID,
		Proprietary: Proprietary{Remaining: MaxTries, Max: MaxTries},
	}
	if diff := cmp.Diff(want, fci.Template); diff != "" {
		t.Errorf("FCI mismatch (-want +got):\n%s", diff)
	}

	expectSW(t, run(t, a, INS_GENERATE_KEY_PAIR, nil), iso7816.SW_NO_ERROR)
	fci, err = ParseFCI(a.Select())
	if err != nil {
		t.Fatalf("ParseFCI: %v", err)
	}
	if !fci.Template.Proprietary.Has(FlagKeyPair) || fci.Template.Proprietary.Has(FlagSecret) {
		t.Errorf("flags = %08b, want only key pair", fci.Template.Proprietary.Flags)
	}
}

func TestSelect_RawEncoding(t *testing.T) {
	a := New(WithAID(tlv.Hex("F0 01 02")))
	want := tlv.Hex(
		"6F 10",
		"84 03 F00102",
		"A5 09 C1 01 05 C2 01 05 C3 01 00",
	)
	if diff := cmp.Diff(want, a.Select()); diff != "" {
		t.Errorf("FCI bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestFCI_Describe(t *testing.T) {
	fci, err := ParseFCI(tlv.Hex(
		"6F 16",
		"84 09 F050494E4341524401",
		"A5 09 C1 01 00 C2 01 05 C3 01 0D",
	))
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	expectedLines := []string{
		"=== PINCARD APPLET FCI ===",
		`    - FCI.AID (84): F050494E4341524401 (".PINCARD.")`,
		"    - FCI.Proprietary.Remaining (C1): 0",
		"    - FCI.Proprietary.Max (C2): 5",
		"    - FCI.Proprietary.Flags (C3): 13",
		"    - State: key pair, secret, PIN blocked",
	}
	if diff := cmp.Diff(expectedLines, strings.Split(fci.Describe(), "\n")); diff != "" {
		t.Errorf("Report mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFCI_Incomplete(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"No template", tlv.Hex("84 02 F001")},
		{"No AID", tlv.Hex("6F 0B A5 09 C1 01 00 C2 01 05 C3 01 00")},
		{"No flags", tlv.Hex("6F 0C 84 02 F001 A5 06 C1 01 00 C2 01 05")},
		{"Flags too wide", tlv.Hex("6F 10 84 02 F001 A5 0A C1 01 00 C2 01 05 C3 02 0001")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseFCI(tt.input); err == nil {
				t.Error("incomplete FCI accepted")
			}
		})
	}
}

func TestDispatch_Preconditions(t *testing.T) {
	block := make([]byte, ModulusSize)

	tests := []struct {
		name string
		cmd  *iso7816.CommandAPDU
		want iso7816.StatusWord
	}{
		{
			name: "Interindustry class",
			cmd:  iso7816.NewCommandAPDU(iso7816.InterindustryClass, iso7816.MustInstruction(INS_GENERATE_KEY_PAIR), 0, 0, nil, 0),
			want: SWClassNotSupported,
		},
		{
			name: "Unknown instruction",
			cmd:  command(0x56, nil),
			want: SWInstructionNotSupported,
		},
		{
			name: "Exponent without keypair",
			cmd:  command(INS_RETURN_PUBLIC_EXPONENT, nil),
			want: SWConditionsNotSatisfied,
		},
		{
			name: "Verify without keypair",
			cmd:  command(INS_VERIFY_PIN, block),
			want: SWConditionsNotSatisfied,
		},
		{
			name: "Change PIN unauthenticated",
			cmd:  command(INS_CHANGE_PIN, block),
			want: SWPINRequired,
		},
		{
			name: "Generate secret unauthenticated",
			cmd:  command(INS_GENERATE_SECRET, nil),
			want: SWPINRequired,
		},
		{
			name: "Peer modulus unauthenticated",
			cmd:  command(INS_SET_PEER_MODULUS, block),
			want: SWPINRequired,
		},
		{
			name: "Peer exponent unauthenticated",
			cmd:  command(INS_SET_PEER_EXPONENT_AND_WRAP, block),
			want: SWPINRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			a.Select()
			resp := a.Process(tt.cmd)
			expectSW(t, resp, tt.want)
			if len(resp.Data) != 0 {
				t.Errorf("error response carries %d data bytes", len(resp.Data))
			}
		})
	}
}

func TestGenerateKeyPair_ReturnPublicExponent(t *testing.T) {
	a := New()
	a.Select()

	resp := run(t, a, INS_GENERATE_KEY_PAIR, nil)
	expectSW(t, resp, iso7816.SW_NO_ERROR)
	if len(resp.Data) != ModulusSize {
		t.Fatalf("modulus length = %d, want %d", len(resp.Data), ModulusSize)
	}
	if !bytes.Equal(resp.Data, ownPublic(a).N.Bytes()) {
		t.Error("returned modulus does not match the stored key")
	}

	resp = run(t, a, INS_RETURN_PUBLIC_EXPONENT, nil)
	expectSW(t, resp, iso7816.SW_NO_ERROR)
	if len(resp.Data) != ModulusSize {
		t.Fatalf("exponent field length = %d, want %d", len(resp.Data), ModulusSize)
	}
	if e := new(big.Int).SetBytes(resp.Data).Int64(); e != int64(ownPublic(a).E) {
		t.Errorf("exponent = %d, want %d", e, ownPublic(a).E)
	}

	first := ownPublic(a).N
	run(t, a, INS_GENERATE_KEY_PAIR, nil)
	if ownPublic(a).N.Cmp(first) == 0 {
		t.Error("regeneration kept the old modulus")
	}
}

func TestVerifyPIN_RoundTrip(t *testing.T) {
	for _, pin := range [][]byte{{0, 0, 0, 0}, {9, 9, 9, 9}, {0xFF, 0x00, 0x7F, 0x80}} {
		a := selected(t, WithPIN(pin))
		expectSW(t, verify(t, a, pin), iso7816.SW_NO_ERROR)
		if !a.Snapshot().Session.Validated {
			t.Errorf("PIN %x: session not validated", pin)
		}
	}
}

func TestVerifyPIN_BadPINCountsDownAndBlocks(t *testing.T) {
	a := selected(t)

	for i := 1; i <= MaxTries; i++ {
		resp := verify(t, a, []byte{4, 3, 2, 1})
		want := SWBadPIN(MaxTries - i)
		expectSW(t, resp, want)
		if got := a.Snapshot().Persistent.Tries; int(got) != MaxTries-i {
			t.Fatalf("after %d failures tries = %d", i, got)
		}
	}

	// Blocked: even the right PIN is refused and the counter stays at zero.
	for i := 0; i < 2; i++ {
		expectSW(t, verify(t, a, DefaultPIN), SWCommandNotAllowed)
		if got := a.Snapshot().Persistent.Tries; got != 0 {
			t.Fatalf("blocked counter = %d", got)
		}
	}

	fci, err := ParseFCI(a.Select())
	if err != nil {
		t.Fatal(err)
	}
	if !fci.Template.Proprietary.Has(FlagBlocked) {
		t.Error("FCI does not report the blocked PIN")
	}
}

func TestVerifyPIN_SuccessResetsTries(t *testing.T) {
	a := selected(t)

	verify(t, a, []byte{0, 0, 0, 0})
	verify(t, a, []byte{0, 0, 0, 0})
	if got := a.Snapshot().Persistent.Tries; got != MaxTries-2 {
		t.Fatalf("tries = %d, want %d", got, MaxTries-2)
	}

	expectSW(t, verify(t, a, DefaultPIN), iso7816.SW_NO_ERROR)
	if got := a.Snapshot().Persistent.Tries; got != MaxTries {
		t.Errorf("tries = %d, want %d", got, MaxTries)
	}
}

func TestVerifyPIN_Malformed(t *testing.T) {
	a := selected(t)

	// Wrong block size is a caller bug and does not cost a try.
	expectSW(t, run(t, a, INS_VERIFY_PIN, make([]byte, ModulusSize-1)), SWWrongLength)
	if got := a.Snapshot().Persistent.Tries; got != MaxTries {
		t.Errorf("wrong length consumed a try: %d", got)
	}

	// Garbage of the right size does.
	expectSW(t, run(t, a, INS_VERIFY_PIN, make([]byte, ModulusSize)), SWBadPIN(MaxTries-1))

	// So does a well-formed block holding a PIN of the wrong size.
	expectSW(t, verify(t, a, []byte{1, 2, 3, 4, 5}), SWBadPIN(MaxTries-2))

	// And a PIN encrypted under a key the applet no longer holds.
	stale := ownPublic(a)
	run(t, a, INS_GENERATE_KEY_PAIR, nil)
	expectSW(t, run(t, a, INS_VERIFY_PIN, encryptFor(t, stale, DefaultPIN)), SWBadPIN(MaxTries-3))
}

func TestChangePIN(t *testing.T) {
	newPIN := []byte{5, 6, 7, 8}

	t.Run("Requires validation", func(t *testing.T) {
		a := selected(t)
		expectSW(t, run(t, a, INS_CHANGE_PIN, encryptFor(t, ownPublic(a), newPIN)), SWPINRequired)
		if !bytes.Equal(a.Snapshot().Persistent.PIN, DefaultPIN) {
			t.Error("stored PIN altered without validation")
		}
	})

	t.Run("Verify after change", func(t *testing.T) {
		a := selected(t)
		expectSW(t, verify(t, a, DefaultPIN), iso7816.SW_NO_ERROR)
		expectSW(t, run(t, a, INS_CHANGE_PIN, encryptFor(t, ownPublic(a), newPIN)), iso7816.SW_NO_ERROR)

		a.Select()
		expectSW(t, verify(t, a, DefaultPIN), SWBadPIN(MaxTries-1))
		expectSW(t, verify(t, a, newPIN), iso7816.SW_NO_ERROR)
	})

	t.Run("Wrong sizes", func(t *testing.T) {
		a := selected(t)
		expectSW(t, verify(t, a, DefaultPIN), iso7816.SW_NO_ERROR)
		expectSW(t, run(t, a, INS_CHANGE_PIN, make([]byte, 16)), SWWrongLength)
		expectSW(t, run(t, a, INS_CHANGE_PIN, encryptFor(t, ownPublic(a), []byte{1, 2, 3})), SWWrongLength)
		expectSW(t, run(t, a, INS_CHANGE_PIN, make([]byte, ModulusSize)), SWWrongData)
		if !bytes.Equal(a.Snapshot().Persistent.PIN, DefaultPIN) {
			t.Error("stored PIN altered by a rejected change")
		}
	})
}

func TestGenerateSecret_OneShot(t *testing.T) {
	a := selected(t)
	expectSW(t, verify(t, a, DefaultPIN), iso7816.SW_NO_ERROR)

	expectSW(t, run(t, a, INS_GENERATE_SECRET, nil), iso7816.SW_NO_ERROR)
	secret := a.Snapshot().Persistent.Secret
	if len(secret) != SecretSize {
		t.Fatalf("secret length = %d", len(secret))
	}

	expectSW(t, run(t, a, INS_GENERATE_SECRET, nil), SWCommandNotAllowed)
	if !bytes.Equal(secret, a.Snapshot().Persistent.Secret) {
		t.Error("second GenerateSecret replaced the secret")
	}
}

func TestPeerKey_ExponentBeforeModulus(t *testing.T) {
	a := selected(t)
	expectSW(t, verify(t, a, DefaultPIN), iso7816.SW_NO_ERROR)

	exp := big.NewInt(65537).FillBytes(make([]byte, ModulusSize))
	expectSW(t, run(t, a, INS_SET_PEER_EXPONENT_AND_WRAP, exp), SWConditionsNotSatisfied)
}

func TestPeerKey_PayloadLength(t *testing.T) {
	a := selected(t)
	expectSW(t, verify(t, a, DefaultPIN), iso7816.SW_NO_ERROR)
	pub := &hostKey(t, 0).PublicKey
	modulus := pub.N.FillBytes(make([]byte, ModulusSize))

	for _, n := range []int{0, 1, 64, ModulusSize - 1, ModulusSize + 1, 255} {
		payload := bytes.Repeat([]byte{0x01}, n)
		expectSW(t, run(t, a, INS_SET_PEER_MODULUS, payload), SWWrongLength)

		expectSW(t, run(t, a, INS_SET_PEER_MODULUS, modulus), iso7816.SW_NO_ERROR)
		expectSW(t, run(t, a, INS_SET_PEER_EXPONENT_AND_WRAP, payload), SWWrongLength)
	}
}

func TestPeerKey_WrongData(t *testing.T) {
	a := selected(t)
	expectSW(t, verify(t, a, DefaultPIN), iso7816.SW_NO_ERROR)

	even := bytes.Repeat([]byte{0xFE}, ModulusSize)
	expectSW(t, run(t, a, INS_SET_PEER_MODULUS, even), SWWrongData)

	short := append([]byte{0x00}, bytes.Repeat([]byte{0xFF}, ModulusSize-1)...)
	expectSW(t, run(t, a, INS_SET_PEER_MODULUS, short), SWWrongData)

	modulus := hostKey(t, 0).PublicKey.N.FillBytes(make([]byte, ModulusSize))
	expectSW(t, run(t, a, INS_SET_PEER_MODULUS, modulus), iso7816.SW_NO_ERROR)
	for _, e := range []int64{0, 1, 4, 65536} {
		field := big.NewInt(e).FillBytes(make([]byte, ModulusSize))
		expectSW(t, run(t, a, INS_SET_PEER_EXPONENT_AND_WRAP, field), SWWrongData)
	}
	if a.Snapshot().Persistent.Secret != nil {
		t.Error("rejected exponent generated a secret")
	}
}

func TestWrapSecret_StableAcrossHostKeys(t *testing.T) {
	a := selected(t)
	expectSW(t, verify(t, a, DefaultPIN), iso7816.SW_NO_ERROR)

	var unwrapped [2][]byte
	for i := range unwrapped {
		host := hostKey(t, i)
		resp := uploadPeer(t, a, &host.PublicKey)
		expectSW(t, resp, iso7816.SW_NO_ERROR)
		if len(resp.Data) != ModulusSize {
			t.Fatalf("wrapped length = %d", len(resp.Data))
		}
		secret, err := rsa.DecryptPKCS1v15(nil, host, resp.Data)
		if err != nil {
			t.Fatalf("unwrap with host key %d: %v", i, err)
		}
		unwrapped[i] = secret
	}

	if len(unwrapped[0]) != SecretSize {
		t.Fatalf("secret length = %d", len(unwrapped[0]))
	}
	if !bytes.Equal(unwrapped[0], unwrapped[1]) {
		t.Error("secret changed between wraps")
	}
}

func TestPersistenceBoundary(t *testing.T) {
	a := selected(t)
	expectSW(t, verify(t, a, DefaultPIN), iso7816.SW_NO_ERROR)
	expectSW(t, uploadPeer(t, a, &hostKey(t, 0).PublicKey), iso7816.SW_NO_ERROR)
	before := a.Snapshot().Persistent

	a.Deselect()
	after := a.Snapshot()
	if after.Session.Validated {
		t.Error("deselection kept the PIN validation")
	}
	if !after.Persistent.Own.Equal(before.Own) || !bytes.Equal(after.Persistent.Secret, before.Secret) {
		t.Error("deselection touched persistent state")
	}
	if after.Persistent.Peer.N.Cmp(before.Peer.N) != 0 || after.Persistent.Peer.E != before.Peer.E {
		t.Error("deselection dropped the peer key")
	}

	a.Select()
	expectSW(t, run(t, a, INS_GENERATE_SECRET, nil), SWPINRequired)
	expectSW(t, run(t, a, INS_RETURN_PUBLIC_EXPONENT, nil), iso7816.SW_NO_ERROR)
}

func TestSnapshot_IsDetached(t *testing.T) {
	a := selected(t)
	expectSW(t, verify(t, a, DefaultPIN), iso7816.SW_NO_ERROR)
	expectSW(t, uploadPeer(t, a, &hostKey(t, 0).PublicKey), iso7816.SW_NO_ERROR)

	snap := a.Snapshot()
	snap.Persistent.Own.D.SetInt64(3)
	snap.Persistent.Own.N.SetInt64(5)
	snap.Persistent.Peer.N.SetInt64(7)
	snap.Persistent.PIN[0] = 9
	snap.Persistent.Secret[0] ^= 0xFF

	live := a.Snapshot().Persistent
	if live.Own == snap.Persistent.Own || live.Own.D.Cmp(big.NewInt(3)) == 0 || live.Own.N.Cmp(big.NewInt(5)) == 0 {
		t.Error("snapshot shares the own key with the applet")
	}
	if live.Peer.N.Cmp(big.NewInt(7)) == 0 {
		t.Error("snapshot shares the peer key with the applet")
	}
	if live.PIN[0] == 9 || live.Secret[0] == snap.Persistent.Secret[0] {
		t.Error("snapshot shares PIN or secret bytes with the applet")
	}

	// The applet still decrypts with its untouched key.
	a.Deselect()
	a.Select()
	expectSW(t, verify(t, a, DefaultPIN), iso7816.SW_NO_ERROR)
}

func TestImage_Restore(t *testing.T) {
	a := selected(t)
	expectSW(t, verify(t, a, DefaultPIN), iso7816.SW_NO_ERROR)
	expectSW(t, uploadPeer(t, a, &hostKey(t, 0).PublicKey), iso7816.SW_NO_ERROR)
	verify(t, a, []byte{0, 0, 0, 0})

	img := a.Image()
	state, err := img.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	b := New(WithState(state))

	got, want := b.Snapshot(), a.Snapshot()
	if got.Session.Validated {
		t.Error("restored applet starts validated")
	}
	if got.Persistent.Tries != want.Persistent.Tries || !bytes.Equal(got.Persistent.PIN, want.Persistent.PIN) {
		t.Errorf("PIN object = %x/%d, want %x/%d", got.Persistent.PIN, got.Persistent.Tries, want.Persistent.PIN, want.Persistent.Tries)
	}
	if !got.Persistent.Own.Equal(want.Persistent.Own) {
		t.Error("own key not restored")
	}
	if !got.Persistent.Peer.Equal(want.Persistent.Peer) {
		t.Error("peer key not restored")
	}
	if !bytes.Equal(got.Persistent.Secret, want.Persistent.Secret) {
		t.Error("secret not restored")
	}
}

func TestImage_StateErrors(t *testing.T) {
	tests := []struct {
		name string
		img  Image
	}{
		{"Short PIN", Image{PIN: []byte{1, 2}, Tries: 1}},
		{"Counter overflow", Image{PIN: DefaultPIN, Tries: MaxTries + 1}},
		{"Bad secret", Image{PIN: DefaultPIN, Tries: 1, Secret: []byte{1}}},
		{"Bad key", Image{PIN: DefaultPIN, Tries: 1, OwnKey: []byte{0x30, 0x00}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.img.State(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestInstructionName(t *testing.T) {
	if got := InstructionName(INS_SET_PEER_EXPONENT_AND_WRAP); got != "SetPeerExponentAndWrapSecret" {
		t.Errorf("got %q", got)
	}
	if got := InstructionName(0xB0); got != "InsCode(0xB0)" {
		t.Errorf("got %q", got)
	}
}
