// Package applet implements the on-card side of the PIN authentication and
// session-key protocol: a status-word returning dispatcher over an explicit
// State, with no process-wide instance.
//
// Commands travel under the proprietary class CLA and are gated as follows:
//
//	INS  command                        precondition
//	46   GenerateKeyPair                none
//	48   ReturnPublicExponent           keypair exists
//	20   VerifyPin                      keypair exists, tries left
//	24   ChangePin                      PIN validated
//	50   GenerateSecret                 PIN validated, no secret yet
//	52   SetPeerModulus                 PIN validated
//	54   SetPeerExponentAndWrapSecret   PIN validated, peer modulus set
//
// The PIN and the secret never leave the applet in clear: the PIN arrives
// encrypted under the applet's own RSA key and the secret leaves encrypted
// under the imported peer key.
package applet

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gregLibert/pincard/internal/logging"
	"github.com/gregLibert/pincard/pkg/iso7816"
)

// CLA is the proprietary class byte of the applet command set.
const CLA byte = 0x80

// Applet instruction codes.
const (
	INS_VERIFY_PIN                 iso7816.InsCode = iso7816.INS_VERIFY
	INS_CHANGE_PIN                 iso7816.InsCode = iso7816.INS_CHANGE_REFERENCE_DATA
	INS_GENERATE_KEY_PAIR          iso7816.InsCode = iso7816.INS_GENERATE_ASYMMETRIC_KEY_PAIR
	INS_RETURN_PUBLIC_EXPONENT     iso7816.InsCode = 0x48
	INS_GENERATE_SECRET            iso7816.InsCode = 0x50
	INS_SET_PEER_MODULUS           iso7816.InsCode = 0x52
	INS_SET_PEER_EXPONENT_AND_WRAP iso7816.InsCode = 0x54
)

// Protocol sizes.
const (
	PINLength   = 4
	MaxTries    = 5
	KeyBits     = 1024
	ModulusSize = KeyBits / 8
	SecretSize  = 16
)

// DefaultAID addresses the applet in SELECT (F0 "PINCARD" 01).
var DefaultAID = []byte{0xF0, 0x50, 0x49, 0x4E, 0x43, 0x41, 0x52, 0x44, 0x01}

// DefaultPIN is installed when no PIN option is given.
var DefaultPIN = []byte{1, 2, 3, 4}

var insNames = map[iso7816.InsCode]string{
	INS_VERIFY_PIN:                 "VerifyPin",
	INS_CHANGE_PIN:                 "ChangePin",
	INS_GENERATE_KEY_PAIR:          "GenerateKeyPair",
	INS_RETURN_PUBLIC_EXPONENT:     "ReturnPublicExponent",
	INS_GENERATE_SECRET:            "GenerateSecret",
	INS_SET_PEER_MODULUS:           "SetPeerModulus",
	INS_SET_PEER_EXPONENT_AND_WRAP: "SetPeerExponentAndWrapSecret",
}

// InstructionName names an applet instruction for logs and errors.
func InstructionName(ins iso7816.InsCode) string {
	if name, ok := insNames[ins]; ok {
		return name
	}
	return ins.String()
}

// Applet is one installed instance. It is safe for concurrent use, though
// the card runtime only ever issues one command at a time.
type Applet struct {
	mu    sync.Mutex
	aid   []byte
	state State
	rand  io.Reader
	log   *slog.Logger
}

// Option configures an Applet.
type Option func(*Applet)

// WithAID overrides DefaultAID.
func WithAID(aid []byte) Option {
	return func(a *Applet) { a.aid = bytes.Clone(aid) }
}

// WithPIN installs an initial PIN instead of DefaultPIN.
func WithPIN(pin []byte) Option {
	return func(a *Applet) { a.state.Persistent.PIN = bytes.Clone(pin) }
}

// WithRand sets the entropy source for key and secret generation.
func WithRand(r io.Reader) Option {
	return func(a *Applet) { a.rand = r }
}

// WithLogger sets the logger. Only instruction names and status words are
// logged.
func WithLogger(l *slog.Logger) Option {
	return func(a *Applet) { a.log = l }
}

// WithState installs a previously saved state, typically restored from an
// Image. The session part is always cleared.
func WithState(s State) Option {
	return func(a *Applet) {
		a.state = s
		a.state.Session = Session{}
	}
}

// New installs a fresh applet: default PIN, full try counter, no keys and
// no secret.
func New(opts ...Option) *Applet {
	a := &Applet{
		aid:  bytes.Clone(DefaultAID),
		rand: rand.Reader,
		state: State{Persistent: Persistent{
			PIN:   bytes.Clone(DefaultPIN),
			Tries: MaxTries,
		}},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logging.OrDiscard(a.log).With("aid", fmt.Sprintf("%X", a.aid))
	return a
}

// AID returns the application identifier the applet answers to.
func (a *Applet) AID() []byte {
	return bytes.Clone(a.aid)
}

// Matches reports whether aid selects this applet.
func (a *Applet) Matches(aid []byte) bool {
	return bytes.Equal(a.aid, aid)
}

// Select opens a new session and returns the FCI template. Any previous
// PIN validation is dropped.
func (a *Applet) Select() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state.Session = Session{}
	a.log.Debug("selected", "tries", a.state.Persistent.Tries)
	return a.fci()
}

// Deselect closes the current session. Persistent state is untouched.
func (a *Applet) Deselect() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state.Session = Session{}
}

// Process executes one command addressed to the selected applet.
func (a *Applet) Process(cmd *iso7816.CommandAPDU) *iso7816.ResponseAPDU {
	a.mu.Lock()
	defer a.mu.Unlock()

	resp := a.dispatch(cmd)
	a.log.Debug("command",
		"ins", InstructionName(cmd.Instruction.Raw),
		"lc", len(cmd.Data),
		"sw", resp.Status.String(),
		"len", len(resp.Data))
	return resp
}

func (a *Applet) dispatch(cmd *iso7816.CommandAPDU) *iso7816.ResponseAPDU {
	if cmd.Class.Raw != CLA {
		return status(iso7816.SW_ERR_CLA_NOT_SUPPORTED)
	}

	switch cmd.Instruction.Raw {
	case INS_GENERATE_KEY_PAIR:
		return a.generateKeyPair()
	case INS_RETURN_PUBLIC_EXPONENT:
		return a.returnPublicExponent()
	case INS_VERIFY_PIN:
		return a.verifyPIN(cmd.Data)
	case INS_CHANGE_PIN:
		return a.changePIN(cmd.Data)
	case INS_GENERATE_SECRET:
		return a.generateSecret()
	case INS_SET_PEER_MODULUS:
		return a.setPeerModulus(cmd.Data)
	case INS_SET_PEER_EXPONENT_AND_WRAP:
		return a.setPeerExponentAndWrap(cmd.Data)
	default:
		return status(iso7816.SW_ERR_INS_INVALID)
	}
}

// Snapshot returns a deep copy of the current state, keys included.
func (a *Applet) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state.clone()
}

func status(sw iso7816.StatusWord) *iso7816.ResponseAPDU {
	return iso7816.NewResponseAPDU(nil, sw)
}

func ok(data []byte) *iso7816.ResponseAPDU {
	return iso7816.NewResponseAPDU(data, iso7816.SW_NO_ERROR)
}
