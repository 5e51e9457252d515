// Package pinauth drives the PIN authentication and session-key protocol
// from the host. A Session owns one card channel: it selects the applet,
// imports the card public key, submits PINs encrypted under that key and
// unwraps the card secret with the host private key.
//
// Commands are issued strictly one at a time. An exchange cut by a timeout
// or a card removal breaks the session: every later call fails with
// ErrSessionBroken until the caller opens a new one.
package pinauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"github.com/gregLibert/pincard/internal/logging"
	"github.com/gregLibert/pincard/pkg/applet"
	"github.com/gregLibert/pincard/pkg/bits"
	"github.com/gregLibert/pincard/pkg/iso7816"
	"github.com/gregLibert/pincard/pkg/transport"
)

// Session is an open, selected applet. It is safe for concurrent use;
// calls are serialised.
type Session struct {
	mu sync.Mutex
	t  *transport.Transport

	id     uuid.UUID
	aid    []byte
	filter string
	rand   io.Reader
	log    *slog.Logger

	info          applet.FCI
	authenticated bool
	remaining     int
	broken        error
	closed        bool
}

// Option configures Open.
type Option func(*Session)

// WithAID selects an applet other than applet.DefaultAID.
func WithAID(aid []byte) Option {
	return func(s *Session) { s.aid = bytes.Clone(aid) }
}

// WithReader restricts the connection to readers whose name contains
// substr. It only matters when the transport is not connected yet.
func WithReader(substr string) Option {
	return func(s *Session) { s.filter = substr }
}

// WithLogger sets the logger. Records carry the session id.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithRand sets the randomness used for PKCS#1 v1.5 padding.
func WithRand(r io.Reader) Option {
	return func(s *Session) { s.rand = r }
}

// Open connects t when needed and selects the applet. The session claims t
// until Close, which disconnects it. Opening a second session on a claimed
// transport fails with transport.ErrInUse, since its SELECT would silently
// end the first session's PIN validation.
func Open(ctx context.Context, t *transport.Transport, opts ...Option) (*Session, error) {
	if err := t.Claim(); err != nil {
		return nil, err
	}
	s, err := open(ctx, t, opts...)
	if err != nil {
		t.Release()
		return nil, err
	}
	return s, nil
}

func open(ctx context.Context, t *transport.Transport, opts ...Option) (*Session, error) {
	s := &Session{
		t:    t,
		id:   uuid.New(),
		aid:  bytes.Clone(applet.DefaultAID),
		rand: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.OrDiscard(s.log).With("session", s.id.String())

	if !t.Connected() {
		readers, err := t.DiscoverReaders()
		if err != nil {
			return nil, err
		}
		if err := t.Connect(transport.FilterReaders(readers, s.filter)); err != nil {
			return nil, err
		}
	}
	s.log.Debug("session opened", "reader", t.Reader())

	if err := s.selectApplet(ctx); err != nil {
		_ = t.Disconnect()
		return nil, err
	}
	return s, nil
}

func (s *Session) selectApplet(ctx context.Context) error {
	resp, err := s.t.Exchange(ctx, iso7816.SelectByAID(s.aid))
	if err != nil {
		return fmt.Errorf("select %X: %w", s.aid, err)
	}
	if !resp.Status.IsSuccess() {
		return &StatusError{Ins: iso7816.INS_SELECT, SW: resp.Status}
	}

	fci, err := applet.ParseFCI(resp.Data)
	if err != nil {
		return fmt.Errorf("select %X: %w: %w", s.aid, ErrUnexpectedData, err)
	}
	s.info = *fci
	s.remaining = int(fci.Template.Proprietary.Remaining)
	s.log.Debug("applet selected", "remaining", s.remaining, "flags", fmt.Sprintf("%08b", fci.Template.Proprietary.Flags))
	return nil
}

// ID returns the session correlation id.
func (s *Session) ID() string {
	return s.id.String()
}

// Info returns the FCI read on selection, with the state flags kept up to
// date by the calls made through this session.
func (s *Session) Info() applet.FCI {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := s.info
	info.Template.AID = bytes.Clone(info.Template.AID)
	info.Template.Proprietary.Remaining = uint8(s.remaining)
	return info
}

// RemainingTries returns the try counter as last reported by the card.
func (s *Session) RemainingTries() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remaining
}

// Authenticated reports whether a VerifyPIN succeeded in this session.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.authenticated
}

// Close disconnects the card. The reset ends the applet selection, so the
// PIN has to be verified again in the next session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.authenticated = false
	if s.broken == nil {
		s.broken = errors.New("closed")
	}
	s.log.Debug("session closed")
	err := s.t.Disconnect()
	s.t.Release()
	return err
}

// FetchCardPublicKey has the card generate a fresh key pair and returns its
// public half. Earlier keys stop working: a PIN must be encrypted under the
// key returned by the latest call.
func (s *Session) FetchCardPublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	modulus, err := s.expect(ctx, applet.INS_GENERATE_KEY_PAIR, nil, iso7816.MaxShortLe)
	if err != nil {
		return nil, err
	}
	if len(modulus) != applet.ModulusSize || modulus[0] == 0 {
		return nil, fmt.Errorf("%s: %w: %d-byte modulus", applet.InstructionName(applet.INS_GENERATE_KEY_PAIR), ErrUnexpectedData, len(modulus))
	}
	s.info.Template.Proprietary.Flags = bits.Set(s.info.Template.Proprietary.Flags, applet.FlagKeyPair)

	field, err := s.expect(ctx, applet.INS_RETURN_PUBLIC_EXPONENT, nil, iso7816.MaxShortLe)
	if err != nil {
		return nil, err
	}
	e := new(big.Int).SetBytes(field)
	if len(field) != applet.ModulusSize || !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("%s: %w: exponent field", applet.InstructionName(applet.INS_RETURN_PUBLIC_EXPONENT), ErrUnexpectedData)
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: int(e.Int64())}, nil
}

// VerifyPIN submits pin encrypted under cardKey. It returns false when the
// card rejects the PIN; RemainingTries then holds the new counter. A blocked
// PIN is an error matching ErrPINBlocked.
func (s *Session) VerifyPIN(ctx context.Context, pin []byte, cardKey *rsa.PublicKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := s.encryptPIN(pin, cardKey)
	if err != nil {
		return false, err
	}

	resp, err := s.exchange(ctx, applet.INS_VERIFY_PIN, block, 0)
	if err != nil {
		return false, err
	}

	switch {
	case resp.Status.IsSuccess():
		s.authenticated = true
		s.remaining = applet.MaxTries
		s.log.Info("PIN verified")
		return true, nil

	case resp.Status.IsCounter():
		s.authenticated = false
		s.remaining = resp.Status.Counter()
		s.info.Template.Proprietary.Flags = bits.SetIf(s.info.Template.Proprietary.Flags, applet.FlagBlocked, s.remaining == 0)
		s.log.Warn("PIN rejected", "remaining", s.remaining)
		return false, nil
	}

	serr := &StatusError{Ins: applet.INS_VERIFY_PIN, SW: resp.Status}
	if errors.Is(serr, ErrPINBlocked) {
		s.authenticated = false
		s.remaining = 0
		s.info.Template.Proprietary.Flags = bits.Set(s.info.Template.Proprietary.Flags, applet.FlagBlocked)
	}
	return false, serr
}

// ChangePIN replaces the PIN with newPIN, encrypted under cardKey. The
// session must have verified the current PIN first.
func (s *Session) ChangePIN(ctx context.Context, newPIN []byte, cardKey *rsa.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken == nil && !s.authenticated {
		return fmt.Errorf("%s: %w", applet.InstructionName(applet.INS_CHANGE_PIN), ErrPINRequired)
	}

	block, err := s.encryptPIN(newPIN, cardKey)
	if err != nil {
		return err
	}
	if _, err := s.expect(ctx, applet.INS_CHANGE_PIN, block, 0); err != nil {
		return err
	}

	s.remaining = applet.MaxTries
	s.log.Info("PIN changed")
	return nil
}

// GenerateSecret has the card create its secret without exporting it. It
// fails with ErrSecretAlreadyGenerated on a card that already holds one.
func (s *Session) GenerateSecret(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.expect(ctx, applet.INS_GENERATE_SECRET, nil, 0); err != nil {
		return err
	}
	s.info.Template.Proprietary.Flags = bits.Set(s.info.Template.Proprietary.Flags, applet.FlagSecret)
	return nil
}

// ObtainSessionKey uploads the public half of hostKey and returns the card
// secret, unwrapped with its private half. The card creates the secret on
// first use; later calls return the same bytes whatever the host key.
func (s *Session) ObtainSessionKey(ctx context.Context, hostKey *rsa.PrivateKey) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hostKey == nil || hostKey.Size() != applet.ModulusSize {
		return nil, fmt.Errorf("%w: want a %d-bit key", ErrKeySize, applet.KeyBits)
	}

	modulus := hostKey.N.FillBytes(make([]byte, applet.ModulusSize))
	if _, err := s.expect(ctx, applet.INS_SET_PEER_MODULUS, modulus, 0); err != nil {
		return nil, err
	}
	s.info.Template.Proprietary.Flags = bits.Set(s.info.Template.Proprietary.Flags, applet.FlagPeerModulus)

	exponent := big.NewInt(int64(hostKey.E)).FillBytes(make([]byte, applet.ModulusSize))
	wrapped, err := s.expect(ctx, applet.INS_SET_PEER_EXPONENT_AND_WRAP, exponent, 0)
	if err != nil {
		return nil, err
	}
	s.info.Template.Proprietary.Flags = bits.Set(s.info.Template.Proprietary.Flags, applet.FlagSecret)

	secret, err := rsa.DecryptPKCS1v15(nil, hostKey, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap secret: %w", err)
	}
	if len(secret) != applet.SecretSize {
		return nil, fmt.Errorf("unwrap secret: %w: %d bytes", ErrUnexpectedData, len(secret))
	}
	s.log.Info("session key obtained")
	return secret, nil
}

func (s *Session) encryptPIN(pin []byte, cardKey *rsa.PublicKey) ([]byte, error) {
	if len(pin) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPIN)
	}
	if cardKey == nil || cardKey.Size() != applet.ModulusSize {
		return nil, fmt.Errorf("%w: card key must be %d bits", ErrKeySize, applet.KeyBits)
	}
	block, err := rsa.EncryptPKCS1v15(s.rand, cardKey, pin)
	if err != nil {
		return nil, fmt.Errorf("encrypt PIN: %w", err)
	}
	return block, nil
}

// expect runs an applet command and turns any status but 9000 into a
// *StatusError.
func (s *Session) expect(ctx context.Context, ins iso7816.InsCode, data []byte, ne int) ([]byte, error) {
	resp, err := s.exchange(ctx, ins, data, ne)
	if err != nil {
		return nil, err
	}
	if !resp.Status.IsSuccess() {
		return nil, &StatusError{Ins: ins, SW: resp.Status}
	}
	return resp.Data, nil
}

// exchange sends one applet command. Transport failures that leave the
// card in an unknown state break the session.
func (s *Session) exchange(ctx context.Context, ins iso7816.InsCode, data []byte, ne int) (*iso7816.ResponseAPDU, error) {
	name := applet.InstructionName(ins)
	if s.broken != nil {
		return nil, fmt.Errorf("%s: %w: %w", name, ErrSessionBroken, s.broken)
	}

	cmd := iso7816.NewCommandAPDU(iso7816.MustClass(applet.CLA), iso7816.MustInstruction(ins), 0x00, 0x00, data, ne)
	resp, err := s.t.Exchange(ctx, cmd)
	if err != nil {
		if breaksSession(err) {
			s.broken = err
			s.authenticated = false
			s.log.Error("session broken", "command", name, "err", err)
			return nil, fmt.Errorf("%s: %w: %w", name, ErrSessionBroken, err)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	s.log.Debug("command", "command", name, "sw", fmt.Sprintf("%04X", uint16(resp.Status)))
	return resp, nil
}

func breaksSession(err error) bool {
	for _, kind := range []error{
		transport.ErrTimeout,
		transport.ErrCardRemoved,
		transport.ErrNotConnected,
		transport.ErrMalformedResponse,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
