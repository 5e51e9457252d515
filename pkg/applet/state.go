package applet

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"math/big"
)

// State is everything the applet knows. It is split along the persistence
// boundary:
//
//   - Persistent lives in card EEPROM. It survives deselection, reselection,
//     card reset and removal.
//   - Session lives in card RAM. It is cleared by every SELECT, by
//     deselection and by card reset.
type State struct {
	Persistent Persistent
	Session    Session
}

// Persistent is the applet-instance part of the state.
type Persistent struct {
	PIN   []byte
	Tries uint8

	// Own is the applet's keypair. The PIN is encrypted under its public half.
	Own *rsa.PrivateKey

	// Peer is the imported host key the secret is wrapped under. Modulus and
	// exponent arrive in separate commands; E is zero until the second one.
	Peer *rsa.PublicKey

	Secret []byte
}

// Session is the selection-scoped part of the state.
type Session struct {
	Validated bool
}

// Blocked reports whether the try counter is exhausted.
func (p *Persistent) Blocked() bool {
	return p.Tries == 0
}

func (s State) clone() State {
	out := s
	out.Persistent.PIN = bytes.Clone(s.Persistent.PIN)
	out.Persistent.Secret = bytes.Clone(s.Persistent.Secret)
	if s.Persistent.Own != nil {
		out.Persistent.Own = cloneKey(s.Persistent.Own)
	}
	if s.Persistent.Peer != nil {
		peer := *s.Persistent.Peer
		if peer.N != nil {
			peer.N = new(big.Int).Set(peer.N)
		}
		out.Persistent.Peer = &peer
	}
	return out
}

func cloneKey(k *rsa.PrivateKey) *rsa.PrivateKey {
	out := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: new(big.Int).Set(k.N), E: k.E},
		D:         new(big.Int).Set(k.D),
	}
	for _, p := range k.Primes {
		out.Primes = append(out.Primes, new(big.Int).Set(p))
	}
	out.Precompute()
	return out
}

// Image is the serialised form of Persistent, as written to the EEPROM
// image file.
type Image struct {
	PIN          []byte `cbor:"1,keyasint"`
	Tries        uint8  `cbor:"2,keyasint"`
	OwnKey       []byte `cbor:"3,keyasint,omitempty"` // PKCS#1 DER
	PeerModulus  []byte `cbor:"4,keyasint,omitempty"`
	PeerExponent int    `cbor:"5,keyasint,omitempty"`
	Secret       []byte `cbor:"6,keyasint,omitempty"`
}

// Image captures the persistent state.
func (a *Applet) Image() Image {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.state.Persistent
	img := Image{
		PIN:    bytes.Clone(p.PIN),
		Tries:  p.Tries,
		Secret: bytes.Clone(p.Secret),
	}
	if p.Own != nil {
		img.OwnKey = x509.MarshalPKCS1PrivateKey(p.Own)
	}
	if p.Peer != nil {
		img.PeerModulus = p.Peer.N.Bytes()
		img.PeerExponent = p.Peer.E
	}
	return img
}

// Restore replaces the state with the one saved in img and closes the
// session.
func (a *Applet) Restore(img Image) error {
	s, err := img.State()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = s
	return nil
}

// State rebuilds a State from its image.
func (img Image) State() (State, error) {
	if len(img.PIN) != PINLength {
		return State{}, fmt.Errorf("image PIN length %d, want %d", len(img.PIN), PINLength)
	}
	if img.Tries > MaxTries {
		return State{}, fmt.Errorf("image try counter %d exceeds %d", img.Tries, MaxTries)
	}
	if len(img.Secret) != 0 && len(img.Secret) != SecretSize {
		return State{}, fmt.Errorf("image secret length %d, want %d", len(img.Secret), SecretSize)
	}

	p := Persistent{
		PIN:    bytes.Clone(img.PIN),
		Tries:  img.Tries,
		Secret: bytes.Clone(img.Secret),
	}
	if len(img.OwnKey) > 0 {
		key, err := x509.ParsePKCS1PrivateKey(img.OwnKey)
		if err != nil {
			return State{}, fmt.Errorf("image own key: %w", err)
		}
		p.Own = key
	}
	if len(img.PeerModulus) > 0 {
		p.Peer = &rsa.PublicKey{N: new(big.Int).SetBytes(img.PeerModulus), E: img.PeerExponent}
	}
	return State{Persistent: p}, nil
}
