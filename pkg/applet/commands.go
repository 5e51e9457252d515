package applet

import (
	"crypto/rsa"
	"crypto/subtle"
	"io"
	"math/big"

	"github.com/gregLibert/pincard/pkg/iso7816"
)

// Status words returned by the applet, named after the protocol outcome.
const (
	SWPINRequired             = iso7816.SW_ERR_SECURITY_STATUS
	SWWrongLength             = iso7816.SW_ERR_WRONG_LENGTH
	SWConditionsNotSatisfied  = iso7816.SW_ERR_COND_OF_USE_NOT_SAT
	SWCommandNotAllowed       = iso7816.SW_ERR_CMD_NOT_ALLOWED_NO_EF
	SWWrongData               = iso7816.SW_ERR_INCORRECT_PARAMS_DATA
	SWInstructionNotSupported = iso7816.SW_ERR_INS_INVALID
	SWClassNotSupported       = iso7816.SW_ERR_CLA_NOT_SUPPORTED
)

// SWBadPIN is the 63CX answer to a failed comparison, X being the tries left.
func SWBadPIN(remaining int) iso7816.StatusWord {
	return iso7816.NewCounterStatus(remaining)
}

func (a *Applet) generateKeyPair() *iso7816.ResponseAPDU {
	key, err := rsa.GenerateKey(a.rand, KeyBits)
	if err != nil {
		a.log.Error("key generation failed", "err", err)
		return status(iso7816.SW_ERR_EXEC_NO_INFO)
	}
	a.state.Persistent.Own = key
	return ok(key.N.FillBytes(make([]byte, ModulusSize)))
}

// returnPublicExponent answers with the exponent left-padded to ModulusSize
// bytes, so both halves of the public key travel in fixed-width fields.
func (a *Applet) returnPublicExponent() *iso7816.ResponseAPDU {
	own := a.state.Persistent.Own
	if own == nil {
		return status(SWConditionsNotSatisfied)
	}
	return ok(big.NewInt(int64(own.E)).FillBytes(make([]byte, ModulusSize)))
}

func (a *Applet) verifyPIN(data []byte) *iso7816.ResponseAPDU {
	p := &a.state.Persistent

	if p.Blocked() {
		return status(SWCommandNotAllowed)
	}
	if p.Own == nil {
		return status(SWConditionsNotSatisfied)
	}
	if len(data) != ModulusSize {
		return status(SWWrongLength)
	}

	// An undecryptable block counts as a wrong PIN: it is either a forged
	// attempt or a PIN encrypted under a stale key.
	pin, err := rsa.DecryptPKCS1v15(nil, p.Own, data)
	if err != nil || len(pin) != PINLength || subtle.ConstantTimeCompare(pin, p.PIN) != 1 {
		p.Tries--
		a.state.Session.Validated = false
		return status(SWBadPIN(int(p.Tries)))
	}

	p.Tries = MaxTries
	a.state.Session.Validated = true
	return ok(nil)
}

func (a *Applet) changePIN(data []byte) *iso7816.ResponseAPDU {
	p := &a.state.Persistent

	if !a.state.Session.Validated {
		return status(SWPINRequired)
	}
	if p.Own == nil {
		return status(SWConditionsNotSatisfied)
	}
	if len(data) != ModulusSize {
		return status(SWWrongLength)
	}

	pin, err := rsa.DecryptPKCS1v15(nil, p.Own, data)
	if err != nil {
		return status(SWWrongData)
	}
	if len(pin) != PINLength {
		return status(SWWrongLength)
	}

	p.PIN = pin
	p.Tries = MaxTries
	return ok(nil)
}

func (a *Applet) generateSecret() *iso7816.ResponseAPDU {
	if !a.state.Session.Validated {
		return status(SWPINRequired)
	}
	if a.state.Persistent.Secret != nil {
		return status(SWCommandNotAllowed)
	}
	if err := a.newSecret(); err != nil {
		a.log.Error("secret generation failed", "err", err)
		return status(iso7816.SW_ERR_EXEC_NO_INFO)
	}
	return ok(nil)
}

func (a *Applet) newSecret() error {
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(a.rand, secret); err != nil {
		return err
	}
	a.state.Persistent.Secret = secret
	return nil
}

func (a *Applet) setPeerModulus(data []byte) *iso7816.ResponseAPDU {
	if !a.state.Session.Validated {
		return status(SWPINRequired)
	}
	if len(data) != ModulusSize {
		return status(SWWrongLength)
	}
	// A full-size modulus is odd and uses its top byte.
	if data[0] == 0 || data[len(data)-1]&1 == 0 {
		return status(SWWrongData)
	}

	a.state.Persistent.Peer = &rsa.PublicKey{N: new(big.Int).SetBytes(data)}
	return ok(nil)
}

func (a *Applet) setPeerExponentAndWrap(data []byte) *iso7816.ResponseAPDU {
	p := &a.state.Persistent

	if !a.state.Session.Validated {
		return status(SWPINRequired)
	}
	if p.Peer == nil {
		return status(SWConditionsNotSatisfied)
	}
	if len(data) != ModulusSize {
		return status(SWWrongLength)
	}

	e := new(big.Int).SetBytes(data)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 || e.Bit(0) == 0 {
		return status(SWWrongData)
	}
	p.Peer.E = int(e.Int64())

	if p.Secret == nil {
		if err := a.newSecret(); err != nil {
			a.log.Error("secret generation failed", "err", err)
			return status(iso7816.SW_ERR_EXEC_NO_INFO)
		}
	}

	wrapped, err := rsa.EncryptPKCS1v15(a.rand, p.Peer, p.Secret)
	if err != nil {
		return status(SWWrongData)
	}
	return ok(wrapped)
}
