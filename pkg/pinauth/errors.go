package pinauth

import (
	"errors"
	"fmt"

	"github.com/gregLibert/pincard/pkg/applet"
	"github.com/gregLibert/pincard/pkg/iso7816"
)

// Kinds of applet failure. A *StatusError matches the kind its status word
// stands for under errors.Is.
var (
	ErrPINRequired             = errors.New("PIN verification required")
	ErrConditionsNotSatisfied  = errors.New("conditions of use not satisfied")
	ErrWrongLength             = errors.New("wrong payload length")
	ErrWrongData               = errors.New("payload rejected by the applet")
	ErrCommandNotAllowed       = errors.New("command not allowed")
	ErrPINBlocked              = errors.New("PIN blocked")
	ErrSecretAlreadyGenerated  = errors.New("secret already generated")
	ErrInstructionNotSupported = errors.New("instruction not supported")
	ErrClassNotSupported       = errors.New("class not supported")
	ErrAppletNotFound          = errors.New("applet not found")
)

var (
	// ErrSessionBroken is returned once an exchange has been interrupted.
	// The card may hold state the host no longer knows about, so the
	// session has to be closed and opened again.
	ErrSessionBroken = errors.New("session broken")

	ErrInvalidPIN     = errors.New("invalid PIN")
	ErrKeySize        = errors.New("RSA key size mismatch")
	ErrUnexpectedData = errors.New("unexpected response data")
)

// StatusError is an applet command that ended with an error status word.
type StatusError struct {
	Ins iso7816.InsCode
	SW  iso7816.StatusWord
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with SW=%04X (%s)", commandName(e.Ins), uint16(e.SW), e.SW.Verbose())
}

// Is maps the status word onto the error kinds. 6986 means a blocked PIN on
// VerifyPin and an existing secret on GenerateSecret.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrPINRequired:
		return e.SW == applet.SWPINRequired
	case ErrConditionsNotSatisfied:
		return e.SW == applet.SWConditionsNotSatisfied
	case ErrWrongLength:
		return e.SW == applet.SWWrongLength
	case ErrWrongData:
		return e.SW == applet.SWWrongData
	case ErrCommandNotAllowed:
		return e.SW == applet.SWCommandNotAllowed
	case ErrPINBlocked:
		return e.SW == applet.SWCommandNotAllowed && e.Ins == applet.INS_VERIFY_PIN
	case ErrSecretAlreadyGenerated:
		return e.SW == applet.SWCommandNotAllowed && e.Ins == applet.INS_GENERATE_SECRET
	case ErrInstructionNotSupported:
		return e.SW == applet.SWInstructionNotSupported
	case ErrClassNotSupported:
		return e.SW == applet.SWClassNotSupported
	case ErrAppletNotFound:
		return e.SW == iso7816.SW_ERR_FILE_NOT_FOUND && e.Ins == iso7816.INS_SELECT
	}
	return false
}

func commandName(ins iso7816.InsCode) string {
	if ins == iso7816.INS_SELECT {
		return "Select"
	}
	return applet.InstructionName(ins)
}
