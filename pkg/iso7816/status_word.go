package iso7816

import (
	"fmt"

	"github.com/gregLibert/pincard/pkg/bits"
)

// Three status word ranges carry a value in SW2 instead of naming a fixed
// condition:
//
//	61XX  command done, XX more response bytes to fetch (00 means 256)
//	6CXX  wrong Le, XX is the length to ask for
//	63CX  warning with counter X, a failed PIN check reports tries left this way

// StatusWord is the SW1 SW2 trailer of a response.
type StatusWord uint16

func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(uint16(sw1)<<8 | uint16(sw2))
}

// NewCounterStatus builds 63CX, clamping n to 0..15.
func NewCounterStatus(n int) StatusWord {
	n = min(max(n, 0), 0x0F)
	return NewStatusWord(0x63, bits.SetRange(0xC0, 4, 1, byte(n)))
}

// NewBytesAvailableStatus builds 61XX for n pending bytes. n of 256 and
// above is announced as 00.
func NewBytesAvailableStatus(n int) StatusWord {
	if n >= MaxShortLe {
		n = 0
	}
	return NewStatusWord(0x61, byte(n))
}

func (sw StatusWord) SW1() byte { return byte(sw >> 8) }
func (sw StatusWord) SW2() byte { return byte(sw) }

// IsBytesAvailable reports a 61XX continuation.
func (sw StatusWord) IsBytesAvailable() bool {
	return sw.SW1() == 0x61
}

// BytesAvailable is the length announced by 61XX, 0 for any other status.
func (sw StatusWord) BytesAvailable() int {
	switch {
	case !sw.IsBytesAvailable():
		return 0
	case sw.SW2() == 0:
		return MaxShortLe
	}
	return int(sw.SW2())
}

// IsCounter reports a 63CX warning.
func (sw StatusWord) IsCounter() bool {
	return sw.SW1() == 0x63 && bits.GetRange(sw.SW2(), 8, 5) == 0x0C
}

// Counter is X of 63CX, or -1.
func (sw StatusWord) Counter() int {
	if !sw.IsCounter() {
		return -1
	}
	return int(bits.GetRange(sw.SW2(), 4, 1))
}

// IsSuccess is true for 9000 and for 61XX.
func (sw StatusWord) IsSuccess() bool {
	return sw == SW_NO_ERROR || sw.IsBytesAvailable()
}

// IsWarning is true for 62XX and 63XX.
func (sw StatusWord) IsWarning() bool {
	return sw.SW1() == 0x62 || sw.SW1() == 0x63
}

// IsError is true for 64XX through 6FXX.
func (sw StatusWord) IsError() bool {
	return sw.SW1() >= 0x64 && sw.SW1() <= 0x6F
}

func (sw StatusWord) String() string {
	if k, ok := knownStatus[sw]; ok {
		return k.name
	}
	return fmt.Sprintf("StatusWord(0x%04X)", uint16(sw))
}

// Verbose describes sw for logs and error messages.
func (sw StatusWord) Verbose() string {
	switch {
	case sw.IsCounter():
		return fmt.Sprintf("[%04X] warning, counter = %d", uint16(sw), sw.Counter())
	case sw.IsBytesAvailable():
		return fmt.Sprintf("[%04X] %d bytes available", uint16(sw), sw.BytesAvailable())
	case sw.SW1() == 0x6C:
		return fmt.Sprintf("[%04X] wrong length, correct Le is %d", uint16(sw), sw.SW2())
	}
	if k, ok := knownStatus[sw]; ok {
		return fmt.Sprintf("[%04X] %s: %s", uint16(sw), k.name, k.text)
	}
	return fmt.Sprintf("[%04X] %s", uint16(sw), categoryOf(sw.SW1()))
}

// ISO/IEC 7816-4 status words.
const (
	SW_NO_ERROR StatusWord = 0x9000

	SW_WARN_NO_INFO            StatusWord = 0x6200
	SW_WARN_NV_CHANGED_NO_INFO StatusWord = 0x6300
	SW_WARN_COUNTER_0          StatusWord = 0x63C0

	SW_ERR_EXEC_NO_INFO          StatusWord = 0x6400
	SW_ERR_MEMORY_FAILURE        StatusWord = 0x6581
	SW_ERR_SECURITY_ISSUE        StatusWord = 0x6600
	SW_ERR_WRONG_LENGTH          StatusWord = 0x6700
	SW_ERR_CHECKING_NO_INFO      StatusWord = 0x6800
	SW_ERR_CHAINING_NOT_SUPP     StatusWord = 0x6884
	SW_ERR_CMD_NOT_ALLOWED       StatusWord = 0x6900
	SW_ERR_SECURITY_STATUS       StatusWord = 0x6982
	SW_ERR_AUTH_METHOD_BLOCKED   StatusWord = 0x6983
	SW_ERR_COND_OF_USE_NOT_SAT   StatusWord = 0x6985
	SW_ERR_CMD_NOT_ALLOWED_NO_EF StatusWord = 0x6986

	SW_ERR_INCORRECT_PARAMS_DATA StatusWord = 0x6A80
	SW_ERR_FUNC_NOT_SUPPORTED    StatusWord = 0x6A81
	SW_ERR_FILE_NOT_FOUND        StatusWord = 0x6A82
	SW_ERR_INCORRECT_PARAMS_P1P2 StatusWord = 0x6A86

	SW_ERR_WRONG_P1P2        StatusWord = 0x6B00
	SW_ERR_INS_INVALID       StatusWord = 0x6D00
	SW_ERR_CLA_NOT_SUPPORTED StatusWord = 0x6E00
	SW_ERR_UNKNOWN           StatusWord = 0x6F00
)

var knownStatus = map[StatusWord]struct{ name, text string }{
	SW_NO_ERROR:                  {"SW_NO_ERROR", "success"},
	SW_WARN_NO_INFO:              {"SW_WARN_NO_INFO", "memory unchanged"},
	SW_WARN_NV_CHANGED_NO_INFO:   {"SW_WARN_NV_CHANGED_NO_INFO", "memory changed"},
	SW_WARN_COUNTER_0:            {"SW_WARN_COUNTER_0", "counter exhausted"},
	SW_ERR_EXEC_NO_INFO:          {"SW_ERR_EXEC_NO_INFO", "execution error"},
	SW_ERR_MEMORY_FAILURE:        {"SW_ERR_MEMORY_FAILURE", "memory write failed"},
	SW_ERR_SECURITY_ISSUE:        {"SW_ERR_SECURITY_ISSUE", "security issue"},
	SW_ERR_WRONG_LENGTH:          {"SW_ERR_WRONG_LENGTH", "wrong length"},
	SW_ERR_CHECKING_NO_INFO:      {"SW_ERR_CHECKING_NO_INFO", "function not supported"},
	SW_ERR_CHAINING_NOT_SUPP:     {"SW_ERR_CHAINING_NOT_SUPP", "command chaining not supported"},
	SW_ERR_CMD_NOT_ALLOWED:       {"SW_ERR_CMD_NOT_ALLOWED", "command not allowed"},
	SW_ERR_SECURITY_STATUS:       {"SW_ERR_SECURITY_STATUS", "security status not satisfied"},
	SW_ERR_AUTH_METHOD_BLOCKED:   {"SW_ERR_AUTH_METHOD_BLOCKED", "authentication method blocked"},
	SW_ERR_COND_OF_USE_NOT_SAT:   {"SW_ERR_COND_OF_USE_NOT_SAT", "conditions of use not satisfied"},
	SW_ERR_CMD_NOT_ALLOWED_NO_EF: {"SW_ERR_CMD_NOT_ALLOWED_NO_EF", "command not allowed"},
	SW_ERR_INCORRECT_PARAMS_DATA: {"SW_ERR_INCORRECT_PARAMS_DATA", "incorrect data"},
	SW_ERR_FUNC_NOT_SUPPORTED:    {"SW_ERR_FUNC_NOT_SUPPORTED", "function not supported"},
	SW_ERR_FILE_NOT_FOUND:        {"SW_ERR_FILE_NOT_FOUND", "file or application not found"},
	SW_ERR_INCORRECT_PARAMS_P1P2: {"SW_ERR_INCORRECT_PARAMS_P1P2", "incorrect P1 P2"},
	SW_ERR_WRONG_P1P2:            {"SW_ERR_WRONG_P1P2", "wrong P1 P2"},
	SW_ERR_INS_INVALID:           {"SW_ERR_INS_INVALID", "instruction not supported"},
	SW_ERR_CLA_NOT_SUPPORTED:     {"SW_ERR_CLA_NOT_SUPPORTED", "class not supported"},
	SW_ERR_UNKNOWN:               {"SW_ERR_UNKNOWN", "no precise diagnosis"},
}

var sw1Category = map[byte]string{
	0x62: "warning, memory unchanged",
	0x63: "warning, memory changed",
	0x64: "execution error, memory unchanged",
	0x65: "execution error, memory changed",
	0x66: "execution error, security",
	0x67: "checking error, wrong length",
	0x68: "checking error, function not supported",
	0x69: "checking error, command not allowed",
	0x6A: "checking error, wrong parameters",
	0x6B: "checking error, wrong parameters",
	0x6D: "checking error, instruction not supported",
	0x6E: "checking error, class not supported",
	0x6F: "checking error, no precise diagnosis",
	0x90: "success",
}

func categoryOf(sw1 byte) string {
	if c, ok := sw1Category[sw1]; ok {
		return c
	}
	return "unknown status"
}
