package card

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors forming the API error taxonomy. Operations at the
// card/auth boundary return one of these (possibly wrapped with
// context); incorrect PINs are deliberately not part of this taxonomy,
// they are reported through CheckPinResponse instead.
var (
	ErrNoCardReader        = errors.New("no card reader")
	ErrTransmitFailed      = errors.New("transmit failed")
	ErrNoSpaceLeftOnDevice = errors.New("no space left on device")
	ErrAuthenticationError = errors.New("authentication required")
	ErrAuthorizationError  = errors.New("not authorized")
	ErrCertificateNotFound = errors.New("no certificate found")
	ErrUnknown             = errors.New("unknown error")
)

// StatusError is a non-success status word returned by the card
type StatusError struct {
	SW uint16
}

var _ error = StatusError{}

// ErrorFromAPDU constructs a StatusError from a response APDU
func ErrorFromAPDU(apdu RespAPDU) StatusError {
	return StatusError{SW: apdu.SW()}
}

// IsStatus checks if the error is (or wraps) a StatusError whose
// status word matches sw
func IsStatus(e error, sw uint16) bool {
	var se StatusError
	if errors.As(e, &se) {
		return se.SW == sw
	}
	return false
}

// PinAttemptsRemaining returns the number of PIN attempts remaining
// encoded in an error (0x63CX), 0 for an authentication-method-blocked
// error (0x6983), and -1 if the error carries no attempt counter
func PinAttemptsRemaining(e error) int {
	var se StatusError
	if errors.As(e, &se) {
		if (se.SW & 0xFFF0) == 0x63C0 {
			return int(se.SW & 0xF)
		} else if se.SW == 0x6983 {
			return 0
		}
	}
	return -1
}

// Unwrap maps well-known status words onto the taxonomy sentinels so
// callers can use errors.Is against them
func (e StatusError) Unwrap() error {
	switch e.SW {
	case 0x6A84:
		return ErrNoSpaceLeftOnDevice
	case 0x6982:
		return ErrAuthenticationError
	case 0x6A82:
		return ErrCertificateNotFound
	}
	return nil
}

// Error returns a textual description of the status word
func (e StatusError) Error() string {
	desc := "Unknown"
	switch {
	// 62xx Warning, NVMem unchanged
	case e.SW == 0x6282:
		desc = "EOF"
	case e.SW == 0x6283:
		desc = "File deactivated"

	// 63xx Warning, NVMem changed
	case e.SW == 0x6381:
		desc = "File full"
	case (e.SW & 0xFFF0) == 0x63C0:
		desc = fmt.Sprintf("%d PIN attempts remaining", e.SW&0xF)

	// 64xx/65xx execution errors
	case e.SW == 0x6400:
		desc = "Execution error"
	case e.SW == 0x6581:
		desc = "Memory failure"

	// 69xx command not allowed
	case e.SW == 0x6982:
		desc = "Security status not satisfied"
	case e.SW == 0x6983:
		desc = "Authentication method blocked"
	case e.SW == 0x6985:
		desc = "Conditions of use not satisfied"

	// 6Axx wrong parameters
	case e.SW == 0x6A80:
		desc = "Invalid parameters in data field"
	case e.SW == 0x6A81:
		desc = "Function not supported"
	case e.SW == 0x6A82:
		desc = "File or application not found"
	case e.SW == 0x6A84:
		desc = "Not enough memory space in file"
	case e.SW == 0x6A86:
		desc = "Incorrect parameters in P1/P2"
	case e.SW == 0x6A88:
		desc = "Referenced data not found"
	}

	return fmt.Sprintf("Card error %04x: %s", e.SW, desc)
}
