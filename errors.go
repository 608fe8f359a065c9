package cardauth

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

var (
	// ErrAuthenticationFailed results from a failed challenge verification. It carries no cause:
	// a wrong key, a wrong card and a tampered message are indistinguishable to the caller.
	ErrAuthenticationFailed = errors.New("cardauth: could not establish a secure session with the card")
	// ErrIntegrityFailed results from a MAC mismatch on a protected response. The Session that returned it is closed.
	ErrIntegrityFailed = errors.New("cardauth: could not maintain a secure session with the card")
	// ErrSessionClosed is returned by every operation on a Session after it was closed.
	ErrSessionClosed = errors.New("cardauth: secure messaging session is closed")
)

// KeyLengthError results from key material whose length does not match the length required by its Family.
type KeyLengthError struct {
	Family   Family
	Expected int // Expected length in bytes.
	Received int // Received length in bytes.
}

func (e KeyLengthError) Error() string {
	return fmt.Sprintf("cardauth: invalid key length for %s: expected: %d received: %d", e.Family, e.Expected, e.Received)
}

// MalformedResponseError results from card data that is too short or otherwise structurally invalid.
type MalformedResponseError struct {
	Message  string
	Expected int // Expected length in bytes, 0 if not applicable.
	Received int // Received length in bytes.
}

func (e MalformedResponseError) Error() string {
	if e.Expected == 0 {
		return fmt.Sprintf("cardauth: malformed response: %s (length %d)", e.Message, e.Received)
	}

	return fmt.Sprintf("cardauth: malformed response: %s: expected length: %d received: %d", e.Message, e.Expected, e.Received)
}

// UnsupportedAlgorithmError results from a key family that is not supported by an operation.
type UnsupportedAlgorithmError struct {
	Family    Family
	Operation string
}

func (e UnsupportedAlgorithmError) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("cardauth: unsupported algorithm: %s", e.Family)
	}

	return fmt.Sprintf("cardauth: unsupported algorithm for %s: %s", e.Operation, e.Family)
}

// StateError results from calling an AuthSession operation in a state that does not allow it.
type StateError struct {
	Operation string
	State     AuthState
}

func (e StateError) Error() string {
	return fmt.Sprintf("cardauth: %s not allowed in state %s", e.Operation, e.State)
}

// NonSuccessResponseError results from receiving a Response APDU with a status word that is neither success nor
// an expected continuation.
type NonSuccessResponseError struct {
	Command  apdu.Capdu // CAPDU that was transmitted.
	Response apdu.Rapdu // RAPDU that has been received.
}

func (e NonSuccessResponseError) Error() string {
	return fmt.Sprintf("cardauth: received non success response INS: %02X SW: %02X%02X", e.Command.Ins, e.Response.SW1, e.Response.SW2)
}

// TransmitError results from an error during the transmission of a Command APDU.
type TransmitError struct {
	Command apdu.Capdu // CAPDU that should have been transmitted.
	Cause   error
}

func (e TransmitError) Error() string {
	return fmt.Sprintf("cardauth: transmit of command failed INS: %02X cause: %v", e.Command.Ins, e.Cause)
}

func (e TransmitError) Unwrap() error {
	return e.Cause
}
