// Package vxcard exposes smart cards as role-polymorphic identity
// tokens: status, PIN verification, challenge signing and typed data
// storage, backed by a real PIV-style card or a test substitute.
package vxcard

import (
	"github.com/votingworks/cacvote-sub000/identity"
	"github.com/votingworks/cacvote-sub000/piv"
)

// CheckPinResponse reports the outcome of a PIN check. An incorrect
// PIN is a normal outcome, not an error; errors are reserved for
// transport-level failures.
type CheckPinResponse struct {
	Correct bool

	// NumIncorrectPinAttempts is the card's own consecutive
	// incorrect-attempt counter after this check
	NumIncorrectPinAttempts int
}

// SignOpts selects the key used by GenerateSignature. If Pin is
// non-empty it is verified first, unlocking PIN-gated keys.
type SignOpts struct {
	Key piv.KeyRef
	Pin string
}

// ProgramRequest writes a fresh identity onto a card. The identity
// certificate is issued by an external collaborator; this subsystem
// only stores it.
type ProgramRequest struct {
	User           identity.User
	Pin            string
	CertificateDER []byte
}

// Card is the role-polymorphic interface over a physical smart card
// or a test substitute
type Card interface {
	// Status returns the current card status
	Status() CardStatus

	// CheckPin verifies the PIN by challenge-response against the
	// card's PIN-gated identity key
	CheckPin(pin string) (CheckPinResponse, error)

	// GenerateSignature has the card sign message with the selected
	// private key
	GenerateSignature(message []byte, opts SignOpts) ([]byte, error)

	// Certificate reads the certificate stored under the given
	// object ID
	Certificate(object piv.ObjectID) ([]byte, error)

	// Program writes a fresh identity record to the card
	Program(req ProgramRequest) error

	// Unprogram clears the identity record from the card
	Unprogram() error

	// ReadData, WriteData and ClearData access the card's generic
	// storage object
	ReadData() ([]byte, error)
	WriteData(data []byte) error
	ClearData() error
}
