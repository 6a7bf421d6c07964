package auth

import (
	"time"

	"github.com/votingworks/cacvote-sub000/identity"
	"github.com/votingworks/cacvote-sub000/vxcard"
)

// LoggedOutReason explains why no session is active
type LoggedOutReason string

const (
	ReasonNoCardReader         LoggedOutReason = "no_card_reader"
	ReasonNoCard               LoggedOutReason = "no_card"
	ReasonCardError            LoggedOutReason = "card_error"
	ReasonMachineLocked        LoggedOutReason = "machine_locked"
	ReasonInvalidUserOnCard    LoggedOutReason = "invalid_user_on_card"
	ReasonWrongJurisdiction    LoggedOutReason = "wrong_jurisdiction"
	ReasonUserRoleNotAllowed   LoggedOutReason = "user_role_not_allowed"
	ReasonMachineNotConfigured LoggedOutReason = "machine_not_configured"
	ReasonWrongElection        LoggedOutReason = "wrong_election"
)

// AuthStatus is the state machine's output. The set of variants is
// closed; consumers dispatch with exhaustive type switches. RemoveCard
// occurs only on the dipped variant.
type AuthStatus interface {
	isAuthStatus()
}

// LoggedOut means no session is active
type LoggedOut struct {
	Reason LoggedOutReason

	// CardUserRole/CardJurisdiction identify the rejected card when
	// Reason is a validation failure
	CardUserRole        identity.Role
	CardJurisdiction    string
	MachineJurisdiction string
}

// CheckingPin means a valid card is awaiting its PIN
type CheckingPin struct {
	User identity.User

	// LockedOutUntil is set while PIN checks are being rejected
	// after repeated failures; zero otherwise
	LockedOutUntil time.Time

	// WrongPinEnteredAt is the time of the last incorrect entry
	WrongPinEnteredAt time.Time

	// Error marks a transport-level failure during the last check,
	// distinct from an incorrect PIN. It is cleared by the next
	// PIN check regardless of outcome.
	Error bool
}

// RemoveCard means the PIN was correct and the card must be pulled
// to finish logging in (dipped variant only)
type RemoveCard struct {
	User             identity.User
	SessionExpiresAt time.Time
}

// LoggedIn means a session is active
type LoggedIn struct {
	User             identity.User
	SessionExpiresAt time.Time

	// CardlessVoter is the retained cardless voter record while a
	// poll-worker-authorized session exists (inserted variant)
	CardlessVoter *identity.CardlessVoterUser

	// AuthorizingPollWorker identifies the poll worker who handed
	// the session to the cardless voter; only that worker's card
	// swaps control back (inserted variant)
	AuthorizingPollWorker *identity.PollWorkerUser

	// ProgrammableCard reflects the reader slot while a system
	// administrator is logged in: a newly inserted card is a
	// programming target, and non-ready states distinguish an empty
	// slot from a missing reader (dipped variant)
	ProgrammableCard vxcard.CardStatus
}

func (LoggedOut) isAuthStatus()   {}
func (CheckingPin) isAuthStatus() {}
func (RemoveCard) isAuthStatus()  {}
func (LoggedIn) isAuthStatus()    {}

// Action is an input to a reducer. The cardless-voter actions are
// accepted only by the inserted variant.
type Action interface {
	isAction()
}

// CheckCardReader reports the latest observed card status
type CheckCardReader struct {
	Status vxcard.CardStatus
}

// CheckPinResult reports the settled outcome of a PIN check. Err is
// a transport-level failure, not an incorrect PIN.
type CheckPinResult struct {
	Response vxcard.CheckPinResponse
	Err      error
}

// LogOut requests an explicit logout
type LogOut struct{}

// UpdateSessionExpiry moves the session deadline
type UpdateSessionExpiry struct {
	At time.Time
}

// StartCardlessVoterSession authorizes a voter session without a card
type StartCardlessVoterSession struct {
	BallotStyleID string
	PrecinctID    string
}

// EndCardlessVoterSession terminates the cardless voter session
type EndCardlessVoterSession struct{}

// UpdateCardlessVoterBallotStyle changes the active voter's ballot style
type UpdateCardlessVoterBallotStyle struct {
	BallotStyleID string
}

func (CheckCardReader) isAction()                {}
func (CheckPinResult) isAction()                 {}
func (LogOut) isAction()                         {}
func (UpdateSessionExpiry) isAction()            {}
func (StartCardlessVoterSession) isAction()      {}
func (EndCardlessVoterSession) isAction()        {}
func (UpdateCardlessVoterBallotStyle) isAction() {}
