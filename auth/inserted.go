package auth

import (
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/votingworks/cacvote-sub000/card"
	"github.com/votingworks/cacvote-sub000/identity"
	"github.com/votingworks/cacvote-sub000/vxcard"
)

// InsertedAuthAllowedRoles are the roles that may use inserted auth
var InsertedAuthAllowedRoles = []identity.Role{
	identity.RoleSystemAdministrator,
	identity.RoleElectionManager,
	identity.RolePollWorker,
	identity.RoleCommonAccessCardUser,
}

// InsertedAuth implements the keep-card-inserted flow: the session
// lasts only while the card stays in the reader, except for cardless
// voter sessions, which a poll worker authorizes and then hands off
// by removing their card.
type InsertedAuth struct {
	card   vxcard.Card
	logger Logger
	now    func() time.Time

	mu     sync.Mutex
	status AuthStatus
}

// NewInsertedAuth creates an inserted auth instance over one card
func NewInsertedAuth(c vxcard.Card, logger Logger) *InsertedAuth {
	if logger == nil {
		logger = NoopLogger()
	}
	return &InsertedAuth{
		card:   c,
		logger: logger,
		now:    time.Now,
		status: LoggedOut{Reason: ReasonMachineLocked},
	}
}

// GetAuthStatus re-evaluates the latest card status and returns the
// resulting auth status
func (a *InsertedAuth) GetAuthStatus(ms MachineState) AuthStatus {
	return a.apply(ms, CheckCardReader{Status: a.card.Status()})
}

// CheckPin submits a PIN. Accepted only while checking_pin and not
// inside a lockout window; otherwise the status is left unchanged.
func (a *InsertedAuth) CheckPin(ms MachineState, pin string) AuthStatus {
	status := a.GetAuthStatus(ms)

	checking, ok := status.(CheckingPin)
	if !ok || isLockedOut(a.now(), checking.LockedOutUntil) {
		return status
	}

	resp, err := a.card.CheckPin(pin)
	return a.apply(ms, CheckPinResult{Response: resp, Err: err})
}

// LogOut ends any active session
func (a *InsertedAuth) LogOut(ms MachineState) AuthStatus {
	return a.apply(ms, LogOut{})
}

// UpdateSessionExpiry moves the session deadline
func (a *InsertedAuth) UpdateSessionExpiry(ms MachineState, at time.Time) AuthStatus {
	return a.apply(ms, UpdateSessionExpiry{At: at})
}

// StartCardlessVoterSession authorizes a voter session against the
// logged-in poll worker's session
func (a *InsertedAuth) StartCardlessVoterSession(ms MachineState, ballotStyleID, precinctID string) AuthStatus {
	return a.apply(ms, StartCardlessVoterSession{
		BallotStyleID: ballotStyleID,
		PrecinctID:    precinctID,
	})
}

// EndCardlessVoterSession terminates the cardless voter session
func (a *InsertedAuth) EndCardlessVoterSession(ms MachineState) AuthStatus {
	return a.apply(ms, EndCardlessVoterSession{})
}

// UpdateCardlessVoterBallotStyle changes the active voter's ballot style
func (a *InsertedAuth) UpdateCardlessVoterBallotStyle(ms MachineState, ballotStyleID string) AuthStatus {
	return a.apply(ms, UpdateCardlessVoterBallotStyle{BallotStyleID: ballotStyleID})
}

// ReadCardData decodes the card's generic storage object into value.
// Requires an active session.
func (a *InsertedAuth) ReadCardData(ms MachineState, value interface{}) error {
	if _, ok := a.GetAuthStatus(ms).(LoggedIn); !ok {
		return card.ErrAuthenticationError
	}

	raw, err := a.card.ReadData()
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return cbor.Unmarshal(raw, value)
}

// WriteCardData encodes value into the card's generic storage object.
// Requires an active session.
func (a *InsertedAuth) WriteCardData(ms MachineState, value interface{}) error {
	if _, ok := a.GetAuthStatus(ms).(LoggedIn); !ok {
		return card.ErrAuthenticationError
	}

	raw, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	return a.card.WriteData(raw)
}

// ClearCardData erases the card's generic storage object. Requires an
// active session.
func (a *InsertedAuth) ClearCardData(ms MachineState) error {
	if _, ok := a.GetAuthStatus(ms).(LoggedIn); !ok {
		return card.ErrAuthenticationError
	}
	return a.card.ClearData()
}

func (a *InsertedAuth) apply(ms MachineState, action Action) AuthStatus {
	a.mu.Lock()
	status, events := reduceInserted(a.status, action, ms, a.now())
	a.status = status
	a.mu.Unlock()

	for _, evt := range events {
		a.logger.Log(evt)
	}
	return status
}

// reduceInserted is the inserted-variant reducer: a pure function of
// (previous status, action, machine state, now). It returns the new
// status plus the audit events this one transition produced.
func reduceInserted(prev AuthStatus, action Action, ms MachineState, now time.Time) (AuthStatus, []Event) {
	var events []Event
	prev, events = expireInsertedSession(prev, now)

	switch action := action.(type) {
	case CheckCardReader:
		next, more := insertedCheckCardReader(prev, action.Status, ms, now)
		return next, append(events, more...)

	case CheckPinResult:
		next, more := insertedCheckPin(prev, action, ms, now)
		return next, append(events, more...)

	case LogOut:
		if _, ok := prev.(LoggedOut); ok {
			return prev, events
		}
		events = append(events, Event{
			ID:          EventLogout,
			Role:        statusRole(prev),
			Disposition: DispositionSuccess,
			Message:     "User logged out",
		})
		return LoggedOut{Reason: ReasonMachineLocked}, events

	case UpdateSessionExpiry:
		if loggedIn, ok := prev.(LoggedIn); ok {
			loggedIn.SessionExpiresAt = action.At
			return loggedIn, events
		}
		return prev, events

	case StartCardlessVoterSession:
		loggedIn, ok := prev.(LoggedIn)
		if !ok || loggedIn.User.Role() != identity.RolePollWorker {
			return prev, events
		}
		loggedIn.CardlessVoter = &identity.CardlessVoterUser{
			BallotStyleID: action.BallotStyleID,
			PrecinctID:    action.PrecinctID,
		}
		events = append(events, Event{
			ID:          EventCardlessSessionStart,
			Role:        identity.RolePollWorker,
			Disposition: DispositionSuccess,
			Message:     "Cardless voter session started",
		})
		return loggedIn, events

	case EndCardlessVoterSession:
		loggedIn, ok := prev.(LoggedIn)
		// Only accepted while logged in as the poll worker; a voter
		// holding a handed-off session cannot end it themselves
		if !ok || loggedIn.User.Role() != identity.RolePollWorker {
			return prev, events
		}
		events = append(events, Event{
			ID:          EventCardlessSessionEnd,
			Role:        identity.RolePollWorker,
			Disposition: DispositionSuccess,
			Message:     "Cardless voter session ended",
		})
		return LoggedOut{Reason: ReasonNoCard}, events

	case UpdateCardlessVoterBallotStyle:
		loggedIn, ok := prev.(LoggedIn)
		if !ok || loggedIn.CardlessVoter == nil {
			return prev, events
		}
		voter := *loggedIn.CardlessVoter
		voter.BallotStyleID = action.BallotStyleID
		loggedIn.CardlessVoter = &voter
		if cv, ok := loggedIn.User.(identity.CardlessVoterUser); ok {
			cv.BallotStyleID = action.BallotStyleID
			loggedIn.User = cv
		}
		return loggedIn, events

	default:
		return prev, events
	}
}

// expireInsertedSession lazily demotes an expired session before any
// action is applied. The caller-supplied card status decides whether
// the demotion lands in checking_pin or logged_out, so expiry here
// only marks the session as over; insertedCheckCardReader rebuilds
// the right state on the same call.
func expireInsertedSession(prev AuthStatus, now time.Time) (AuthStatus, []Event) {
	loggedIn, ok := prev.(LoggedIn)
	if !ok || now.Before(loggedIn.SessionExpiresAt) {
		return prev, nil
	}
	return LoggedOut{Reason: ReasonMachineLocked}, []Event{{
		ID:          EventLogout,
		Role:        statusRole(prev),
		Disposition: DispositionSuccess,
		Message:     "Session expired",
	}}
}

func insertedCheckCardReader(prev AuthStatus, cs vxcard.CardStatus, ms MachineState, now time.Time) (AuthStatus, []Event) {
	ready, isReady := cs.(vxcard.Ready)

	if !isReady {
		switch prev := prev.(type) {
		case LoggedOut:
			next := LoggedOut{Reason: absentCardReason(cs)}
			if next == prev {
				return prev, nil
			}
			return next, nil

		case CheckingPin:
			return LoggedOut{Reason: absentCardReason(cs)}, []Event{{
				ID:          EventPinEntry,
				Role:        prev.User.Role(),
				Disposition: DispositionNA,
				Message:     "PIN entry canceled by card removal",
			}}

		case LoggedIn:
			// Pulling a poll worker's card while a cardless voter
			// session exists hands the session to the voter
			if prev.CardlessVoter != nil {
				if pw, ok := prev.User.(identity.PollWorkerUser); ok {
					prev.AuthorizingPollWorker = &pw
					prev.User = *prev.CardlessVoter
					return prev, []Event{{
						ID:          EventLogin,
						Role:        identity.RoleCardlessVoter,
						Disposition: DispositionSuccess,
						Message:     "Cardless voter session active",
					}}
				}
				// Already handed off; the voter keeps the session
				return prev, nil
			}
			return LoggedOut{Reason: absentCardReason(cs)}, []Event{{
				ID:          EventLogout,
				Role:        prev.User.Role(),
				Disposition: DispositionSuccess,
				Message:     "User logged out by card removal",
			}}
		}
		return prev, nil
	}

	switch prev := prev.(type) {
	case LoggedOut:
		if reason := validateCard(ready.Details, ms, InsertedAuthAllowedRoles); reason != "" {
			next := rejection(reason, ready.Details, ms)
			if next == prev {
				return prev, nil
			}
			return next, []Event{{
				ID:          EventLogin,
				Role:        next.CardUserRole,
				Disposition: DispositionFailure,
				Message:     string(reason),
			}}
		}

		// PIN-less poll worker cards log in directly
		if pw, ok := ready.Details.User.(identity.PollWorkerUser); ok && !pw.HasPin {
			return LoggedIn{
					User:             pw,
					SessionExpiresAt: ms.sessionEnd(now),
				}, []Event{{
					ID:          EventLogin,
					Role:        identity.RolePollWorker,
					Disposition: DispositionSuccess,
					Message:     "User logged in",
				}}
		}

		return CheckingPin{
			User:           ready.Details.User,
			LockedOutUntil: lockoutEnd(now, ready.Details.NumIncorrectPinAttempts, ms),
		}, nil

	case CheckingPin:
		if reason := validateCard(ready.Details, ms, InsertedAuthAllowedRoles); reason != "" {
			next := rejection(reason, ready.Details, ms)
			return next, []Event{{
				ID:          EventLogin,
				Role:        next.CardUserRole,
				Disposition: DispositionFailure,
				Message:     string(reason),
			}}
		}
		prev.User = ready.Details.User
		return prev, nil

	case LoggedIn:
		// Reinserting the authorizing poll worker's card while the
		// voter holds the session swaps control back; any other card
		// leaves the voter in control
		if prev.CardlessVoter != nil && prev.User.Role() == identity.RoleCardlessVoter &&
			prev.AuthorizingPollWorker != nil &&
			validateCard(ready.Details, ms, InsertedAuthAllowedRoles) == "" {
			if pw, ok := ready.Details.User.(identity.PollWorkerUser); ok && pw == *prev.AuthorizingPollWorker {
				prev.User = pw
				prev.AuthorizingPollWorker = nil
				return prev, []Event{{
					ID:          EventLogin,
					Role:        identity.RolePollWorker,
					Disposition: DispositionSuccess,
					Message:     "Poll worker resumed control of cardless voter session",
				}}
			}
		}
		return prev, nil

	default:
		return prev, nil
	}
}

func insertedCheckPin(prev AuthStatus, action CheckPinResult, ms MachineState, now time.Time) (AuthStatus, []Event) {
	checking, ok := prev.(CheckingPin)
	if !ok || isLockedOut(now, checking.LockedOutUntil) {
		return prev, nil
	}

	if action.Err != nil {
		checking.Error = true
		return checking, []Event{{
			ID:          EventPinEntry,
			Role:        checking.User.Role(),
			Disposition: DispositionFailure,
			Message:     "Error checking PIN: " + action.Err.Error(),
		}}
	}

	if action.Response.Correct {
		return LoggedIn{
				User:             checking.User,
				SessionExpiresAt: ms.sessionEnd(now),
			}, []Event{
				{
					ID:          EventPinEntry,
					Role:        checking.User.Role(),
					Disposition: DispositionSuccess,
					Message:     "User entered correct PIN",
				},
				{
					ID:          EventLogin,
					Role:        checking.User.Role(),
					Disposition: DispositionSuccess,
					Message:     "User logged in",
				},
			}
	}

	attempts := action.Response.NumIncorrectPinAttempts
	next := CheckingPin{
		User:              checking.User,
		WrongPinEnteredAt: now,
		LockedOutUntil:    lockoutEnd(now, attempts, ms),
	}
	events := []Event{{
		ID:          EventPinEntry,
		Role:        checking.User.Role(),
		Disposition: DispositionFailure,
		Message:     "User entered incorrect PIN",
	}}
	if !next.LockedOutUntil.IsZero() {
		events = append(events, Event{
			ID:          EventPinEntryLockout,
			Role:        checking.User.Role(),
			Disposition: DispositionNA,
			Message:     "Card locked out until " + next.LockedOutUntil.Format(time.RFC3339),
		})
	}
	return next, events
}
