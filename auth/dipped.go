package auth

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/votingworks/cacvote-sub000/card"
	"github.com/votingworks/cacvote-sub000/identity"
	"github.com/votingworks/cacvote-sub000/vxcard"
)

// DippedAuthAllowedRoles are the roles that may use dipped auth
var DippedAuthAllowedRoles = []identity.Role{
	identity.RoleSystemAdministrator,
	identity.RoleElectionManager,
}

// DippedAuth implements the dip-to-log-in flow: insert a valid card,
// enter its PIN, remove the card to complete the login. It owns its
// AuthStatus exclusively; callers poll it, there is no background
// driver.
type DippedAuth struct {
	card   vxcard.Card
	logger Logger
	now    func() time.Time

	mu     sync.Mutex
	status AuthStatus
}

// NewDippedAuth creates a dipped auth instance over one card
func NewDippedAuth(c vxcard.Card, logger Logger) *DippedAuth {
	if logger == nil {
		logger = NoopLogger()
	}
	return &DippedAuth{
		card:   c,
		logger: logger,
		now:    time.Now,
		status: LoggedOut{Reason: ReasonMachineLocked},
	}
}

// GetAuthStatus re-evaluates the latest card status and returns the
// resulting auth status
func (a *DippedAuth) GetAuthStatus(ms MachineState) AuthStatus {
	return a.apply(ms, CheckCardReader{Status: a.card.Status()})
}

// CheckPin submits a PIN. Accepted only while checking_pin and not
// inside a lockout window; otherwise the status is left unchanged.
func (a *DippedAuth) CheckPin(ms MachineState, pin string) AuthStatus {
	status := a.GetAuthStatus(ms)

	checking, ok := status.(CheckingPin)
	if !ok || isLockedOut(a.now(), checking.LockedOutUntil) {
		return status
	}

	resp, err := a.card.CheckPin(pin)
	return a.apply(ms, CheckPinResult{Response: resp, Err: err})
}

// LogOut ends any active session
func (a *DippedAuth) LogOut(ms MachineState) AuthStatus {
	return a.apply(ms, LogOut{})
}

// UpdateSessionExpiry moves the session deadline
func (a *DippedAuth) UpdateSessionExpiry(ms MachineState, at time.Time) AuthStatus {
	return a.apply(ms, UpdateSessionExpiry{At: at})
}

// ProgramCard writes a fresh identity to the programmable card. Only
// a logged-in system administrator may program cards. The PIN is
// generated here unless the request pre-sets one (PIN-less poll
// worker cards when so configured). Returns the PIN in effect.
func (a *DippedAuth) ProgramCard(ms MachineState, req vxcard.ProgramRequest) (string, error) {
	status := a.GetAuthStatus(ms)
	loggedIn, ok := status.(LoggedIn)
	if !ok {
		return "", card.ErrAuthenticationError
	}
	if loggedIn.User.Role() != identity.RoleSystemAdministrator {
		return "", card.ErrAuthorizationError
	}

	pinless := false
	if pw, ok := req.User.(identity.PollWorkerUser); ok && !pw.HasPin {
		pinless = true
	}
	if req.Pin == "" && !pinless {
		pin, err := GeneratePin()
		if err != nil {
			return "", err
		}
		req.Pin = pin
	}

	a.logger.Log(Event{
		ID:          EventProgramInit,
		Role:        identity.RoleSystemAdministrator,
		Disposition: DispositionNA,
		Message:     "Programming card",
	})

	err := a.card.Program(req)

	complete := Event{
		ID:          EventProgramComplete,
		Role:        identity.RoleSystemAdministrator,
		Disposition: DispositionSuccess,
		Message:     "Card programmed",
	}
	if err != nil {
		complete.Disposition = DispositionFailure
		complete.Message = err.Error()
	}
	a.logger.Log(complete)

	if err != nil {
		return "", err
	}
	return req.Pin, nil
}

// UnprogramCard clears the identity from the programmable card
func (a *DippedAuth) UnprogramCard(ms MachineState) error {
	status := a.GetAuthStatus(ms)
	loggedIn, ok := status.(LoggedIn)
	if !ok {
		return card.ErrAuthenticationError
	}
	if loggedIn.User.Role() != identity.RoleSystemAdministrator {
		return card.ErrAuthorizationError
	}

	a.logger.Log(Event{
		ID:          EventUnprogramInit,
		Role:        identity.RoleSystemAdministrator,
		Disposition: DispositionNA,
		Message:     "Unprogramming card",
	})

	err := a.card.Unprogram()

	complete := Event{
		ID:          EventUnprogramComplete,
		Role:        identity.RoleSystemAdministrator,
		Disposition: DispositionSuccess,
		Message:     "Card unprogrammed",
	}
	if err != nil {
		complete.Disposition = DispositionFailure
		complete.Message = err.Error()
	}
	a.logger.Log(complete)

	return err
}

func (a *DippedAuth) apply(ms MachineState, action Action) AuthStatus {
	a.mu.Lock()
	status, events := reduceDipped(a.status, action, ms, a.now())
	a.status = status
	a.mu.Unlock()

	for _, evt := range events {
		a.logger.Log(evt)
	}
	return status
}

// reduceDipped is the dipped-variant reducer: a pure function of
// (previous status, action, machine state, now). It returns the new
// status plus the audit events this one transition produced.
func reduceDipped(prev AuthStatus, action Action, ms MachineState, now time.Time) (AuthStatus, []Event) {
	var events []Event
	prev, events = expireDippedSession(prev, now)

	switch action := action.(type) {
	case CheckCardReader:
		next, more := dippedCheckCardReader(prev, action.Status, ms, now)
		return next, append(events, more...)

	case CheckPinResult:
		next, more := dippedCheckPin(prev, action, ms, now)
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
		switch prev := prev.(type) {
		case RemoveCard:
			prev.SessionExpiresAt = action.At
			return prev, events
		case LoggedIn:
			prev.SessionExpiresAt = action.At
			return prev, events
		}
		return prev, events

	default:
		// Cardless voter actions have no meaning on the dipped variant
		return prev, events
	}
}

// expireDippedSession lazily demotes an expired session before any
// action is applied. There is no background timer.
func expireDippedSession(prev AuthStatus, now time.Time) (AuthStatus, []Event) {
	var expiresAt time.Time
	switch prev := prev.(type) {
	case RemoveCard:
		expiresAt = prev.SessionExpiresAt
	case LoggedIn:
		expiresAt = prev.SessionExpiresAt
	default:
		return prev, nil
	}

	if now.Before(expiresAt) {
		return prev, nil
	}
	return LoggedOut{Reason: ReasonMachineLocked}, []Event{{
		ID:          EventLogout,
		Role:        statusRole(prev),
		Disposition: DispositionSuccess,
		Message:     "Session expired",
	}}
}

func dippedCheckCardReader(prev AuthStatus, cs vxcard.CardStatus, ms MachineState, now time.Time) (AuthStatus, []Event) {
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
			// Card pulled before the PIN was verified
			return LoggedOut{Reason: ReasonMachineLocked}, []Event{{
				ID:          EventPinEntry,
				Role:        prev.User.Role(),
				Disposition: DispositionNA,
				Message:     "PIN entry canceled by card removal",
			}}

		case RemoveCard:
			// Pulling the card completes the login
			next := LoggedIn{
				User:             prev.User,
				SessionExpiresAt: prev.SessionExpiresAt,
			}
			if next.User.Role() == identity.RoleSystemAdministrator {
				next.ProgrammableCard = cs
			}
			return next, []Event{{
				ID:          EventLogin,
				Role:        prev.User.Role(),
				Disposition: DispositionSuccess,
				Message:     "User logged in",
			}}

		case LoggedIn:
			// Dipped sessions survive card removal; a system
			// administrator still sees the empty slot's state
			if prev.User.Role() == identity.RoleSystemAdministrator {
				prev.ProgrammableCard = cs
			} else {
				prev.ProgrammableCard = nil
			}
			return prev, nil
		}
		return prev, nil
	}

	switch prev := prev.(type) {
	case LoggedOut:
		if reason := validateCard(ready.Details, ms, DippedAuthAllowedRoles); reason != "" {
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
		return CheckingPin{
			User:           ready.Details.User,
			LockedOutUntil: lockoutEnd(now, ready.Details.NumIncorrectPinAttempts, ms),
		}, nil

	case CheckingPin:
		// Same card still present; re-validate in case it was swapped
		// between polls without an observed removal
		if reason := validateCard(ready.Details, ms, DippedAuthAllowedRoles); reason != "" {
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
		// A newly inserted card is a programming target for a system
		// administrator, never a login attempt
		if prev.User.Role() == identity.RoleSystemAdministrator {
			prev.ProgrammableCard = cs
		}
		return prev, nil

	default:
		// RemoveCard: the user has not pulled their card yet
		return prev, nil
	}
}

func dippedCheckPin(prev AuthStatus, action CheckPinResult, ms MachineState, now time.Time) (AuthStatus, []Event) {
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
		return RemoveCard{
				User:             checking.User,
				SessionExpiresAt: ms.sessionEnd(now),
			}, []Event{{
				ID:          EventPinEntry,
				Role:        checking.User.Role(),
				Disposition: DispositionSuccess,
				Message:     "User entered correct PIN",
			}}
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

// absentCardReason maps a no-card status onto the logged-out reason
func absentCardReason(cs vxcard.CardStatus) LoggedOutReason {
	switch cs.(type) {
	case vxcard.NoCardReader:
		return ReasonNoCardReader
	case vxcard.CardError:
		return ReasonCardError
	default:
		// no_card and unknown_error both present as an absent card
		return ReasonNoCard
	}
}

// statusRole extracts the acting role from a status for audit records
func statusRole(status AuthStatus) identity.Role {
	switch status := status.(type) {
	case CheckingPin:
		return status.User.Role()
	case RemoveCard:
		return status.User.Role()
	case LoggedIn:
		return status.User.Role()
	default:
		return ""
	}
}

// GeneratePin returns a random 6-digit PIN
func GeneratePin() (string, error) {
	max := big.NewInt(1000000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	pin := n.String()
	for len(pin) < 6 {
		pin = "0" + pin
	}
	return pin, nil
}
