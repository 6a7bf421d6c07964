package auth

import (
	"io"
	"log/slog"
	"math"

	"github.com/votingworks/cacvote-sub000/identity"
)

// EventID names an observable security transition
type EventID string

const (
	EventLogin                EventID = "auth-login"
	EventLogout               EventID = "auth-logout"
	EventPinEntry             EventID = "auth-pin-entry"
	EventPinEntryLockout      EventID = "auth-pin-entry-lockout"
	EventCardlessSessionStart EventID = "auth-cardless-session-start"
	EventCardlessSessionEnd   EventID = "auth-cardless-session-end"
	EventProgramInit          EventID = "card-program-init"
	EventProgramComplete      EventID = "card-program-complete"
	EventUnprogramInit        EventID = "card-unprogram-init"
	EventUnprogramComplete    EventID = "card-unprogram-complete"
)

// Disposition classifies an event outcome
type Disposition string

const (
	DispositionSuccess Disposition = "success"
	DispositionFailure Disposition = "failure"
	DispositionNA      Disposition = "na"
)

// Event is one audit record. Reducers return the events a transition
// produced, so intent never has to be re-derived by diffing statuses.
type Event struct {
	ID          EventID
	Role        identity.Role
	Disposition Disposition
	Message     string
}

// Logger is the audit sink collaborator
type Logger interface {
	Log(event Event)
}

// SlogLogger writes audit events as structured log records
type SlogLogger struct {
	L *slog.Logger
}

func (s SlogLogger) Log(event Event) {
	s.L.Info(string(event.ID),
		slog.String("role", string(event.Role)),
		slog.String("disposition", string(event.Disposition)),
		slog.String("message", event.Message),
	)
}

var _ Logger = SlogLogger{}

// NoopLogger returns a Logger that discards everything
func NoopLogger() Logger {
	hdlr := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)})
	return SlogLogger{L: slog.New(hdlr)}
}
