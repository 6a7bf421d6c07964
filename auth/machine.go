// Package auth turns card presence and PIN events into verified,
// role-scoped, time-bounded sessions. It provides two state machine
// variants: dipped (the card must be removed to complete login) and
// inserted (the card must stay in the reader).
package auth

import "time"

// MachineState is the machine configuration consulted on every call.
// It is supplied fresh by the caller each time; this subsystem
// persists no configuration of its own.
type MachineState struct {
	// Jurisdiction the machine is configured for. Empty means
	// unconfigured, which skips jurisdiction checks entirely.
	Jurisdiction string

	// ElectionHash of the configured election. Empty means the
	// machine has no election configured.
	ElectionHash string

	// ArePollWorkerCardPinsEnabled selects between PIN-protected and
	// PIN-less poll worker cards; cards of the other kind are
	// rejected outright.
	ArePollWorkerCardPinsEnabled bool

	// AllowElectionManagersToAccessUnconfiguredMachines permits
	// election manager cards on a machine with no election.
	AllowElectionManagersToAccessUnconfiguredMachines bool

	// AllowElectionManagersToAccessMachinesConfiguredForOtherElections
	// permits election manager cards whose election hash differs
	// from the machine's.
	AllowElectionManagersToAccessMachinesConfiguredForOtherElections bool

	// NumIncorrectPinAttemptsAllowedBeforeCardLockout is the attempt
	// count at which lockout begins.
	NumIncorrectPinAttemptsAllowedBeforeCardLockout int

	// StartingCardLockoutDurationSeconds is the base lockout
	// duration; it doubles per attempt beyond the threshold.
	StartingCardLockoutDurationSeconds int

	// OverallSessionTimeLimitHours bounds every session.
	OverallSessionTimeLimitHours int
}

// DefaultMachineState mirrors the standard machine policy
func DefaultMachineState() MachineState {
	return MachineState{
		ArePollWorkerCardPinsEnabled:                    false,
		NumIncorrectPinAttemptsAllowedBeforeCardLockout: 5,
		StartingCardLockoutDurationSeconds:              15,
		OverallSessionTimeLimitHours:                    12,
	}
}

func (ms MachineState) sessionEnd(now time.Time) time.Time {
	return now.Add(time.Duration(ms.OverallSessionTimeLimitHours) * time.Hour)
}
