package auth

import (
	"github.com/votingworks/cacvote-sub000/identity"
)

// validateCard decides whether a ready card may proceed to PIN entry.
// It returns "" when the card is acceptable, or the logged-out reason
// describing the rejection. Run on every observation of a ready card.
func validateCard(details *identity.CardDetails, ms MachineState, allowedRoles []identity.Role) LoggedOutReason {
	if details == nil || details.User == nil {
		return ReasonInvalidUserOnCard
	}
	user := details.User

	// An unconfigured machine skips jurisdiction checks entirely
	if ms.Jurisdiction != "" {
		if j := identity.Jurisdiction(user); j != ms.Jurisdiction {
			return ReasonWrongJurisdiction
		}
	}

	allowed := false
	for _, role := range allowedRoles {
		if user.Role() == role {
			allowed = true
			break
		}
	}
	if !allowed {
		return ReasonUserRoleNotAllowed
	}

	switch user := user.(type) {
	case identity.ElectionManagerUser:
		if ms.ElectionHash == "" {
			if !ms.AllowElectionManagersToAccessUnconfiguredMachines {
				return ReasonMachineNotConfigured
			}
		} else if user.ElectionHash != ms.ElectionHash {
			if !ms.AllowElectionManagersToAccessMachinesConfiguredForOtherElections {
				return ReasonWrongElection
			}
		}

	case identity.PollWorkerUser:
		if ms.ElectionHash == "" {
			return ReasonMachineNotConfigured
		}
		if user.ElectionHash != ms.ElectionHash {
			return ReasonWrongElection
		}
		// PIN-protected and PIN-less poll worker cards are mutually
		// exclusive; the card must match machine policy exactly
		if user.HasPin != ms.ArePollWorkerCardPinsEnabled {
			return ReasonInvalidUserOnCard
		}
	}

	return ""
}

// rejection builds the logged_out status for a failed validation
func rejection(reason LoggedOutReason, details *identity.CardDetails, ms MachineState) LoggedOut {
	out := LoggedOut{Reason: reason, MachineJurisdiction: ms.Jurisdiction}
	if details != nil && details.User != nil {
		out.CardUserRole = details.User.Role()
		out.CardJurisdiction = identity.Jurisdiction(details.User)
	}
	return out
}
