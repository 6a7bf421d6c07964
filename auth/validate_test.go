package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/votingworks/cacvote-sub000/identity"
)

func configuredMachine() MachineState {
	ms := DefaultMachineState()
	ms.Jurisdiction = "st.test"
	ms.ElectionHash = "abcdef"
	return ms
}

func details(user identity.User) *identity.CardDetails {
	return &identity.CardDetails{User: user}
}

func TestValidateCardNoIdentity(t *testing.T) {
	ms := configuredMachine()
	assert.Equal(t, ReasonInvalidUserOnCard, validateCard(nil, ms, DippedAuthAllowedRoles))
	assert.Equal(t, ReasonInvalidUserOnCard,
		validateCard(&identity.CardDetails{}, ms, DippedAuthAllowedRoles))
}

func TestValidateCardJurisdiction(t *testing.T) {
	ms := configuredMachine()

	sa := identity.SystemAdministratorUser{Jurisdiction: "st.other"}
	assert.Equal(t, ReasonWrongJurisdiction, validateCard(details(sa), ms, DippedAuthAllowedRoles))

	// an unconfigured machine skips jurisdiction checks entirely
	ms.Jurisdiction = ""
	assert.Equal(t, LoggedOutReason(""), validateCard(details(sa), ms, DippedAuthAllowedRoles))
}

func TestValidateCardRoleNotAllowed(t *testing.T) {
	ms := configuredMachine()
	ms.ArePollWorkerCardPinsEnabled = true

	pw := identity.PollWorkerUser{Jurisdiction: "st.test", ElectionHash: "abcdef", HasPin: true}
	assert.Equal(t, ReasonUserRoleNotAllowed, validateCard(details(pw), ms, DippedAuthAllowedRoles))
	assert.Equal(t, LoggedOutReason(""), validateCard(details(pw), ms, InsertedAuthAllowedRoles))
}

func TestValidateElectionManager(t *testing.T) {
	em := identity.ElectionManagerUser{Jurisdiction: "st.test", ElectionHash: "abcdef"}

	ms := configuredMachine()
	assert.Equal(t, LoggedOutReason(""), validateCard(details(em), ms, DippedAuthAllowedRoles))

	ms.ElectionHash = "123456"
	assert.Equal(t, ReasonWrongElection, validateCard(details(em), ms, DippedAuthAllowedRoles))

	ms.AllowElectionManagersToAccessMachinesConfiguredForOtherElections = true
	assert.Equal(t, LoggedOutReason(""), validateCard(details(em), ms, DippedAuthAllowedRoles))

	ms = configuredMachine()
	ms.ElectionHash = ""
	assert.Equal(t, ReasonMachineNotConfigured, validateCard(details(em), ms, DippedAuthAllowedRoles))

	ms.AllowElectionManagersToAccessUnconfiguredMachines = true
	assert.Equal(t, LoggedOutReason(""), validateCard(details(em), ms, DippedAuthAllowedRoles))
}

func TestValidatePollWorkerPinPolicy(t *testing.T) {
	ms := configuredMachine()

	withPin := identity.PollWorkerUser{Jurisdiction: "st.test", ElectionHash: "abcdef", HasPin: true}
	withoutPin := identity.PollWorkerUser{Jurisdiction: "st.test", ElectionHash: "abcdef", HasPin: false}

	// PIN-protected and PIN-less poll worker cards are mutually
	// exclusive and must match machine policy exactly
	ms.ArePollWorkerCardPinsEnabled = true
	assert.Equal(t, LoggedOutReason(""), validateCard(details(withPin), ms, InsertedAuthAllowedRoles))
	assert.Equal(t, ReasonInvalidUserOnCard, validateCard(details(withoutPin), ms, InsertedAuthAllowedRoles))

	ms.ArePollWorkerCardPinsEnabled = false
	assert.Equal(t, ReasonInvalidUserOnCard, validateCard(details(withPin), ms, InsertedAuthAllowedRoles))
	assert.Equal(t, LoggedOutReason(""), validateCard(details(withoutPin), ms, InsertedAuthAllowedRoles))
}

func TestValidatePollWorkerElection(t *testing.T) {
	ms := configuredMachine()
	pw := identity.PollWorkerUser{Jurisdiction: "st.test", ElectionHash: "123456"}
	assert.Equal(t, ReasonWrongElection, validateCard(details(pw), ms, InsertedAuthAllowedRoles))

	ms.ElectionHash = ""
	assert.Equal(t, ReasonMachineNotConfigured, validateCard(details(pw), ms, InsertedAuthAllowedRoles))
}

func TestRejectionCapturesCardFields(t *testing.T) {
	ms := configuredMachine()
	em := identity.ElectionManagerUser{Jurisdiction: "st.other", ElectionHash: "abcdef"}

	out := rejection(ReasonWrongJurisdiction, details(em), ms)
	assert.Equal(t, ReasonWrongJurisdiction, out.Reason)
	assert.Equal(t, identity.RoleElectionManager, out.CardUserRole)
	assert.Equal(t, "st.other", out.CardJurisdiction)
	assert.Equal(t, "st.test", out.MachineJurisdiction)
}
