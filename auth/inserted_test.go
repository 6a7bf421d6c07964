package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votingworks/cacvote-sub000/card"
	"github.com/votingworks/cacvote-sub000/identity"
	"github.com/votingworks/cacvote-sub000/vxcard"
)

func pollWorker(hasPin bool) identity.PollWorkerUser {
	return identity.PollWorkerUser{
		Jurisdiction: "st.test",
		ElectionHash: "abcdef",
		HasPin:       hasPin,
	}
}

func newTestInserted() (*InsertedAuth, *vxcard.MockCard, *fakeClock, *captureLogger) {
	m := vxcard.NewMockCard()
	log := &captureLogger{}
	a := NewInsertedAuth(m, log)
	clock := &fakeClock{t: time.Date(2024, 7, 4, 12, 0, 0, 0, time.UTC)}
	a.now = clock.now
	return a, m, clock, log
}

func TestInsertedFullLoginFlow(t *testing.T) {
	a, m, clock, log := newTestInserted()
	ms := testMachineState()

	assert.Equal(t, LoggedOut{Reason: ReasonNoCard}, a.GetAuthStatus(ms))

	m.Insert(emUser, "123456")
	checking, ok := a.GetAuthStatus(ms).(CheckingPin)
	require.True(t, ok)
	assert.Equal(t, emUser, checking.User)

	// no remove_card stage: a correct PIN logs in directly
	status := a.CheckPin(ms, "123456")
	loggedIn, ok := status.(LoggedIn)
	require.True(t, ok)
	assert.Equal(t, emUser, loggedIn.User)
	assert.Equal(t, clock.t.Add(12*time.Hour), loggedIn.SessionExpiresAt)

	assert.Equal(t, []EventID{EventPinEntry, EventLogin}, log.ids())
}

func TestInsertedCardPullEndsSession(t *testing.T) {
	a, m, _, log := newTestInserted()
	ms := testMachineState()

	m.Insert(emUser, "123456")
	a.GetAuthStatus(ms)
	a.CheckPin(ms, "123456")

	m.Remove()
	status := a.GetAuthStatus(ms)
	assert.Equal(t, LoggedOut{Reason: ReasonNoCard}, status)
	assert.Equal(t, EventLogout, log.events[len(log.events)-1].ID)
}

func TestInsertedPinlessPollWorkerLogsInDirectly(t *testing.T) {
	a, m, _, log := newTestInserted()
	ms := testMachineState()
	ms.ArePollWorkerCardPinsEnabled = false

	m.Insert(pollWorker(false), "")
	status := a.GetAuthStatus(ms)
	loggedIn, ok := status.(LoggedIn)
	require.True(t, ok)
	assert.Equal(t, pollWorker(false), loggedIn.User)
	assert.Equal(t, []EventID{EventLogin}, log.ids())
}

func TestInsertedExpiryWithCardInsertedReturnsToCheckingPin(t *testing.T) {
	a, m, clock, _ := newTestInserted()
	ms := testMachineState()

	m.Insert(emUser, "123456")
	a.GetAuthStatus(ms)
	a.CheckPin(ms, "123456")

	// with the card still inserted, expiry lands in checking_pin for
	// the same user, never logged_out
	clock.advance(12 * time.Hour)
	checking, ok := a.GetAuthStatus(ms).(CheckingPin)
	require.True(t, ok)
	assert.Equal(t, emUser, checking.User)
}

func loginAsPollWorker(t *testing.T, a *InsertedAuth, m *vxcard.MockCard, ms MachineState) {
	t.Helper()
	m.Insert(pollWorker(true), "123456")
	a.GetAuthStatus(ms)
	_, ok := a.CheckPin(ms, "123456").(LoggedIn)
	require.True(t, ok)
}

func TestInsertedCardlessVoterRoundTrip(t *testing.T) {
	a, m, _, log := newTestInserted()
	ms := testMachineState()
	ms.ArePollWorkerCardPinsEnabled = true

	loginAsPollWorker(t, a, m, ms)

	status := a.StartCardlessVoterSession(ms, "ballot-style-7", "precinct-3")
	loggedIn, ok := status.(LoggedIn)
	require.True(t, ok)
	assert.Equal(t, pollWorker(true), loggedIn.User)
	require.NotNil(t, loggedIn.CardlessVoter)
	assert.Equal(t, "ballot-style-7", loggedIn.CardlessVoter.BallotStyleID)
	assert.Equal(t, "precinct-3", loggedIn.CardlessVoter.PrecinctID)

	// pulling the poll worker's card hands the session to the voter
	m.Remove()
	loggedIn, ok = a.GetAuthStatus(ms).(LoggedIn)
	require.True(t, ok)
	assert.Equal(t, identity.CardlessVoterUser{
		BallotStyleID: "ballot-style-7",
		PrecinctID:    "precinct-3",
	}, loggedIn.User)

	// reinserting the card swaps control back, voter retained
	m.Reinsert()
	loggedIn, ok = a.GetAuthStatus(ms).(LoggedIn)
	require.True(t, ok)
	assert.Equal(t, pollWorker(true), loggedIn.User)
	require.NotNil(t, loggedIn.CardlessVoter)

	status = a.EndCardlessVoterSession(ms)
	assert.Equal(t, LoggedOut{Reason: ReasonNoCard}, status)

	ids := log.ids()
	assert.Equal(t, []EventID{
		EventPinEntry,
		EventLogin,
		EventCardlessSessionStart,
		EventLogin, // voter takes the session
		EventLogin, // poll worker resumes
		EventCardlessSessionEnd,
	}, ids)
}

func TestInsertedVoterKeepsSessionAcrossPolls(t *testing.T) {
	a, m, _, _ := newTestInserted()
	ms := testMachineState()
	ms.ArePollWorkerCardPinsEnabled = true

	loginAsPollWorker(t, a, m, ms)
	a.StartCardlessVoterSession(ms, "ballot-style-7", "precinct-3")
	m.Remove()
	a.GetAuthStatus(ms)

	// repeated polls do not log the voter out or re-emit events
	for i := 0; i < 3; i++ {
		loggedIn, ok := a.GetAuthStatus(ms).(LoggedIn)
		require.True(t, ok)
		assert.Equal(t, identity.RoleCardlessVoter, loggedIn.User.Role())
	}

	// a voter holding the handed-off session cannot end it themselves
	loggedIn, ok := a.EndCardlessVoterSession(ms).(LoggedIn)
	require.True(t, ok)
	assert.Equal(t, identity.RoleCardlessVoter, loggedIn.User.Role())
	require.NotNil(t, loggedIn.CardlessVoter)

	// the poll worker can, once their card is back in the reader
	m.Reinsert()
	a.GetAuthStatus(ms)
	status := a.EndCardlessVoterSession(ms)
	assert.Equal(t, LoggedOut{Reason: ReasonNoCard}, status)
}

func TestInsertedOnlyAuthorizingPollWorkerResumesControl(t *testing.T) {
	a, m, _, _ := newTestInserted()
	ms := testMachineState()
	ms.ArePollWorkerCardPinsEnabled = true
	// unconfigured jurisdiction: poll worker cards from any
	// jurisdiction validate, so the cards are distinguishable
	ms.Jurisdiction = ""

	authorizer := identity.PollWorkerUser{
		Jurisdiction: "st.north",
		ElectionHash: "abcdef",
		HasPin:       true,
	}
	other := identity.PollWorkerUser{
		Jurisdiction: "st.south",
		ElectionHash: "abcdef",
		HasPin:       true,
	}

	m.Insert(authorizer, "123456")
	a.GetAuthStatus(ms)
	_, ok := a.CheckPin(ms, "123456").(LoggedIn)
	require.True(t, ok)

	a.StartCardlessVoterSession(ms, "ballot-style-7", "precinct-3")
	m.Remove()
	loggedIn, ok := a.GetAuthStatus(ms).(LoggedIn)
	require.True(t, ok)
	require.NotNil(t, loggedIn.AuthorizingPollWorker)
	assert.Equal(t, authorizer, *loggedIn.AuthorizingPollWorker)

	// a different valid poll worker card does not take over the session
	m.Insert(other, "123456")
	loggedIn, ok = a.GetAuthStatus(ms).(LoggedIn)
	require.True(t, ok)
	assert.Equal(t, identity.RoleCardlessVoter, loggedIn.User.Role())

	m.Remove()
	loggedIn, ok = a.GetAuthStatus(ms).(LoggedIn)
	require.True(t, ok)
	assert.Equal(t, identity.RoleCardlessVoter, loggedIn.User.Role())

	// the authorizing worker's card swaps control back
	m.Insert(authorizer, "123456")
	loggedIn, ok = a.GetAuthStatus(ms).(LoggedIn)
	require.True(t, ok)
	assert.Equal(t, authorizer, loggedIn.User)
	assert.Nil(t, loggedIn.AuthorizingPollWorker)
	require.NotNil(t, loggedIn.CardlessVoter)
}

func TestInsertedStartCardlessSessionRequiresPollWorker(t *testing.T) {
	a, m, _, _ := newTestInserted()
	ms := testMachineState()

	// not logged in
	status := a.StartCardlessVoterSession(ms, "b", "p")
	_, ok := status.(LoggedOut)
	assert.True(t, ok)

	// logged in as election manager
	m.Insert(emUser, "123456")
	a.GetAuthStatus(ms)
	a.CheckPin(ms, "123456")

	loggedIn, ok := a.StartCardlessVoterSession(ms, "b", "p").(LoggedIn)
	require.True(t, ok)
	assert.Nil(t, loggedIn.CardlessVoter)

	// end is likewise ignored without a poll worker or active voter
	_, ok = a.EndCardlessVoterSession(ms).(LoggedIn)
	assert.True(t, ok)
}

func TestInsertedUpdateCardlessVoterBallotStyle(t *testing.T) {
	a, m, _, _ := newTestInserted()
	ms := testMachineState()
	ms.ArePollWorkerCardPinsEnabled = true

	loginAsPollWorker(t, a, m, ms)
	a.StartCardlessVoterSession(ms, "ballot-style-7", "precinct-3")

	// while the poll worker holds the session only the record changes
	loggedIn, ok := a.UpdateCardlessVoterBallotStyle(ms, "ballot-style-8").(LoggedIn)
	require.True(t, ok)
	assert.Equal(t, "ballot-style-8", loggedIn.CardlessVoter.BallotStyleID)
	assert.Equal(t, pollWorker(true), loggedIn.User)

	// once handed off, the active user is updated as well
	m.Remove()
	a.GetAuthStatus(ms)
	loggedIn, ok = a.UpdateCardlessVoterBallotStyle(ms, "ballot-style-9").(LoggedIn)
	require.True(t, ok)
	assert.Equal(t, "ballot-style-9", loggedIn.CardlessVoter.BallotStyleID)
	assert.Equal(t, identity.CardlessVoterUser{
		BallotStyleID: "ballot-style-9",
		PrecinctID:    "precinct-3",
	}, loggedIn.User)
}

type pollbookPayload struct {
	VoterID   string `cbor:"voterId"`
	CheckedIn bool   `cbor:"checkedIn"`
}

func TestInsertedCardDataRequiresSession(t *testing.T) {
	a, _, _, _ := newTestInserted()
	ms := testMachineState()

	var out pollbookPayload
	assert.ErrorIs(t, a.ReadCardData(ms, &out), card.ErrAuthenticationError)
	assert.ErrorIs(t, a.WriteCardData(ms, pollbookPayload{}), card.ErrAuthenticationError)
	assert.ErrorIs(t, a.ClearCardData(ms), card.ErrAuthenticationError)
}

func TestInsertedCardDataRoundTrip(t *testing.T) {
	a, m, _, _ := newTestInserted()
	ms := testMachineState()

	m.Insert(emUser, "123456")
	a.GetAuthStatus(ms)
	a.CheckPin(ms, "123456")

	in := pollbookPayload{VoterID: "v-001", CheckedIn: true}
	require.NoError(t, a.WriteCardData(ms, in))

	var out pollbookPayload
	require.NoError(t, a.ReadCardData(ms, &out))
	assert.Equal(t, in, out)

	require.NoError(t, a.ClearCardData(ms))

	// an empty storage object leaves the destination untouched
	out = pollbookPayload{}
	require.NoError(t, a.ReadCardData(ms, &out))
	assert.Equal(t, pollbookPayload{}, out)
}

func TestInsertedLockoutMatchesDippedPolicy(t *testing.T) {
	a, m, clock, _ := newTestInserted()
	ms := testMachineState()

	m.Insert(emUser, "123456")
	a.GetAuthStatus(ms)
	for i := 0; i < 2; i++ {
		a.CheckPin(ms, "000000")
	}

	checking, ok := a.CheckPin(ms, "000000").(CheckingPin)
	require.True(t, ok)
	assert.Equal(t, clock.t.Add(30*time.Second), checking.LockedOutUntil)

	// locked out: even the correct PIN is not forwarded to the card
	status := a.CheckPin(ms, "123456")
	assert.Equal(t, AuthStatus(checking), status)
}

func TestInsertedLogOutWhileVoterActive(t *testing.T) {
	a, m, _, _ := newTestInserted()
	ms := testMachineState()
	ms.ArePollWorkerCardPinsEnabled = true

	loginAsPollWorker(t, a, m, ms)
	a.StartCardlessVoterSession(ms, "b", "p")
	m.Remove()
	a.GetAuthStatus(ms)

	status := a.LogOut(ms)
	assert.Equal(t, LoggedOut{Reason: ReasonMachineLocked}, status)
}
