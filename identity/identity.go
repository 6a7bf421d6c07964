// Package identity defines the card-derived user and role types
// shared by the certificate parser, the card implementations and the
// auth state machines.
package identity

// Role names the privilege level a card grants
type Role string

const (
	RoleSystemAdministrator  Role = "system_administrator"
	RoleElectionManager      Role = "election_manager"
	RolePollWorker           Role = "poll_worker"
	RoleCardlessVoter        Role = "cardless_voter"
	RoleCommonAccessCardUser Role = "common_access_card_user"
)

// User is a role-tagged identity record extracted from a card.
// The set of implementations is closed; consumers dispatch with an
// exhaustive type switch.
type User interface {
	Role() Role
}

type SystemAdministratorUser struct {
	Jurisdiction string
}

func (SystemAdministratorUser) Role() Role { return RoleSystemAdministrator }

type ElectionManagerUser struct {
	Jurisdiction string
	ElectionHash string
}

func (ElectionManagerUser) Role() Role { return RoleElectionManager }

type PollWorkerUser struct {
	Jurisdiction string
	ElectionHash string
	HasPin       bool
}

func (PollWorkerUser) Role() Role { return RolePollWorker }

type CommonAccessCardUser struct {
	ID           string
	GivenName    string
	MiddleName   string
	FamilyName   string
	Jurisdiction string
}

func (CommonAccessCardUser) Role() Role { return RoleCommonAccessCardUser }

// CardlessVoterUser is a voter session authorized by a poll worker's
// card; it never originates from a certificate
type CardlessVoterUser struct {
	BallotStyleID string
	PrecinctID    string
}

func (CardlessVoterUser) Role() Role { return RoleCardlessVoter }

// Jurisdiction returns the jurisdiction claimed by a card user, or
// "" for users that carry none
func Jurisdiction(u User) string {
	switch u := u.(type) {
	case SystemAdministratorUser:
		return u.Jurisdiction
	case ElectionManagerUser:
		return u.Jurisdiction
	case PollWorkerUser:
		return u.Jurisdiction
	case CommonAccessCardUser:
		return u.Jurisdiction
	default:
		return ""
	}
}

// CardDetails pairs the identity on a card with the card's own
// incorrect-PIN counter. The counter is sourced from the card, so it
// survives removal and reinsertion.
type CardDetails struct {
	User                    User
	NumIncorrectPinAttempts int
}
