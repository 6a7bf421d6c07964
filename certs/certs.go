// Package certs extracts typed identity records from card
// certificates. Two shapes are understood: VotingWorks-issued certs
// carrying custom enterprise-OID subject fields, and DoD CAC certs
// whose Common Name encodes SURNAME.GIVEN.MIDDLE.ID.
package certs

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"strings"

	"github.com/pkg/errors"

	"github.com/votingworks/cacvote-sub000/identity"
)

// VotingWorks enterprise OID arc and its subject sub-identifiers
var (
	oidComponent          = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 59817, 1}
	oidJurisdiction       = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 59817, 2}
	oidCardType           = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 59817, 3}
	oidElectionHash       = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 59817, 4}
	oidCommonAccessCardID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 59817, 5}
	oidGivenName          = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 59817, 6}
	oidMiddleName         = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 59817, 7}
	oidFamilyName         = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 59817, 8}
)

// Sentinel subject fields that must be present before any custom
// field is trusted
const (
	vxCountry      = "US"
	vxOrganization = "VotingWorks"
	cacOrg         = "U.S. Government"

	componentCard = "card"
)

// Card types carried in the card-type subject field
const (
	cardTypeSystemAdministrator = "system-administrator"
	cardTypeElectionManager     = "election-manager"
	cardTypePollWorker          = "poll-worker"
	cardTypePollWorkerWithPin   = "poll-worker-with-pin"
	cardTypeCommonAccessCard    = "common-access-card"
)

// ParsePEM decodes a PEM-encoded certificate
func ParsePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("Not a PEM certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}

// ParseUser extracts the identity record from a card certificate.
// Field order within the subject is not significant.
func ParseUser(cert *x509.Certificate) (identity.User, error) {
	subject := cert.Subject

	fields := map[string]string{}
	for _, atv := range subject.Names {
		if v, ok := atv.Value.(string); ok {
			fields[atv.Type.String()] = v
		}
	}

	if contains(subject.Organization, vxOrganization) {
		if !contains(subject.Country, vxCountry) {
			return nil, errors.Errorf("Missing %s country field", vxCountry)
		}
		return parseVxUser(fields)
	}

	if contains(subject.Organization, cacOrg) {
		return parseCacUser(subject.CommonName, subject.OrganizationalUnit)
	}

	return nil, errors.New("Certificate is neither VotingWorks nor CAC issued")
}

// ParseUserFromPEM is ParsePEM followed by ParseUser
func ParseUserFromPEM(data []byte) (identity.User, error) {
	cert, err := ParsePEM(data)
	if err != nil {
		return nil, err
	}
	return ParseUser(cert)
}

func parseVxUser(fields map[string]string) (identity.User, error) {
	if fields[oidComponent.String()] != componentCard {
		return nil, errors.Errorf("Expected a %s component certificate", componentCard)
	}

	jurisdiction := fields[oidJurisdiction.String()]
	if jurisdiction == "" {
		return nil, errors.New("Missing jurisdiction field")
	}

	cardType := fields[oidCardType.String()]
	electionHash := fields[oidElectionHash.String()]

	switch cardType {
	case cardTypeSystemAdministrator:
		return identity.SystemAdministratorUser{Jurisdiction: jurisdiction}, nil

	case cardTypeElectionManager:
		if electionHash == "" {
			return nil, errors.New("Missing election hash field")
		}
		return identity.ElectionManagerUser{
			Jurisdiction: jurisdiction,
			ElectionHash: electionHash,
		}, nil

	case cardTypePollWorker, cardTypePollWorkerWithPin:
		if electionHash == "" {
			return nil, errors.New("Missing election hash field")
		}
		return identity.PollWorkerUser{
			Jurisdiction: jurisdiction,
			ElectionHash: electionHash,
			HasPin:       cardType == cardTypePollWorkerWithPin,
		}, nil

	case cardTypeCommonAccessCard:
		id := fields[oidCommonAccessCardID.String()]
		given := fields[oidGivenName.String()]
		family := fields[oidFamilyName.String()]
		if id == "" || given == "" || family == "" {
			return nil, errors.New("Missing common access card identity fields")
		}
		return identity.CommonAccessCardUser{
			ID:           id,
			GivenName:    given,
			MiddleName:   fields[oidMiddleName.String()],
			FamilyName:   family,
			Jurisdiction: jurisdiction,
		}, nil

	case "":
		return nil, errors.New("Missing card type field")

	default:
		return nil, errors.Errorf("Unknown card type %q", cardType)
	}
}

// parseCacUser decodes a DoD-shaped subject: the Common Name is
// SURNAME.GIVEN.MIDDLE.ID (the middle name may be absent) and the
// Organizational Unit carries the jurisdiction
func parseCacUser(commonName string, orgUnits []string) (identity.User, error) {
	if len(orgUnits) == 0 || orgUnits[0] == "" {
		return nil, errors.New("Missing organizational unit field")
	}

	parts := strings.Split(commonName, ".")
	var family, given, middle, id string
	switch len(parts) {
	case 3:
		family, given, id = parts[0], parts[1], parts[2]
	case 4:
		family, given, middle, id = parts[0], parts[1], parts[2], parts[3]
	default:
		return nil, errors.Errorf("Malformed common name %q", commonName)
	}

	if family == "" || given == "" || !allDigits(id) {
		return nil, errors.Errorf("Malformed common name %q", commonName)
	}

	return identity.CommonAccessCardUser{
		ID:           id,
		GivenName:    given,
		MiddleName:   middle,
		FamilyName:   family,
		Jurisdiction: orgUnits[0],
	}, nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
