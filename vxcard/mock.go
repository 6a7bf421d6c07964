package vxcard

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"sync"

	"github.com/pkg/errors"

	"github.com/votingworks/cacvote-sub000/card"
	"github.com/votingworks/cacvote-sub000/identity"
	"github.com/votingworks/cacvote-sub000/piv"
)

// SnapshotStatus mirrors the hardware states a reader can report
type SnapshotStatus string

const (
	SnapshotNoCardReader SnapshotStatus = "no_card_reader"
	SnapshotNoCard       SnapshotStatus = "no_card"
	SnapshotCardError    SnapshotStatus = "card_error"
	SnapshotUnknownError SnapshotStatus = "unknown_error"
	SnapshotReady        SnapshotStatus = "ready"
)

// SnapshotUser is a CBOR-friendly flattening of identity.User
type SnapshotUser struct {
	Role         identity.Role `cbor:"role"`
	Jurisdiction string        `cbor:"jurisdiction,omitempty"`
	ElectionHash string        `cbor:"electionHash,omitempty"`
	HasPin       bool          `cbor:"hasPin,omitempty"`
	ID           string        `cbor:"id,omitempty"`
	GivenName    string        `cbor:"givenName,omitempty"`
	MiddleName   string        `cbor:"middleName,omitempty"`
	FamilyName   string        `cbor:"familyName,omitempty"`
}

// FlattenUser converts an identity.User for snapshot storage
func FlattenUser(u identity.User) *SnapshotUser {
	if u == nil {
		return nil
	}
	su := &SnapshotUser{Role: u.Role()}
	switch u := u.(type) {
	case identity.SystemAdministratorUser:
		su.Jurisdiction = u.Jurisdiction
	case identity.ElectionManagerUser:
		su.Jurisdiction = u.Jurisdiction
		su.ElectionHash = u.ElectionHash
	case identity.PollWorkerUser:
		su.Jurisdiction = u.Jurisdiction
		su.ElectionHash = u.ElectionHash
		su.HasPin = u.HasPin
	case identity.CommonAccessCardUser:
		su.Jurisdiction = u.Jurisdiction
		su.ID = u.ID
		su.GivenName = u.GivenName
		su.MiddleName = u.MiddleName
		su.FamilyName = u.FamilyName
	}
	return su
}

// User restores the identity.User a snapshot describes
func (su *SnapshotUser) User() identity.User {
	if su == nil {
		return nil
	}
	switch su.Role {
	case identity.RoleSystemAdministrator:
		return identity.SystemAdministratorUser{Jurisdiction: su.Jurisdiction}
	case identity.RoleElectionManager:
		return identity.ElectionManagerUser{
			Jurisdiction: su.Jurisdiction,
			ElectionHash: su.ElectionHash,
		}
	case identity.RolePollWorker:
		return identity.PollWorkerUser{
			Jurisdiction: su.Jurisdiction,
			ElectionHash: su.ElectionHash,
			HasPin:       su.HasPin,
		}
	case identity.RoleCommonAccessCardUser:
		return identity.CommonAccessCardUser{
			Jurisdiction: su.Jurisdiction,
			ID:           su.ID,
			GivenName:    su.GivenName,
			MiddleName:   su.MiddleName,
			FamilyName:   su.FamilyName,
		}
	default:
		return nil
	}
}

// Snapshot is the full persisted state of a simulated card
type Snapshot struct {
	Status            SnapshotStatus    `cbor:"status"`
	User              *SnapshotUser     `cbor:"user,omitempty"`
	Pin               string            `cbor:"pin,omitempty"`
	IncorrectAttempts int               `cbor:"incorrectAttempts"`
	Certificates      map[uint32][]byte `cbor:"certificates,omitempty"`
	KeyDER            []byte            `cbor:"key,omitempty"`
	Data              []byte            `cbor:"data,omitempty"`
}

// NewSnapshot returns an empty-reader snapshot
func NewSnapshot() Snapshot {
	return Snapshot{Status: SnapshotNoCard}
}

// The snapshot-level card operations shared by the in-memory and
// file-backed mocks. They reproduce the real card's error taxonomy.

func snapshotStatus(s *Snapshot) CardStatus {
	switch s.Status {
	case SnapshotNoCardReader:
		return NoCardReader{}
	case SnapshotNoCard:
		return NoCard{}
	case SnapshotCardError:
		return CardError{}
	case SnapshotReady:
		var details *identity.CardDetails
		if user := s.User.User(); user != nil {
			details = &identity.CardDetails{
				User:                    user,
				NumIncorrectPinAttempts: s.IncorrectAttempts,
			}
		}
		return Ready{Details: details}
	default:
		return UnknownError{}
	}
}

func snapshotCheckPin(s *Snapshot, pin string) (CheckPinResponse, error) {
	if s.Status != SnapshotReady {
		return CheckPinResponse{}, card.ErrNoCardReader
	}
	if pin != s.Pin {
		s.IncorrectAttempts++
		return CheckPinResponse{
			Correct:                 false,
			NumIncorrectPinAttempts: s.IncorrectAttempts,
		}, nil
	}
	s.IncorrectAttempts = 0
	return CheckPinResponse{Correct: true}, nil
}

func snapshotSign(s *Snapshot, message []byte, opts SignOpts) ([]byte, error) {
	if s.Status != SnapshotReady {
		return nil, card.ErrNoCardReader
	}
	if opts.Pin != "" && opts.Pin != s.Pin {
		s.IncorrectAttempts++
		remaining := maxPinAttempts - s.IncorrectAttempts
		if remaining < 0 {
			remaining = 0
		}
		return nil, card.StatusError{SW: 0x63C0 | uint16(remaining)}
	}
	if len(s.KeyDER) == 0 {
		return nil, card.ErrCertificateNotFound
	}
	key, err := x509.ParseECPrivateKey(s.KeyDER)
	if err != nil {
		return nil, errors.Wrap(err, "Parsing stored key")
	}
	digest := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, key, digest[:])
}

func snapshotCertificate(s *Snapshot, object piv.ObjectID) ([]byte, error) {
	if s.Status != SnapshotReady {
		return nil, card.ErrNoCardReader
	}
	der, ok := s.Certificates[uint32(object)]
	if !ok {
		return nil, card.ErrCertificateNotFound
	}
	return der, nil
}

func snapshotProgram(s *Snapshot, req ProgramRequest) error {
	if s.Status != SnapshotReady {
		return card.ErrNoCardReader
	}
	if s.Certificates == nil {
		s.Certificates = map[uint32][]byte{}
	}
	if len(req.CertificateDER) > 0 {
		s.Certificates[uint32(piv.CardIdentityCertObject)] = req.CertificateDER
	}
	s.User = FlattenUser(req.User)
	s.Pin = req.Pin
	s.IncorrectAttempts = 0
	return nil
}

func snapshotUnprogram(s *Snapshot) error {
	if s.Status != SnapshotReady {
		return card.ErrNoCardReader
	}
	delete(s.Certificates, uint32(piv.CardIdentityCertObject))
	s.User = nil
	s.Pin = ""
	s.IncorrectAttempts = 0
	s.Data = nil
	return nil
}

func snapshotReadData(s *Snapshot) ([]byte, error) {
	if s.Status != SnapshotReady {
		return nil, card.ErrNoCardReader
	}
	return s.Data, nil
}

func snapshotWriteData(s *Snapshot, data []byte) error {
	if s.Status != SnapshotReady {
		return card.ErrNoCardReader
	}
	s.Data = data
	return nil
}

// MockCard is an in-memory Card for unit tests
type MockCard struct {
	mu sync.Mutex
	s  Snapshot
}

// NewMockCard returns a mock with an attached, empty reader
func NewMockCard() *MockCard {
	return &MockCard{s: NewSnapshot()}
}

// Insert simulates inserting a card carrying the given identity.
// A nil user simulates a card with no parseable identity.
func (m *MockCard) Insert(user identity.User, pin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Status = SnapshotReady
	m.s.User = FlattenUser(user)
	m.s.Pin = pin
	m.s.IncorrectAttempts = 0
}

// Remove simulates pulling the card. The card's own attempt counter
// is retained for the next insertion of the same card.
func (m *MockCard) Remove() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Status = SnapshotNoCard
}

// Reinsert simulates putting the same card back
func (m *MockCard) Reinsert() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Status = SnapshotReady
}

// DetachReader simulates unplugging the reader
func (m *MockCard) DetachReader() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Status = SnapshotNoCardReader
}

// SetCardError simulates an unresponsive card
func (m *MockCard) SetCardError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Status = SnapshotCardError
}

// SetUnknownError simulates a driver fault
func (m *MockCard) SetUnknownError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Status = SnapshotUnknownError
}

// SetCertificate stores a certificate for lookup tests
func (m *MockCard) SetCertificate(object piv.ObjectID, der []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s.Certificates == nil {
		m.s.Certificates = map[uint32][]byte{}
	}
	m.s.Certificates[uint32(object)] = der
}

// SetKey stores the signing key used by GenerateSignature
func (m *MockCard) SetKey(der []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.KeyDER = der
}

func (m *MockCard) Status() CardStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotStatus(&m.s)
}

func (m *MockCard) CheckPin(pin string) (CheckPinResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotCheckPin(&m.s, pin)
}

func (m *MockCard) GenerateSignature(message []byte, opts SignOpts) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotSign(&m.s, message, opts)
}

func (m *MockCard) Certificate(object piv.ObjectID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotCertificate(&m.s, object)
}

func (m *MockCard) Program(req ProgramRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotProgram(&m.s, req)
}

func (m *MockCard) Unprogram() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotUnprogram(&m.s)
}

func (m *MockCard) ReadData() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotReadData(&m.s)
}

func (m *MockCard) WriteData(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotWriteData(&m.s, data)
}

func (m *MockCard) ClearData() error {
	return m.WriteData(nil)
}

var _ Card = &MockCard{}
