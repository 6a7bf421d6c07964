package vxcard

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/votingworks/cacvote-sub000/card"
	"github.com/votingworks/cacvote-sub000/certs"
	"github.com/votingworks/cacvote-sub000/identity"
	"github.com/votingworks/cacvote-sub000/piv"
)

const (
	// DefaultPin is the transport PIN on factory-fresh cards
	DefaultPin = "123456"

	// maxPinAttempts is the retry counter cards are programmed with
	maxPinAttempts = 5

	challengeVendor = "vx"
)

// PIVCard drives a physical PIV-style card through a reader monitor.
// Identity details are read once per insertion and retained until the
// card leaves the reader; the incorrect-PIN counter is refreshed from
// the card itself so it survives removal and reinsertion.
type PIVCard struct {
	reader *card.Reader

	mu      sync.Mutex
	details *identity.CardDetails

	now func() time.Time
}

// NewPIVCard starts watching the named reader (empty selects the
// sole attached reader)
func NewPIVCard(readerName string) (*PIVCard, error) {
	c := &PIVCard{now: time.Now}
	c.reader = card.NewReader(readerName, c.onReaderChange)
	if err := c.reader.Start(); err != nil {
		return nil, err
	}
	return c, nil
}

// Close stops the reader monitor
func (c *PIVCard) Close() error {
	return c.reader.Stop()
}

func (c *PIVCard) onReaderChange(status card.ReaderStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if status != card.CardPresent {
		c.details = nil
		return
	}

	details, err := c.readDetails()
	if err != nil {
		// Card is present but carries no usable identity; surfaced
		// as ready with nil details
		c.details = nil
		return
	}
	c.details = details
}

// readDetails reads and parses the identity certificate and queries
// the card's remaining-attempt counter
func (c *PIVCard) readDetails() (*identity.CardDetails, error) {
	cd, err := c.reader.Card()
	if err != nil {
		return nil, err
	}

	if err := cd.Lock(); err != nil {
		return nil, errors.Wrap(err, "Locking card")
	}
	defer cd.Unlock()

	if err := piv.SelectApp(cd); err != nil {
		return nil, errors.Wrap(err, "Selecting applet")
	}

	der, err := piv.GetCertificate(cd, piv.CardIdentityCertObject)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "Parsing identity certificate")
	}
	user, err := certs.ParseUser(cert)
	if err != nil {
		return nil, err
	}

	// An empty VERIFY queries the counter without consuming an attempt
	attempts := 0
	if err := piv.VerifyPin(cd, piv.ApplicationPIN, ""); err != nil {
		remaining := card.PinAttemptsRemaining(err)
		if remaining < 0 {
			return nil, err
		}
		attempts = maxPinAttempts - remaining
	}

	return &identity.CardDetails{
		User:                    user,
		NumIncorrectPinAttempts: attempts,
	}, nil
}

// Status maps the reader state plus cached details onto a CardStatus
func (c *PIVCard) Status() CardStatus {
	switch c.reader.Status() {
	case card.NoReader:
		return NoCardReader{}
	case card.NoCard:
		return NoCard{}
	case card.CardError:
		return CardError{}
	case card.CardPresent:
		c.mu.Lock()
		defer c.mu.Unlock()
		return Ready{Details: c.details}
	default:
		return UnknownError{}
	}
}

// CheckPin verifies the PIN and then proves it unlocked the identity
// key: the card signs a fresh challenge with the PIN-gated key and
// the signature is verified against the public key of the identity
// certificate. This establishes both "the PIN is right" and "the key
// matches the identity" in one step.
func (c *PIVCard) CheckPin(pin string) (CheckPinResponse, error) {
	cd, err := c.reader.Card()
	if err != nil {
		return CheckPinResponse{}, err
	}

	if err := cd.Lock(); err != nil {
		return CheckPinResponse{}, errors.Wrap(err, "Locking card")
	}
	defer cd.Unlock()

	if err := piv.SelectApp(cd); err != nil {
		return CheckPinResponse{}, errors.Wrap(err, "Selecting applet")
	}

	if err := piv.VerifyPin(cd, piv.ApplicationPIN, pin); err != nil {
		remaining := card.PinAttemptsRemaining(err)
		if remaining < 0 {
			return CheckPinResponse{}, err
		}
		attempts := maxPinAttempts - remaining
		c.setAttempts(attempts)
		return CheckPinResponse{Correct: false, NumIncorrectPinAttempts: attempts}, nil
	}

	der, err := piv.GetCertificate(cd, piv.CardIdentityCertObject)
	if err != nil {
		return CheckPinResponse{}, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return CheckPinResponse{}, errors.Wrap(err, "Parsing identity certificate")
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return CheckPinResponse{}, errors.New("Identity certificate key is not ECDSA")
	}

	challenge := fmt.Sprintf("%s/%d/%s", challengeVendor, c.now().Unix(), uuid.New())
	digest := sha256.Sum256([]byte(challenge))

	sig, err := piv.Sign(cd, piv.CardIdentityKey, piv.AlgECCP256, digest[:])
	if err != nil {
		return CheckPinResponse{}, err
	}
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return CheckPinResponse{}, errors.New("Challenge signature does not match identity certificate")
	}

	// Do not leave the card unlocked; signing re-verifies per call
	if err := piv.Logout(cd); err != nil {
		return CheckPinResponse{}, err
	}

	c.setAttempts(0)
	return CheckPinResponse{Correct: true}, nil
}

// setAttempts mirrors the card-reported counter into the retained
// details so status reads reflect it without a fresh PIN check
func (c *PIVCard) setAttempts(attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.details != nil {
		c.details.NumIncorrectPinAttempts = attempts
	}
}

func (c *PIVCard) GenerateSignature(message []byte, opts SignOpts) ([]byte, error) {
	cd, err := c.reader.Card()
	if err != nil {
		return nil, err
	}

	if err := cd.Lock(); err != nil {
		return nil, errors.Wrap(err, "Locking card")
	}
	defer cd.Unlock()

	if err := piv.SelectApp(cd); err != nil {
		return nil, err
	}
	if opts.Pin != "" {
		if err := piv.VerifyPin(cd, piv.ApplicationPIN, opts.Pin); err != nil {
			return nil, err
		}
	}

	digest := sha256.Sum256(message)
	sig, err := piv.Sign(cd, opts.Key, piv.AlgECCP256, digest[:])
	if err != nil {
		return nil, err
	}
	if opts.Pin != "" {
		if err := piv.Logout(cd); err != nil {
			return nil, err
		}
	}
	return sig, nil
}

func (c *PIVCard) Certificate(object piv.ObjectID) ([]byte, error) {
	cd, err := c.reader.Card()
	if err != nil {
		return nil, err
	}

	if err := cd.Lock(); err != nil {
		return nil, errors.Wrap(err, "Locking card")
	}
	defer cd.Unlock()

	if err := piv.SelectApp(cd); err != nil {
		return nil, err
	}
	return piv.GetCertificate(cd, object)
}

// Program stores an externally issued identity certificate and moves
// the PIN off the factory default
func (c *PIVCard) Program(req ProgramRequest) error {
	if len(req.CertificateDER) == 0 {
		return errors.New("Program requires an issued identity certificate")
	}

	cd, err := c.reader.Card()
	if err != nil {
		return err
	}

	if err := cd.Lock(); err != nil {
		return errors.Wrap(err, "Locking card")
	}
	defer cd.Unlock()

	if err := piv.SelectApp(cd); err != nil {
		return err
	}
	if err := piv.PutCertificate(cd, piv.CardIdentityCertObject, req.CertificateDER); err != nil {
		return errors.Wrap(err, "Storing identity certificate")
	}
	if req.Pin != "" && req.Pin != DefaultPin {
		if err := piv.ChangePin(cd, piv.ApplicationPIN, DefaultPin, req.Pin); err != nil {
			return errors.Wrap(err, "Setting PIN")
		}
	}

	c.mu.Lock()
	c.details = &identity.CardDetails{User: req.User}
	c.mu.Unlock()
	return nil
}

// Unprogram clears the identity and storage objects
func (c *PIVCard) Unprogram() error {
	cd, err := c.reader.Card()
	if err != nil {
		return err
	}

	if err := cd.Lock(); err != nil {
		return errors.Wrap(err, "Locking card")
	}
	defer cd.Unlock()

	if err := piv.SelectApp(cd); err != nil {
		return err
	}
	if err := piv.PutObject(cd, piv.CardIdentityCertObject, nil); err != nil {
		return err
	}
	if err := piv.PutObject(cd, piv.GenericStorageObject, nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.details = nil
	c.mu.Unlock()
	return nil
}

func (c *PIVCard) ReadData() ([]byte, error) {
	cd, err := c.reader.Card()
	if err != nil {
		return nil, err
	}

	if err := cd.Lock(); err != nil {
		return nil, errors.Wrap(err, "Locking card")
	}
	defer cd.Unlock()

	if err := piv.SelectApp(cd); err != nil {
		return nil, err
	}
	return piv.GetObject(cd, piv.GenericStorageObject)
}

func (c *PIVCard) WriteData(data []byte) error {
	cd, err := c.reader.Card()
	if err != nil {
		return err
	}

	if err := cd.Lock(); err != nil {
		return errors.Wrap(err, "Locking card")
	}
	defer cd.Unlock()

	if err := piv.SelectApp(cd); err != nil {
		return err
	}
	return piv.PutObject(cd, piv.GenericStorageObject, data)
}

func (c *PIVCard) ClearData() error {
	return c.WriteData(nil)
}

var _ Card = &PIVCard{}
