// Package piv drives a PIV-style smart card applet
package piv

import (
	"github.com/pkg/errors"

	"github.com/votingworks/cacvote-sub000/card"
)

// AID is the PIV Application ID
var AID = []byte{0xA0, 0x00, 0x00, 0x03, 0x08, 0x00, 0x00, 0x10, 0x00}

const (
	objectTagTag             = 0x5C
	objectDataTag            = 0x53
	dynamicAuthenticationTag = 0x7C
	dynAuthChallengeTag      = 0x81
	dynAuthResponseTag       = 0x82

	certificateTag     = 0x70
	certificateInfoTag = 0x71

	insGeneralAuthenticate = 0x87
)

// ObjectID addresses a data object on the card
type ObjectID uint32

// Data objects used by the authentication core. The card-identity
// object holds the cert whose key is gated behind the PIN; the
// generic-storage object holds opaque application payloads.
const (
	CardIdentityCertObject ObjectID = 0x5FC101
	GenericStorageObject   ObjectID = 0x5FC109
)

// KeyRef identifies a private key slot on the card
type KeyRef byte

const (
	// CardIdentityKey is PIN-gated and pairs with CardIdentityCertObject
	CardIdentityKey KeyRef = 0x9C
)

// PinRef identifies a PIN on the card
type PinRef byte

const (
	ApplicationPIN PinRef = 0x80
)

// AlgECCP256 is the PIV algorithm identifier for ECDSA P-256
const AlgECCP256 byte = 0x11

// SelectApp selects the PIV application
func SelectApp(c *card.Card) error {
	_, err := c.SelectDF(AID)
	return err
}

// GetObject retrieves the object with the specified ID from the card
func GetObject(c *card.Card, id ObjectID) ([]byte, error) {
	req, err := putTLV(nil, objectTagTag, packTag(uint32(id)))
	if err != nil {
		return nil, err
	}

	resp, err := c.GetFileData(card.CurrentDF, req)
	if err != nil {
		return nil, errors.Wrap(err, "Getting object")
	}

	data, rest, err := getTLV(resp, objectDataTag)
	if err != nil {
		return nil, errors.Wrap(err, "Getting object body")
	}
	if len(rest) > 0 {
		return nil, errors.New("Data tag doesn't cover whole response")
	}
	return data, nil
}

// PutObject stores the object with the specified ID on the card
func PutObject(c *card.Card, id ObjectID, data []byte) error {
	req, err := putTLV(nil, objectTagTag, packTag(uint32(id)))
	if err != nil {
		return err
	}
	req, err = putTLV(req, objectDataTag, data)
	if err != nil {
		return err
	}

	return c.PutFileData(card.CurrentDF, req)
}

// GetCertificate reads the DER certificate stored in the specified
// object. PIV cards wrap the certificate blob in a 0x70 tag inside
// the object body.
func GetCertificate(c *card.Card, id ObjectID) ([]byte, error) {
	data, err := GetObject(c, id)
	if err != nil {
		return nil, err
	}

	der, _, err := getTLV(data, certificateTag)
	if err != nil {
		return nil, errors.Wrap(err, "Getting certificate body")
	}
	return der, nil
}

// PutCertificate stores a DER certificate in the specified object
func PutCertificate(c *card.Card, id ObjectID, der []byte) error {
	buf, err := putTLV(nil, certificateTag, der)
	if err != nil {
		return err
	}
	// Uncompressed certificate info byte
	buf, err = putTLV(buf, certificateInfoTag, []byte{0x00})
	if err != nil {
		return err
	}

	return PutObject(c, id, buf)
}

// VerifyPin submits a PIN for verification. PINs are at most 8
// digits and padded to 8 bytes with 0xFF per SP 800-73-4.
// An empty pin queries the remaining attempt counter; the card
// answers with a 0x63CX status word either way on failure.
func VerifyPin(c *card.Card, ref PinRef, pin string) error {
	buf := []byte(pin)
	if len(pin) != 0 {
		if len(buf) > 8 {
			return errors.New("PIN cannot be > 8 characters")
		}
		for len(buf) < 8 {
			buf = append(buf, 0xFF)
		}
	}

	return c.Verify(byte(ref), buf)
}

// ChangePin replaces a PIN with a new one (CHANGE REFERENCE DATA)
func ChangePin(c *card.Card, ref PinRef, oldPin, newPin string) error {
	pad := func(pin string) ([]byte, error) {
		buf := []byte(pin)
		if len(buf) > 8 {
			return nil, errors.New("PIN cannot be > 8 characters")
		}
		for len(buf) < 8 {
			buf = append(buf, 0xFF)
		}
		return buf, nil
	}

	oldBuf, err := pad(oldPin)
	if err != nil {
		return err
	}
	newBuf, err := pad(newPin)
	if err != nil {
		return err
	}

	_, err = c.Command(0x00, 0x24, 0x00, byte(ref), append(oldBuf, newBuf...), 0)
	return err
}

// Logout resets the applet security state by reselecting it. The PIV
// spec documents VERIFY with P1=0xFF for logout, but several cards
// reject it while all reset login state on reselection
func Logout(c *card.Card) error {
	return SelectApp(c)
}

// GeneralAuthenticate performs one round of the dynamic
// authentication protocol, sending a challenge and returning the
// card's response
func GeneralAuthenticate(c *card.Card, alg byte, key KeyRef, challenge []byte) ([]byte, error) {
	inner, err := putTLV(nil, dynAuthChallengeTag, challenge)
	if err != nil {
		return nil, err
	}
	// Empty response element asks the card to compute one
	inner, err = putTLV(inner, dynAuthResponseTag, nil)
	if err != nil {
		return nil, err
	}
	req, err := putTLV(nil, dynamicAuthenticationTag, inner)
	if err != nil {
		return nil, err
	}

	resp, err := c.Command(0x00, insGeneralAuthenticate, alg, byte(key), req, 256)
	if err != nil {
		return nil, err
	}

	body, rest, err := getTLV(resp, dynamicAuthenticationTag)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, errors.New("Junk at end of dynamic authentication response")
	}

	for len(body) > 0 {
		tag, elem, next, err := nextTLV(body)
		if err != nil {
			return nil, err
		}
		if tag == dynAuthResponseTag {
			return elem, nil
		}
		body = next
	}

	return nil, errors.New("No response from card")
}

// Sign signs the challenge with the specified key
func Sign(c *card.Card, key KeyRef, alg byte, challenge []byte) ([]byte, error) {
	return GeneralAuthenticate(c, alg, key, challenge)
}
