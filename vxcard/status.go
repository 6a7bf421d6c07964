package vxcard

import (
	"github.com/votingworks/cacvote-sub000/identity"
)

// CardStatus is the card-side view the auth state machines consume.
// Exactly one variant holds at any instant. The set of variants is
// closed; consumers dispatch with an exhaustive type switch.
type CardStatus interface {
	isCardStatus()
}

// NoCardReader means no reader hardware is attached
type NoCardReader struct{}

// NoCard means the reader is attached but empty
type NoCard struct{}

// CardError means a card is inserted but unresponsive
type CardError struct{}

// UnknownError means the reader driver reported a fault
type UnknownError struct{}

// Ready means a card is inserted and connected. Details is nil when
// the card carries no parseable identity.
type Ready struct {
	Details *identity.CardDetails
}

func (NoCardReader) isCardStatus() {}
func (NoCard) isCardStatus()       {}
func (CardError) isCardStatus()    {}
func (UnknownError) isCardStatus() {}
func (Ready) isCardStatus()        {}
