package card

import (
	"sync"
	"time"

	"github.com/ebfe/scard"
	"go.uber.org/multierr"
)

// ReaderStatus describes the reader/card hardware state
type ReaderStatus int

const (
	// NoReader means no reader hardware is attached
	NoReader ReaderStatus = iota
	// NoCard means the reader is attached but empty
	NoCard
	// CardPresent means a card is inserted and connected
	CardPresent
	// CardError means a card is inserted but unresponsive
	CardError
	// ReaderUnknownError means the driver reported a fault
	ReaderUnknownError
)

func (s ReaderStatus) String() string {
	switch s {
	case NoReader:
		return "no_card_reader"
	case NoCard:
		return "no_card"
	case CardPresent:
		return "ready"
	case CardError:
		return "card_error"
	default:
		return "unknown_error"
	}
}

// OnStatusChange is invoked whenever the reader status changes.
// It is only invoked on edges, never on a poll tick that observed
// the same status as the previous one.
type OnStatusChange func(ReaderStatus)

// Reader watches one physical reader and maintains a connection to
// whatever card is inserted in it. All APDU exchanges against the
// card go through the single Transport held here, so no two callers
// can interleave exchanges on the same reader.
type Reader struct {
	name     string
	onChange OnStatusChange

	mu     sync.Mutex
	status ReaderStatus
	card   *Card

	ctx     *scard.Context
	stop    chan struct{}
	stopped chan struct{}

	// connect is swapped out by tests
	connect func(name string) (Transport, error)

	pollInterval time.Duration
}

// NewReader creates a reader monitor for the named reader. An empty
// name selects the sole attached reader once one appears.
func NewReader(name string, onChange OnStatusChange) *Reader {
	return &Reader{
		name:         name,
		onChange:     onChange,
		status:       NoReader,
		connect:      NewSCardTransport,
		pollInterval: 500 * time.Millisecond,
	}
}

// Start establishes a PCSC context and begins watching for status
// changes in the background
func (r *Reader) Start() error {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return ErrNoCardReader
	}
	r.ctx = ctx
	r.stop = make(chan struct{})
	r.stopped = make(chan struct{})
	go r.watch()
	return nil
}

// Stop tears down the poll loop and any card connection
func (r *Reader) Stop() error {
	close(r.stop)
	<-r.stopped

	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.card != nil {
		err = r.card.Close()
		r.card = nil
	}
	if r.ctx != nil {
		err = multierr.Append(err, r.ctx.Release())
		r.ctx = nil
	}
	return err
}

// Status returns the last observed reader status
func (r *Reader) Status() ReaderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Card returns the connected card, or ErrNoCardReader if no card is
// currently present and connected
func (r *Reader) Card() (*Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == ReaderUnknownError {
		return nil, ErrUnknown
	}
	if r.status != CardPresent || r.card == nil {
		return nil, ErrNoCardReader
	}
	return r.card, nil
}

func (r *Reader) watch() {
	defer close(r.stopped)
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		r.observe(r.readHardware())

		// GetStatusChange blocks until an edge or timeout; the
		// interval only paces error retries
		select {
		case <-r.stop:
			return
		case <-time.After(r.pollInterval):
		}
	}
}

// readHardware maps the PCSC view of the reader onto a ReaderStatus
func (r *Reader) readHardware() ReaderStatus {
	rdrs, err := r.ctx.ListReaders()
	if err != nil {
		return ReaderUnknownError
	}

	name := r.name
	if name == "" && len(rdrs) == 1 {
		name = rdrs[0]
	}
	found := false
	for _, rdr := range rdrs {
		if rdr == name {
			found = true
			break
		}
	}
	if !found {
		return NoReader
	}

	states := []scard.ReaderState{{
		Reader:       name,
		CurrentState: scard.StateUnaware,
	}}
	if err := r.ctx.GetStatusChange(states, r.pollInterval); err != nil {
		if err == scard.ErrTimeout || err == scard.ErrCancelled {
			r.mu.Lock()
			prev := r.status
			r.mu.Unlock()
			return prev
		}
		return ReaderUnknownError
	}

	st := states[0].EventState
	switch {
	case st&scard.StateMute != 0:
		return CardError
	case st&scard.StatePresent != 0:
		if r.name == "" {
			r.name = name
		}
		return CardPresent
	default:
		return NoCard
	}
}

// observe applies an observed hardware status, connecting or tearing
// down the card connection as needed, and notifies the owner only
// when the value actually changed
func (r *Reader) observe(next ReaderStatus) {
	r.mu.Lock()

	if next == r.status {
		r.mu.Unlock()
		return
	}

	// Tear down any prior connection before announcing the new state
	if r.card != nil && next != CardPresent {
		_ = r.card.Close()
		r.card = nil
	}

	if next == CardPresent && r.card == nil {
		t, err := r.connect(r.name)
		if err != nil {
			next = CardError
			if next == r.status {
				r.mu.Unlock()
				return
			}
		} else {
			r.card = &Card{t}
		}
	}

	r.status = next
	cb := r.onChange
	r.mu.Unlock()

	if cb != nil {
		cb(next)
	}
}
