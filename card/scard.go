package card

import (
	"sync"

	"github.com/ebfe/scard"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

type scardTransport struct {
	m   sync.Mutex
	c   *scard.Card
	ctx *scard.Context
}

var _ Transport = &scardTransport{}

// NewSCardTransport connects to a card via the PCSC API. The
// connection is opened in exclusive share mode so no second host
// process can interleave APDU exchanges on the same reader. If name
// is empty and exactly one reader is attached, that reader is used.
func NewSCardTransport(name string) (_ Transport, err error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(err, "Establishing context")
	}

	defer func() {
		if ctx != nil {
			err = multierr.Append(err, ctx.Release())
		}
	}()

	if len(name) == 0 {
		rdrs, err := ctx.ListReaders()
		if err != nil {
			return nil, errors.Wrap(err, "Getting reader list")
		}

		switch len(rdrs) {
		case 0:
			return nil, ErrNoCardReader
		case 1:
			name = rdrs[0]
		default:
			msg := "Multiple readers connected - please specify one of"
			for _, n := range rdrs {
				msg = msg + "\n * '" + n + "'"
			}
			return nil, errors.New(msg)
		}
	}

	c, err := ctx.Connect(name, scard.ShareExclusive, scard.ProtocolAny)
	if err != nil {
		return nil, errors.Wrap(err, "Connecting to reader")
	}

	transport := &scardTransport{
		c:   c,
		ctx: ctx,
	}

	ctx = nil

	return transport, nil
}

func (t *scardTransport) Lock() error {
	t.m.Lock()
	err := t.c.BeginTransaction()
	if err != nil {
		t.m.Unlock()
	}
	return err
}

func (t *scardTransport) Unlock() error {
	defer t.m.Unlock()
	return t.c.EndTransaction(scard.LeaveCard)
}

// Transact serializes and transmits a single APDU. The mutex keeps
// concurrent callers from interleaving exchanges on one connection.
func (t *scardTransport) Transact(req ReqAPDU) (RespAPDU, error) {
	buf, err := req.Serialize()
	if err != nil {
		return RespAPDU{}, errors.Wrap(err, "Serializing APDU")
	}

	t.m.Lock()
	resp, err := t.c.Transmit(buf)
	t.m.Unlock()
	if err != nil {
		return RespAPDU{}, errors.Wrapf(ErrTransmitFailed, "Talking to SCard: %v", err)
	}

	return ParseRespAPDU(resp)
}

func (t *scardTransport) Close() error {
	return multierr.Append(
		t.c.Disconnect(scard.LeaveCard),
		t.ctx.Release(),
	)
}

func init() {
	RegisterTransport("scard", NewSCardTransport)
}
