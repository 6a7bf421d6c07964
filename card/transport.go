package card

import (
	"strings"

	"github.com/pkg/errors"
)

// Transport carries APDUs to and from a single card
type Transport interface {
	// Lock locks the card for exclusive use.
	// Minimize the amount of time cards are locked for, but
	// it is necessary around multi-command operations
	Lock() error

	// Unlock unlocks the card
	Unlock() error

	// Transact sends a request to the card and gets a response
	Transact(ReqAPDU) (RespAPDU, error)

	// Close tears down the connection to the card
	Close() error
}

type TransportFactory func(params string) (Transport, error)

var transports = map[string]TransportFactory{}

// RegisterTransport registers a transport factory
func RegisterTransport(name string, factory TransportFactory) {
	transports[name] = factory
}

// NewTransport creates a transport from a description.
// If the description contains a colon, the part preceding the
// colon is a driver name and the portion following is its
// parameters; otherwise the whole description is a driver name
func NewTransport(descr string) (Transport, error) {
	var name, param string

	if ix := strings.Index(descr, ":"); ix != -1 {
		name = descr[:ix]
		param = descr[ix+1:]
	} else {
		name = descr
		param = ""
	}

	if factory, ok := transports[name]; ok {
		return factory(param)
	}
	return nil, errors.Errorf("Unable to create smart card transport with name \"%s\"", name)
}
