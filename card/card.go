// Package card provides ISO 7816-4 smart card framing and transports
package card

// Card wraps a Transport providing higher level operations
type Card struct {
	Transport
}

// FileID references a 16-bit smartcard file ID
type FileID uint16

const (
	MF        FileID = 0x3F00
	CurrentEF FileID = 0x0000
	CurrentDF FileID = 0x3FFF
)

const (
	insGetResponse = 0xC0
	maxFragment    = 255
)

// New constructs a new card on the specified transport
func New(transport string) (*Card, error) {
	t, err := NewTransport(transport)
	if err != nil {
		return nil, err
	}

	return &Card{t}, nil
}

// Command composes an APDU to send to the card, fragmenting large
// requests into a command chain and reassembling responses delivered
// across 0x61XX continuations. All fragments but the last must
// succeed outright; their response data is discarded. Reordering or
// dropping a continuation corrupts the payload, so data is appended
// strictly in arrival order.
func (c *Card) Command(cla, ins, p1, p2 byte, data []byte, le uint) ([]byte, error) {
	var respData []byte
	var req ReqAPDU

	for len(data) > maxFragment {
		req = ReqAPDU{
			Cla:  cla | 0x10,
			Ins:  ins,
			P1:   p1,
			P2:   p2,
			Data: data[0:maxFragment],
			Le:   0,
		}
		resp, err := c.Transact(req)
		if err != nil {
			return nil, err
		} else if !resp.OK() {
			return nil, ErrorFromAPDU(resp)
		}
		data = data[maxFragment:]
	}

	req = ReqAPDU{
		Cla:  cla,
		Ins:  ins,
		P1:   p1,
		P2:   p2,
		Data: data,
		Le:   le,
	}

	for {
		resp, err := c.Transact(req)
		if err != nil {
			return nil, err
		}

		respData = append(respData, resp.Data...)

		if resp.OK() {
			break
		} else if resp.SW1 == 0x6C {
			// Wrong Le; retry with the length the card wants
			req.Le = uint(resp.SW2)
			if req.Le == 0 {
				req.Le = 256
			}
		} else if more := resp.MoreData(); more >= 0 {
			req = ReqAPDU{
				Cla: cla,
				Ins: insGetResponse,
				Le:  uint(more),
			}
		} else {
			return nil, ErrorFromAPDU(resp)
		}
	}

	return respData, nil
}

// SelectDF selects a Dedicated File (application) by name
func (c *Card) SelectDF(name []byte) ([]byte, error) {
	return c.Command(0x00, 0xA4, 0x04, 0x00, name, 256)
}

// GetFileData returns the data contained in the specified file
func (c *Card) GetFileData(name FileID, body []byte) ([]byte, error) {
	return c.Command(0x00, 0xCB, byte(name>>8), byte(name), body, 256)
}

// PutFileData puts data in the specified file
func (c *Card) PutFileData(name FileID, body []byte) error {
	_, err := c.Command(0x00, 0xDB, byte(name>>8), byte(name), body, 0)
	return err
}

// Verify submits a PIN against the specified reference
func (c *Card) Verify(id byte, pin []byte) error {
	_, err := c.Command(0x00, 0x20, 0x00, id, pin, 0)
	return err
}
