package card

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReqAPDUSerialize(t *testing.T) {
	apdu := ReqAPDU{Cla: 0x00, Ins: 0xA4, P1: 0x04, P2: 0x00, Data: []byte{0xA0, 0x00}, Le: 256}
	buf, err := apdu.Serialize()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0xA0, 0x00, 0x00}, buf)
}

func TestReqAPDUSerializeExtended(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 300)
	apdu := ReqAPDU{Cla: 0x00, Ins: 0xDB, Data: data}
	buf, err := apdu.Serialize()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xDB, 0x00, 0x00, 0x00, 0x01, 0x2C}, buf[:7])
	assert.Equal(t, data, buf[7:])
}

func TestReqAPDUSerializeTooLong(t *testing.T) {
	apdu := ReqAPDU{Data: make([]byte, 65536)}
	_, err := apdu.Serialize()
	assert.Error(t, err)
}

func TestParseRespAPDU(t *testing.T) {
	resp, err := ParseRespAPDU([]byte{0x01, 0x02, 0x90, 0x00})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, uint16(0x9000), resp.SW())
	assert.Equal(t, []byte{0x01, 0x02}, resp.Data)

	_, err = ParseRespAPDU([]byte{0x90})
	assert.Error(t, err)
}

func TestRespAPDUMoreData(t *testing.T) {
	assert.Equal(t, 16, RespAPDU{SW1: 0x61, SW2: 0x10}.MoreData())
	assert.Equal(t, 256, RespAPDU{SW1: 0x61, SW2: 0x00}.MoreData())
	assert.Equal(t, -1, RespAPDU{SW1: 0x90, SW2: 0x00}.MoreData())
}

// scriptTransport replays a fixed list of responses, recording the
// requests it saw
type scriptTransport struct {
	reqs  []ReqAPDU
	resps []RespAPDU
}

func (s *scriptTransport) Lock() error   { return nil }
func (s *scriptTransport) Unlock() error { return nil }
func (s *scriptTransport) Close() error  { return nil }

func (s *scriptTransport) Transact(req ReqAPDU) (RespAPDU, error) {
	s.reqs = append(s.reqs, req)
	if len(s.resps) == 0 {
		return RespAPDU{SW1: 0x6F, SW2: 0x00}, nil
	}
	resp := s.resps[0]
	s.resps = s.resps[1:]
	return resp, nil
}

func TestCommandSimple(t *testing.T) {
	tr := &scriptTransport{resps: []RespAPDU{
		{SW1: 0x90, SW2: 0x00, Data: []byte{0xCA, 0xFE}},
	}}
	c := &Card{tr}

	data, err := c.Command(0x00, 0xCB, 0x3F, 0xFF, []byte{0x5C}, 256)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCA, 0xFE}, data)
	require.Len(t, tr.reqs, 1)
	assert.Equal(t, byte(0xCB), tr.reqs[0].Ins)
}

func TestCommandGetResponseContinuation(t *testing.T) {
	// A response split over one 0x61XX continuation must reassemble
	// byte-for-byte identical to a single-shot response
	first := bytes.Repeat([]byte{0x11}, 200)
	second := bytes.Repeat([]byte{0x22}, 56)

	tr := &scriptTransport{resps: []RespAPDU{
		{SW1: 0x61, SW2: 0x38, Data: first},
		{SW1: 0x90, SW2: 0x00, Data: second},
	}}
	c := &Card{tr}

	data, err := c.Command(0x00, 0xCB, 0x3F, 0xFF, nil, 256)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, first...), second...), data)

	require.Len(t, tr.reqs, 2)
	assert.Equal(t, byte(0xC0), tr.reqs[1].Ins, "continuation must use GET RESPONSE")
	assert.Equal(t, uint(0x38), tr.reqs[1].Le)
}

func TestCommandChainedRequest(t *testing.T) {
	data := bytes.Repeat([]byte{0x33}, 600)

	tr := &scriptTransport{resps: []RespAPDU{
		{SW1: 0x90, SW2: 0x00},
		{SW1: 0x90, SW2: 0x00},
		{SW1: 0x90, SW2: 0x00, Data: []byte{0x01}},
	}}
	c := &Card{tr}

	resp, err := c.Command(0x00, 0xDB, 0x3F, 0xFF, data, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, resp)

	require.Len(t, tr.reqs, 3)
	assert.Equal(t, byte(0x10), tr.reqs[0].Cla, "non-final fragment carries the chaining bit")
	assert.Equal(t, byte(0x10), tr.reqs[1].Cla)
	assert.Equal(t, byte(0x00), tr.reqs[2].Cla)
	assert.Len(t, tr.reqs[0].Data, 255)
	assert.Len(t, tr.reqs[1].Data, 255)
	assert.Len(t, tr.reqs[2].Data, 90)

	var whole []byte
	for _, req := range tr.reqs {
		whole = append(whole, req.Data...)
	}
	assert.Equal(t, data, whole, "fragment order must be preserved")
}

func TestCommandChainFragmentError(t *testing.T) {
	data := bytes.Repeat([]byte{0x44}, 300)

	tr := &scriptTransport{resps: []RespAPDU{
		{SW1: 0x6A, SW2: 0x84},
	}}
	c := &Card{tr}

	_, err := c.Command(0x00, 0xDB, 0x3F, 0xFF, data, 0)
	require.Error(t, err)
	assert.True(t, IsStatus(err, 0x6A84))
}

func TestCommandWrongLeRetry(t *testing.T) {
	tr := &scriptTransport{resps: []RespAPDU{
		{SW1: 0x6C, SW2: 0x04},
		{SW1: 0x90, SW2: 0x00, Data: []byte{1, 2, 3, 4}},
	}}
	c := &Card{tr}

	data, err := c.Command(0x00, 0xCB, 0x00, 0x00, nil, 256)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
	assert.Equal(t, uint(4), tr.reqs[1].Le)
}

func TestStatusErrorTaxonomy(t *testing.T) {
	assert.Equal(t, 3, PinAttemptsRemaining(StatusError{SW: 0x63C3}))
	assert.Equal(t, 0, PinAttemptsRemaining(StatusError{SW: 0x6983}))
	assert.Equal(t, -1, PinAttemptsRemaining(StatusError{SW: 0x9000}))
	assert.True(t, IsStatus(StatusError{SW: 0x6982}, 0x6982))

	assert.ErrorIs(t, StatusError{SW: 0x6A84}, ErrNoSpaceLeftOnDevice)
	assert.ErrorIs(t, StatusError{SW: 0x6982}, ErrAuthenticationError)
	assert.ErrorIs(t, StatusError{SW: 0x6A82}, ErrCertificateNotFound)
}
