package piv

import (
	"io"

	"github.com/pkg/errors"
)

// packTag packs a BER tag into a byte array
func packTag(tag uint32) []byte {
	switch {
	case tag <= 0xFF:
		return []byte{byte(tag)}
	case tag <= 0xFFFF:
		return []byte{byte(tag >> 8), byte(tag)}
	case tag <= 0xFFFFFF:
		return []byte{byte(tag >> 16), byte(tag >> 8), byte(tag)}
	default:
		return []byte{byte(tag >> 24), byte(tag >> 16), byte(tag >> 8), byte(tag)}
	}
}

// putTLV appends a TLV to a buffer
func putTLV(buf []byte, tag uint32, data []byte) ([]byte, error) {
	buf = append(buf, packTag(tag)...)

	l := len(data)
	switch {
	case l < 128:
		buf = append(buf, byte(l))
	case l < 256:
		buf = append(buf, 0x81, byte(l))
	case l < 65536:
		buf = append(buf, 0x82, byte(l>>8), byte(l))
	default:
		return nil, errors.New("TLV too long")
	}

	return append(buf, data...), nil
}

func nextTag(data []byte) (tag uint32, rest []byte, err error) {
	if len(data) == 0 {
		err = io.EOF
		return
	}

	if (data[0] & 0x1F) == 0x1F {
		// Long form tag
		tag = uint32(data[0])
		rest = data[1:]
		for {
			if len(rest) == 0 {
				err = io.EOF
				return
			}

			tag = tag<<8 | uint32(rest[0])
			rest = rest[1:]

			if (tag & 0x80) == 0x00 {
				break
			}
		}
	} else {
		tag = uint32(data[0])
		rest = data[1:]
	}

	return
}

func nextLength(data []byte) (length int, rest []byte, err error) {
	switch {
	case len(data) == 0:
		err = io.EOF

	case data[0] < 0x80:
		length = int(data[0])
		rest = data[1:]

	case data[0] == 0x81:
		if len(data) < 2 {
			err = io.EOF
		} else {
			length = int(data[1])
			rest = data[2:]
		}

	case data[0] == 0x82:
		if len(data) < 3 {
			err = io.EOF
		} else {
			length = int(data[1])<<8 | int(data[2])
			rest = data[3:]
		}

	default:
		// Only 1 & 2 byte lengths can be expected from smart cards
		err = errors.Errorf("Length format 0x%x unsupported", data[0])
	}
	return
}

// nextTLV reads the next TLV from the buffer
func nextTLV(data []byte) (tag uint32, body, rest []byte, err error) {
	var length int

	tag, rest, err = nextTag(data)
	if err != nil {
		return
	}

	length, rest, err = nextLength(rest)
	if err != nil {
		return
	}

	if len(rest) < length {
		err = io.EOF
		return
	}

	body = rest[0:length]
	rest = rest[length:]

	return
}

// getTLV gets a specific TLV from the front of the buffer
func getTLV(data []byte, tag uint32) (body, rest []byte, err error) {
	var readTag uint32
	readTag, body, rest, err = nextTLV(data)

	if err != nil {
		return
	} else if readTag != tag {
		err = errors.Errorf("Missing tag %x (have %x)", tag, readTag)
	}

	return
}
