package card

import "errors"

// ReqAPDU is an ISO 7816-4 command APDU
type ReqAPDU struct {
	Cla  byte
	Ins  byte
	P1   byte
	P2   byte
	Data []byte
	Le   uint
}

// Serialize encodes the APDU, picking short or extended
// length encoding as required by Lc/Le
func (apdu ReqAPDU) Serialize() ([]byte, error) {
	buf := []byte{apdu.Cla, apdu.Ins, apdu.P1, apdu.P2}

	Lc := len(apdu.Data)

	if Lc > 65535 || apdu.Le > 65536 {
		return nil, errors.New("Lc or Le too long")
	}

	extended := Lc > 255 || apdu.Le > 256

	if Lc > 0 {
		if !extended {
			buf = append(buf, byte(Lc))
		} else {
			buf = append(buf, 0x00, byte(Lc>>8), byte(Lc))
		}
		buf = append(buf, apdu.Data...)

		if apdu.Le > 0 {
			if !extended {
				buf = append(buf, byte(apdu.Le))
			} else {
				buf = append(buf, byte(apdu.Le>>8), byte(apdu.Le))
			}
		}
	} else if apdu.Le > 0 {
		if extended {
			buf = append(buf, 0x00, byte(apdu.Le>>8), byte(apdu.Le))
		} else {
			buf = append(buf, byte(apdu.Le))
		}
	}

	return buf, nil
}

// RespAPDU is an ISO 7816-4 response APDU
type RespAPDU struct {
	SW1  byte
	SW2  byte
	Data []byte
}

// SW returns the combined status word
func (apdu RespAPDU) SW() uint16 {
	return uint16(apdu.SW1)<<8 | uint16(apdu.SW2)
}

// OK reports whether the status word is 0x9000
func (apdu RespAPDU) OK() bool {
	return apdu.SW1 == 0x90 && apdu.SW2 == 0x00
}

// MoreData returns the number of response bytes still held by the
// card (a 0x61XX status word), or -1 if there are none pending.
// An XX of zero means 256 bytes or more remain.
func (apdu RespAPDU) MoreData() int {
	if apdu.SW1 != 0x61 {
		return -1
	}
	if apdu.SW2 == 0 {
		return 256
	}
	return int(apdu.SW2)
}

func ParseRespAPDU(data []byte) (RespAPDU, error) {
	resp := RespAPDU{}

	if len(data) < 2 {
		return resp, errors.New("Response APDU too short")
	}

	resp.Data = data[:len(data)-2]
	resp.SW1 = data[len(data)-2]
	resp.SW2 = data[len(data)-1]
	return resp, nil
}
