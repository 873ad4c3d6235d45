package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	SOF        byte = 0x11
	MarkerLRC1 byte = 0xEF

	HeaderLen  = 9
	TrailerLen = 1
	MaxPayload = 0xFFFF
)

var (
	ErrBadStart        = errors.New("frame: bad start of frame")
	ErrHeaderChecksum  = errors.New("frame: header checksum mismatch")
	ErrPayloadChecksum = errors.New("frame: payload checksum mismatch")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Result describes what Decode found at the head of a buffer.
type Result int

const (
	Incomplete Result = iota
	Invalid
	Complete
)

func (r Result) String() string {
	switch r {
	case Incomplete:
		return "incomplete"
	case Invalid:
		return "invalid"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Header is the fixed 9-byte wire header.
type Header struct {
	SOF        byte
	LRC1       byte
	Command    uint16
	Status     uint16
	PayloadLen uint16
	LRC2       byte
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
	LRC3    byte
}

// Size is the number of wire bytes the frame occupies.
func (f Frame) Size() int {
	return HeaderLen + int(f.Header.PayloadLen) + TrailerLen
}

func (f Frame) Command() uint16 { return f.Header.Command }
func (f Frame) Status() uint16  { return f.Header.Status }

// Validate checks both checksums. A frame that fails must be discarded whole.
func (f Frame) Validate() error {
	if f.Header.LRC2 != Checksum(headerSum(f.Header)) {
		return ErrHeaderChecksum
	}
	if f.LRC3 != payloadChecksum(f.Payload) {
		return ErrPayloadChecksum
	}
	return nil
}

// Bytes re-encodes the frame exactly as it appears on the wire.
func (f Frame) Bytes() []byte {
	buf := make([]byte, f.Size())
	buf[0] = f.Header.SOF
	buf[1] = f.Header.LRC1
	binary.BigEndian.PutUint16(buf[2:4], f.Header.Command)
	binary.BigEndian.PutUint16(buf[4:6], f.Header.Status)
	binary.BigEndian.PutUint16(buf[6:8], f.Header.PayloadLen)
	buf[8] = f.Header.LRC2
	copy(buf[HeaderLen:], f.Payload)
	buf[len(buf)-1] = f.LRC3
	return buf
}

// Checksum is the two's complement of the byte sum, so sum(b)+Checksum(b) == 0 mod 256.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return -sum
}

// Encode builds a host-originated frame. Host frames always carry status 0.
func Encode(command uint16, payload []byte) ([]byte, error) {
	return EncodeWithStatus(command, 0, payload)
}

// EncodeWithStatus builds a frame carrying an explicit status, as the device does.
func EncodeWithStatus(command, status uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	h := Header{
		SOF:        SOF,
		LRC1:       MarkerLRC1,
		Command:    command,
		Status:     status,
		PayloadLen: uint16(len(payload)),
	}
	h.LRC2 = Checksum(headerSum(h))
	f := Frame{Header: h, Payload: payload, LRC3: payloadChecksum(payload)}
	return f.Bytes(), nil
}

// Decode inspects the head of buf. Invalid means the whole buffer is garbage and
// must be discarded. Complete frames are not checksum-validated here; call Validate.
func Decode(buf []byte) (Result, Frame, error) {
	if len(buf) < HeaderLen {
		return Incomplete, Frame{}, nil
	}
	if buf[0] != SOF {
		return Invalid, Frame{}, ErrBadStart
	}
	h := DecodeHeader(buf[:HeaderLen])
	total := HeaderLen + int(h.PayloadLen) + TrailerLen
	if len(buf) < total {
		return Incomplete, Frame{}, nil
	}
	payload := make([]byte, h.PayloadLen)
	copy(payload, buf[HeaderLen:HeaderLen+int(h.PayloadLen)])
	return Complete, Frame{Header: h, Payload: payload, LRC3: buf[total-1]}, nil
}

// DecodeHeader parses the fixed header. b must hold at least HeaderLen bytes.
func DecodeHeader(b []byte) Header {
	return Header{
		SOF:        b[0],
		LRC1:       b[1],
		Command:    binary.BigEndian.Uint16(b[2:4]),
		Status:     binary.BigEndian.Uint16(b[4:6]),
		PayloadLen: binary.BigEndian.Uint16(b[6:8]),
		LRC2:       b[8],
	}
}

// headerSum returns the six bytes covered by lrc2.
func headerSum(h Header) []byte {
	var b [6]byte
	binary.BigEndian.PutUint16(b[0:2], h.Command)
	binary.BigEndian.PutUint16(b[2:4], h.Status)
	binary.BigEndian.PutUint16(b[4:6], h.PayloadLen)
	return b[:]
}

func payloadChecksum(payload []byte) byte {
	if len(payload) == 0 {
		return 0x00
	}
	return Checksum(payload)
}
