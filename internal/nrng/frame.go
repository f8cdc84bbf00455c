package nrng

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// FrameControl is the frame-control value of every ranging frame. The
// completion bridge uses it as its discriminator.
const FrameControl uint16 = 0x88C1

// Code is the protocol message type carried by a ranging frame.
type Code uint16

const (
	CodeRequest  Code = 0x0220
	CodeResponse Code = 0x0221
	CodeFinal    Code = 0x0222
	// CodeEnd marks a buffered terminal frame that has been processed. It is
	// never sent on the air.
	CodeEnd      Code = 0x0223
	CodeExtFinal Code = 0x0232
)

func (c Code) String() string {
	switch c {
	case CodeRequest:
		return "request"
	case CodeResponse:
		return "response"
	case CodeFinal:
		return "final"
	case CodeExtFinal:
		return "ext_final"
	case CodeEnd:
		return "end"
	default:
		return fmt.Sprintf("code(0x%04X)", uint16(c))
	}
}

// Terminal reports whether c finishes an exchange.
func (c Code) Terminal() bool { return c == CodeFinal || c == CodeExtFinal }

var (
	ErrShortFrame = errors.New("nrng: frame too short")
	ErrChecksum   = errors.New("nrng: frame checksum mismatch")
)

// Frame is a ranging message.
//
// Wire layout, little-endian:
//
//	FrameControl(2) | Seq(1) | PANID(2) | Dst(2) | Src(2) | Code(2) | Timestamp(8) | CRC32(4)
type Frame struct {
	FrameControl uint16
	Seq          uint8
	PANID        uint16
	Dst          uint16
	Src          uint16
	Code         Code
	// Timestamp is the sender's transmit timestamp in device microseconds.
	Timestamp uint64
}

const (
	headerSize = 19
	crcSize    = 4
	// FrameSize is the encoded size of every ranging frame.
	FrameSize = headerSize + crcSize
	// RequestFrameSize is the size used to compute the listen timeout.
	RequestFrameSize = FrameSize
)

// MarshalTo encodes f into buf and returns the number of bytes written.
func (f *Frame) MarshalTo(buf []byte) (int, error) {
	if len(buf) < FrameSize {
		return 0, ErrShortFrame
	}
	binary.LittleEndian.PutUint16(buf[0:2], f.FrameControl)
	buf[2] = f.Seq
	binary.LittleEndian.PutUint16(buf[3:5], f.PANID)
	binary.LittleEndian.PutUint16(buf[5:7], f.Dst)
	binary.LittleEndian.PutUint16(buf[7:9], f.Src)
	binary.LittleEndian.PutUint16(buf[9:11], uint16(f.Code))
	binary.LittleEndian.PutUint64(buf[11:19], f.Timestamp)
	binary.LittleEndian.PutUint32(buf[headerSize:FrameSize], crc32.ChecksumIEEE(buf[:headerSize]))
	return FrameSize, nil
}

// Marshal returns the encoding of f.
func (f *Frame) Marshal() []byte {
	buf := make([]byte, FrameSize)
	_, _ = f.MarshalTo(buf)
	return buf
}

// Unmarshal decodes data into f without allocating. f is left unchanged on
// error.
func (f *Frame) Unmarshal(data []byte) error {
	if len(data) < FrameSize {
		return ErrShortFrame
	}
	if binary.LittleEndian.Uint32(data[headerSize:FrameSize]) != crc32.ChecksumIEEE(data[:headerSize]) {
		return ErrChecksum
	}
	f.FrameControl = binary.LittleEndian.Uint16(data[0:2])
	f.Seq = data[2]
	f.PANID = binary.LittleEndian.Uint16(data[3:5])
	f.Dst = binary.LittleEndian.Uint16(data[5:7])
	f.Src = binary.LittleEndian.Uint16(data[7:9])
	f.Code = Code(binary.LittleEndian.Uint16(data[9:11]))
	f.Timestamp = binary.LittleEndian.Uint64(data[11:19])
	return nil
}
