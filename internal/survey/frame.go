package survey

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// FrameControl is the frame-control value of survey frames.
const FrameControl uint16 = 0x88D1

// Kind distinguishes survey frames.
type Kind uint8

const (
	// KindRanging is sent by the node leading a survey round.
	KindRanging Kind = 1
	// KindReport carries a node's observations.
	KindReport Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRanging:
		return "ranging"
	case KindReport:
		return "report"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// MaxEntries bounds the observations carried by one report.
const MaxEntries = 16

var (
	ErrShortFrame  = errors.New("survey: frame too short")
	ErrChecksum    = errors.New("survey: frame checksum mismatch")
	ErrTooManyRows = errors.New("survey: too many entries")
)

// Entry is one observation: how many survey frames were heard from Addr.
type Entry struct {
	Addr  uint16
	Count uint16
}

// Frame is a survey message.
//
//	FrameControl(2) | Seq(1) | Src(2) | Kind(1) | N(1) | N x (Addr(2) | Count(2)) | CRC32(4)
type Frame struct {
	FrameControl uint16
	Seq          uint8
	Src          uint16
	Kind         Kind
	N            int
	Entries      [MaxEntries]Entry
}

const (
	headerSize = 7
	entrySize  = 4
	crcSize    = 4
	// MaxFrameSize is the size of a report carrying MaxEntries entries.
	MaxFrameSize = headerSize + MaxEntries*entrySize + crcSize
	// RangingFrameSize is the size of a frame without entries.
	RangingFrameSize = headerSize + crcSize
)

// Size is the encoded size of f.
func (f *Frame) Size() int { return headerSize + f.N*entrySize + crcSize }

func (f *Frame) MarshalTo(buf []byte) (int, error) {
	if f.N < 0 || f.N > MaxEntries {
		return 0, ErrTooManyRows
	}
	size := f.Size()
	if len(buf) < size {
		return 0, ErrShortFrame
	}
	binary.LittleEndian.PutUint16(buf[0:2], f.FrameControl)
	buf[2] = f.Seq
	binary.LittleEndian.PutUint16(buf[3:5], f.Src)
	buf[5] = byte(f.Kind)
	buf[6] = byte(f.N)
	off := headerSize
	for i := 0; i < f.N; i++ {
		binary.LittleEndian.PutUint16(buf[off:off+2], f.Entries[i].Addr)
		binary.LittleEndian.PutUint16(buf[off+2:off+4], f.Entries[i].Count)
		off += entrySize
	}
	binary.LittleEndian.PutUint32(buf[off:off+crcSize], crc32.ChecksumIEEE(buf[:off]))
	return size, nil
}

func (f *Frame) Marshal() []byte {
	buf := make([]byte, MaxFrameSize)
	n, err := f.MarshalTo(buf)
	if err != nil {
		return nil
	}
	return buf[:n]
}

// Unmarshal decodes data into f without allocating.
func (f *Frame) Unmarshal(data []byte) error {
	if len(data) < RangingFrameSize {
		return ErrShortFrame
	}
	n := int(data[6])
	if n > MaxEntries {
		return ErrTooManyRows
	}
	end := headerSize + n*entrySize
	if len(data) < end+crcSize {
		return ErrShortFrame
	}
	if binary.LittleEndian.Uint32(data[end:end+crcSize]) != crc32.ChecksumIEEE(data[:end]) {
		return ErrChecksum
	}
	f.FrameControl = binary.LittleEndian.Uint16(data[0:2])
	f.Seq = data[2]
	f.Src = binary.LittleEndian.Uint16(data[3:5])
	f.Kind = Kind(data[5])
	f.N = n
	off := headerSize
	for i := 0; i < n; i++ {
		f.Entries[i] = Entry{
			Addr:  binary.LittleEndian.Uint16(data[off : off+2]),
			Count: binary.LittleEndian.Uint16(data[off+2 : off+4]),
		}
		off += entrySize
	}
	return nil
}
