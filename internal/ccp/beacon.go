package ccp

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// FrameControl is the frame-control value of clock-calibration beacons.
const FrameControl uint16 = 0x00C5

var (
	ErrShortBeacon = errors.New("ccp: beacon too short")
	ErrChecksum    = errors.New("ccp: beacon checksum mismatch")
)

// Beacon is the clock-calibration packet sent by the master in slot 0.
//
//	FrameControl(2) | Seq(1) | Src(2) | TxOffset(4) | Period(4) | CRC32(4)
type Beacon struct {
	FrameControl uint16
	Seq          uint8
	Src          uint16
	// TxOffset is the transmit time of the beacon relative to the start of
	// the master's frame, in microseconds.
	TxOffset uint32
	// Period is the master's frame period in microseconds.
	Period uint32
}

const (
	beaconHeader = 13
	// BeaconSize is the encoded size of a beacon.
	BeaconSize = beaconHeader + 4
)

func (b *Beacon) MarshalTo(buf []byte) (int, error) {
	if len(buf) < BeaconSize {
		return 0, ErrShortBeacon
	}
	binary.LittleEndian.PutUint16(buf[0:2], b.FrameControl)
	buf[2] = b.Seq
	binary.LittleEndian.PutUint16(buf[3:5], b.Src)
	binary.LittleEndian.PutUint32(buf[5:9], b.TxOffset)
	binary.LittleEndian.PutUint32(buf[9:13], b.Period)
	binary.LittleEndian.PutUint32(buf[beaconHeader:BeaconSize], crc32.ChecksumIEEE(buf[:beaconHeader]))
	return BeaconSize, nil
}

func (b *Beacon) Marshal() []byte {
	buf := make([]byte, BeaconSize)
	_, _ = b.MarshalTo(buf)
	return buf
}

// Unmarshal decodes data into b without allocating.
func (b *Beacon) Unmarshal(data []byte) error {
	if len(data) < BeaconSize {
		return ErrShortBeacon
	}
	if binary.LittleEndian.Uint32(data[beaconHeader:BeaconSize]) != crc32.ChecksumIEEE(data[:beaconHeader]) {
		return ErrChecksum
	}
	b.FrameControl = binary.LittleEndian.Uint16(data[0:2])
	b.Seq = data[2]
	b.Src = binary.LittleEndian.Uint16(data[3:5])
	b.TxOffset = binary.LittleEndian.Uint32(data[5:9])
	b.Period = binary.LittleEndian.Uint32(data[9:13])
	return nil
}
