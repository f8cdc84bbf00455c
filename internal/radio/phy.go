package radio

import "math"

// PHY holds the physical-layer attributes needed to estimate on-air time.
type PHY struct {
	// DataRateKbps is 110, 850 or 6800.
	DataRateKbps int
	// PreambleLength in symbols.
	PreambleLength int
	// SFDLength in symbols.
	SFDLength int
	// SymbolDurationNs is the preamble symbol duration, 1017.63 ns at 16 MHz PRF.
	SymbolDurationNs float64
}

// DefaultPHY is 6.8 Mbps, 128-symbol preamble, 16 MHz PRF.
func DefaultPHY() PHY {
	return PHY{
		DataRateKbps:     6800,
		PreambleLength:   128,
		SFDLength:        8,
		SymbolDurationNs: 1017.63,
	}
}

const (
	phrBits         = 21
	reedSolomonData = 330
	reedSolomonPar  = 48
)

// SHRDuration returns the synchronisation header duration in microseconds.
func (p PHY) SHRDuration() uint16 {
	ns := float64(p.PreambleLength+p.SFDLength) * p.SymbolDurationNs
	return uint16(math.Ceil(ns / 1000))
}

// FrameDuration returns the on-air duration in microseconds of a frame with
// nbytes of PSDU, including SHR and PHR.
func (p PHY) FrameDuration(nbytes int) uint16 {
	rate := float64(p.DataRateKbps)
	if rate <= 0 {
		rate = 6800
	}
	phrRate := rate
	if phrRate > 850 {
		phrRate = 850
	}
	bits := float64(nbytes * 8)
	bits += math.Ceil(bits/reedSolomonData) * reedSolomonPar
	dataUs := bits * 1000 / rate
	phrUs := phrBits * 1000 / phrRate
	return p.SHRDuration() + uint16(math.Ceil(phrUs+dataUs))
}
