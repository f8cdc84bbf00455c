package node

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/signalsfoundry/tdma-ranging-node/internal/ccp"
	"github.com/signalsfoundry/tdma-ranging-node/internal/nrng"
	"github.com/signalsfoundry/tdma-ranging-node/internal/tdma"
)

// Config is the start-up configuration of a node.
type Config struct {
	// DeviceID overrides the radio's device id in diagnostics and discovery.
	// Zero keeps the id reported by the radio.
	DeviceID     uint32
	PANID        uint16
	ShortAddress uint16
	// SlotID is the node's own slot. It selects the clock-sync master when
	// RoleMaster is unset.
	SlotID int

	NSlots      int
	FramePeriod time.Duration
	SlotLead    time.Duration
	RxLead      time.Duration
	TxGuard     time.Duration

	// RxTimeoutDelay is the ranging listen guard, in radio timeout units.
	RxTimeoutDelay uint16
	// NFrames is the number of ranging frame buffers.
	NFrames int

	ClockSync bool
	Survey    bool
	// RoleMaster forces the clock-sync role. Nil means SlotID == 1.
	RoleMaster *bool

	SurveyRangeSlot     int
	SurveyBroadcastSlot int
	// InitiatorSlots are ranging slots in which this node opens exchanges
	// instead of listening.
	InitiatorSlots []int

	// QueueCapacity is the minimum run-queue depth. The node always makes room
	// for every event it owns.
	QueueCapacity int
}

// DefaultConfig returns the stock node configuration.
func DefaultConfig() Config {
	return Config{
		PANID:               0xDECA,
		ShortAddress:        0x0001,
		SlotID:              1,
		NSlots:              16,
		FramePeriod:         100 * time.Millisecond,
		SlotLead:            time.Millisecond,
		RxLead:              150 * time.Microsecond,
		TxGuard:             50 * time.Microsecond,
		RxTimeoutDelay:      nrng.DefaultConfig().RxTimeoutDelay,
		NFrames:             nrng.DefaultConfig().NFrames,
		ClockSync:           true,
		SurveyRangeSlot:     1,
		SurveyBroadcastSlot: 2,
		QueueCapacity:       16,
	}
}

// ApplyDefaults fills zero-valued numeric fields from DefaultConfig. Role
// toggles are left as given.
func (c Config) ApplyDefaults() Config {
	d := DefaultConfig()
	if c.PANID == 0 {
		c.PANID = d.PANID
	}
	if c.ShortAddress == 0 {
		c.ShortAddress = d.ShortAddress
	}
	if c.NSlots == 0 {
		c.NSlots = d.NSlots
	}
	if c.FramePeriod == 0 {
		c.FramePeriod = d.FramePeriod
	}
	if c.SlotLead == 0 {
		c.SlotLead = d.SlotLead
	}
	if c.RxLead == 0 {
		c.RxLead = d.RxLead
	}
	if c.RxTimeoutDelay == 0 {
		c.RxTimeoutDelay = d.RxTimeoutDelay
	}
	if c.NFrames == 0 {
		c.NFrames = d.NFrames
	}
	if c.SurveyRangeSlot == 0 && c.SurveyBroadcastSlot == 0 {
		c.SurveyRangeSlot = d.SurveyRangeSlot
		c.SurveyBroadcastSlot = d.SurveyBroadcastSlot
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	return c
}

// Master reports whether the node runs the clock-sync master role.
func (c Config) Master() bool {
	if c.RoleMaster != nil {
		return *c.RoleMaster
	}
	return c.SlotID == 1
}

// FirstRangingSlot is the lowest slot given to ranging. The survey role
// keeps the slots below 4.
func (c Config) FirstRangingSlot() int {
	if c.Survey {
		return 4
	}
	return 1
}

// TDMA returns the scheduler configuration.
func (c Config) TDMA() tdma.Config {
	return tdma.Config{
		NSlots:      c.NSlots,
		FramePeriod: c.FramePeriod,
		SlotLead:    c.SlotLead,
		RxLead:      c.RxLead,
		TxGuard:     c.TxGuard,
	}
}

// Ranging returns the ranging configuration.
func (c Config) Ranging() nrng.Config {
	return nrng.Config{
		NFrames:        c.NFrames,
		RxTimeoutDelay: c.RxTimeoutDelay,
		PANID:          c.PANID,
		Address:        c.ShortAddress,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if err := c.TDMA().Validate(); err != nil {
		return err
	}
	if c.NSlots < 2 {
		return fmt.Errorf("node: need at least 2 slots, got %d", c.NSlots)
	}
	if c.SlotID < 0 || c.SlotID >= c.NSlots {
		return fmt.Errorf("node: slot id %d outside [0, %d)", c.SlotID, c.NSlots)
	}
	if c.NFrames <= 0 {
		return fmt.Errorf("node: nframes must be positive, got %d", c.NFrames)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("node: queue capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.Survey {
		for _, idx := range []int{c.SurveyRangeSlot, c.SurveyBroadcastSlot} {
			if idx < 0 || idx >= c.NSlots {
				return fmt.Errorf("node: survey slot %d outside [0, %d)", idx, c.NSlots)
			}
			if c.ClockSync && idx == ccp.Slot {
				return fmt.Errorf("node: survey slot %d collides with the clock-sync slot", idx)
			}
		}
		if c.SurveyRangeSlot == c.SurveyBroadcastSlot {
			return errors.New("node: survey range and broadcast slots must differ")
		}
	}
	for _, idx := range c.InitiatorSlots {
		if idx < c.FirstRangingSlot() || idx >= c.NSlots {
			return fmt.Errorf("node: initiator slot %d outside ranging slots [%d, %d)", idx, c.FirstRangingSlot(), c.NSlots)
		}
		if c.reserved(idx) {
			return fmt.Errorf("node: initiator slot %d is reserved for the survey role", idx)
		}
	}
	return nil
}

// reserved reports whether idx belongs to a role other than ranging.
func (c Config) reserved(idx int) bool {
	if c.ClockSync && idx == ccp.Slot {
		return true
	}
	return c.Survey && (idx == c.SurveyRangeSlot || idx == c.SurveyBroadcastSlot)
}

func (c Config) initiator(idx int) bool { return slices.Contains(c.InitiatorSlots, idx) }

// fileConfig is the JSON form of Config. Absent fields keep their defaults.
type fileConfig struct {
	DeviceID            *uint32 `json:"device_id"`
	PANID               *uint16 `json:"pan_id"`
	ShortAddress        *uint16 `json:"short_address"`
	SlotID              *int    `json:"slot_id"`
	NSlots              *int    `json:"nslots"`
	FramePeriod         string  `json:"frame_period"`
	SlotLead            string  `json:"slot_lead"`
	RxLead              string  `json:"rx_lead"`
	TxGuard             string  `json:"tx_guard"`
	RxTimeoutDelay      *uint16 `json:"rx_timeout_delay"`
	NFrames             *int    `json:"nframes"`
	ClockSync           *bool   `json:"clock_sync"`
	Survey              *bool   `json:"survey"`
	RoleMaster          *bool   `json:"role_master"`
	SurveyRangeSlot     *int    `json:"survey_range_slot"`
	SurveyBroadcastSlot *int    `json:"survey_broadcast_slot"`
	InitiatorSlots      []int   `json:"initiator_slots"`
	QueueCapacity       *int    `json:"queue_capacity"`
}

// LoadConfig reads a JSON configuration file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a JSON configuration over DefaultConfig and validates
// the result.
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	c := DefaultConfig()
	setIf(&c.DeviceID, fc.DeviceID)
	setIf(&c.PANID, fc.PANID)
	setIf(&c.ShortAddress, fc.ShortAddress)
	setIf(&c.SlotID, fc.SlotID)
	setIf(&c.NSlots, fc.NSlots)
	setIf(&c.RxTimeoutDelay, fc.RxTimeoutDelay)
	setIf(&c.NFrames, fc.NFrames)
	setIf(&c.ClockSync, fc.ClockSync)
	setIf(&c.Survey, fc.Survey)
	setIf(&c.SurveyRangeSlot, fc.SurveyRangeSlot)
	setIf(&c.SurveyBroadcastSlot, fc.SurveyBroadcastSlot)
	setIf(&c.QueueCapacity, fc.QueueCapacity)
	c.RoleMaster = fc.RoleMaster
	if fc.InitiatorSlots != nil {
		c.InitiatorSlots = fc.InitiatorSlots
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"frame_period", fc.FramePeriod, &c.FramePeriod},
		{"slot_lead", fc.SlotLead, &c.SlotLead},
		{"rx_lead", fc.RxLead, &c.RxLead},
		{"tx_guard", fc.TxGuard, &c.TxGuard},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", d.name, err)
		}
		*d.dst = v
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
