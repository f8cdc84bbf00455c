package node

import (
	"context"
	"errors"
	"time"

	"github.com/signalsfoundry/tdma-ranging-node/internal/radio/sim"
	"github.com/signalsfoundry/tdma-ranging-node/timectrl"
)

// SimConfig describes a host simulation of one node.
type SimConfig struct {
	Neighbour NeighbourConfig
	Radio     sim.Config
	Start     time.Time
	// Tick is the clock step. Slot timers fire on tick boundaries.
	Tick time.Duration
	Mode timectrl.Mode
}

// DefaultSimConfig steps an inline radio in 1ms ticks.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Radio: sim.DefaultConfig(),
		Start: time.Unix(0, 0),
		Tick:  time.Millisecond,
		Mode:  timectrl.Accelerated,
	}
}

// Simulation is a node on a simulated radio with a simulated neighbourhood.
type Simulation struct {
	*Node
	Clock     *timectrl.TimeController
	Radio     *sim.Driver
	Neighbour *Neighbour
}

// NewSimulation builds a node driven by its own TimeController.
func NewSimulation(cfg Config, sc SimConfig, opts ...Option) (*Simulation, error) {
	if sc.Tick <= 0 {
		return nil, errors.New("node: simulation tick must be positive")
	}
	clock := timectrl.NewTimeController(sc.Start, sc.Tick, sc.Mode)
	nb := NewNeighbour(sc.Neighbour)
	drv := sim.New(clock, nb, sc.Radio)
	n, err := New(cfg, clock, drv, opts...)
	if err != nil {
		return nil, err
	}
	nb.bind(n.sched, uint64(n.cfg.RxLead/time.Microsecond))
	clock.AddListener(n.OnTick)
	return &Simulation{Node: n, Clock: clock, Radio: drv, Neighbour: nb}, nil
}

// Step advances the clock by steps ticks, draining the run queue after each
// one. It requires an inline radio to be deterministic.
func (s *Simulation) Step(ctx context.Context, steps int) {
	for i := 0; i < steps && ctx.Err() == nil; i++ {
		s.Clock.Advance(s.Clock.Tick)
		s.Drain(ctx)
	}
}

// RunFrames steps through frames whole frame periods.
func (s *Simulation) RunFrames(ctx context.Context, frames int) {
	perFrame := int(s.cfg.FramePeriod / s.Clock.Tick)
	s.Step(ctx, frames*perFrame)
}

// Run lets the clock tick on its own goroutine and runs the event loop until
// ctx is done. Cancellation and deadline expiry are a clean stop.
func (s *Simulation) Run(ctx context.Context) error {
	stop := make(chan struct{})
	done := s.Clock.Start(0, stop)
	err := s.Node.Run(ctx)
	close(stop)
	<-done
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
