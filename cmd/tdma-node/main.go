package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/tdma-ranging-node/internal/discovery"
	"github.com/signalsfoundry/tdma-ranging-node/internal/logging"
	"github.com/signalsfoundry/tdma-ranging-node/internal/node"
	"github.com/signalsfoundry/tdma-ranging-node/internal/observability"
	"github.com/signalsfoundry/tdma-ranging-node/timectrl"
)

type options struct {
	configPath  string
	metricsAddr string
	healthAddr  string
	mdns        bool
	browse      time.Duration

	realtime bool
	tick     time.Duration
	frames   int

	slotID         int
	nslots         int
	initiatorSlots string

	neighbourSlots  string
	neighbourBeacon bool
	neighbourSurvey bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to a JSON node configuration; defaults are used when empty")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics (empty disables)")
	flag.StringVar(&opts.healthAddr, "health-addr", ":50051", "TCP address of the gRPC health service (empty disables)")
	flag.BoolVar(&opts.mdns, "mdns", false, "Advertise the node over mDNS")
	flag.DurationVar(&opts.browse, "browse", 0, "Browse for nodes over mDNS for this long, print them and exit")
	flag.BoolVar(&opts.realtime, "realtime", false, "Tick the clock in real time instead of as fast as possible")
	flag.DurationVar(&opts.tick, "tick", time.Millisecond, "Clock tick")
	flag.IntVar(&opts.frames, "frames", 0, "Run this many frames and exit (0 runs until interrupted)")
	flag.IntVar(&opts.slotID, "slot-id", -1, "Override the node's slot id")
	flag.IntVar(&opts.nslots, "nslots", 0, "Override the number of slots per frame")
	flag.StringVar(&opts.initiatorSlots, "initiator-slots", "", "Comma-separated ranging slots this node initiates in")
	flag.StringVar(&opts.neighbourSlots, "neighbour-slots", "2", "Comma-separated slots in which the simulated neighbour initiates ranging")
	flag.BoolVar(&opts.neighbourBeacon, "neighbour-beacon", false, "Simulate a clock-sync master beaconing in slot 0")
	flag.BoolVar(&opts.neighbourSurvey, "neighbour-survey", false, "Simulate a survey leader in the survey range slot")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, log); err != nil {
		log.Error(ctx, "node exited", logging.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, log logging.Logger) error {
	if opts.browse > 0 {
		return browse(ctx, opts.browse, log)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	collector, err := observability.NewNodeCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	metricsSrv := serveMetrics(opts.metricsAddr, collector, log)
	defer func() {
		if metricsSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	sc := node.DefaultSimConfig()
	sc.Tick = opts.tick
	sc.Neighbour.RangingSlots, err = parseSlots(opts.neighbourSlots)
	if err != nil {
		return fmt.Errorf("neighbour-slots: %w", err)
	}
	sc.Neighbour.Beacon = opts.neighbourBeacon
	sc.Neighbour.Survey = opts.neighbourSurvey
	if opts.realtime {
		sc.Mode = timectrl.RealTime
		sc.Start = time.Now()
		sc.Radio.Inline = false
	}
	sim, err := node.NewSimulation(cfg, sc, node.WithLogger(log), node.WithRecorder(collector))
	if err != nil {
		return err
	}

	// The queue's tracer comes from the global provider, which delegates to
	// whatever is installed here.
	tcfg := observability.TracingConfigFromEnv()
	tcfg.Node = observability.NodeIdentity{DeviceID: sim.DeviceID(), PANID: cfg.PANID, SlotID: cfg.SlotID}
	shutdownTracing, err := observability.InitTracing(ctx, tcfg, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	var health *observability.HealthServer
	healthPort := 0
	if opts.healthAddr != "" {
		lis, err := net.Listen("tcp", opts.healthAddr)
		if err != nil {
			return fmt.Errorf("listen for health: %w", err)
		}
		healthPort = lis.Addr().(*net.TCPAddr).Port
		health = observability.NewHealthServer(collector, log)
		go func() {
			if err := health.Serve(lis); err != nil {
				log.Warn(context.Background(), "health server exited", logging.Err(err))
			}
		}()
		defer health.Stop()
	}

	if err := sim.Start(ctx); err != nil {
		return err
	}
	if health != nil {
		health.SetServing("", true)
		for _, role := range sim.Roles() {
			health.SetServing(role, true)
		}
	}

	if opts.mdns {
		adv, err := discovery.Advertise(discovery.Advertisement{
			Port:     healthPort,
			DeviceID: sim.DeviceID(),
			PANID:    cfg.PANID,
			Address:  cfg.ShortAddress,
			SlotID:   cfg.SlotID,
			Roles:    sim.Roles(),
		}, log)
		if err != nil {
			return err
		}
		defer adv.Shutdown()
	}

	log.Info(ctx, "node running",
		logging.Int("nslots", cfg.NSlots),
		logging.String("frame_period", cfg.FramePeriod.String()),
		logging.String("mode", sc.Mode.String()),
		logging.Int("frames", opts.frames),
	)

	switch {
	case opts.frames > 0 && !opts.realtime:
		sim.RunFrames(ctx, opts.frames)
	case opts.frames > 0:
		runCtx, cancel := context.WithTimeout(ctx, time.Duration(opts.frames)*cfg.FramePeriod)
		err = sim.Run(runCtx)
		cancel()
	default:
		err = sim.Run(ctx)
	}
	if err != nil {
		return err
	}

	report(sim, collector, log)
	return nil
}

func loadConfig(opts options) (node.Config, error) {
	cfg := node.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = node.LoadConfig(opts.configPath); err != nil {
			return node.Config{}, err
		}
	}
	if opts.slotID >= 0 {
		cfg.SlotID = opts.slotID
	}
	if opts.nslots > 0 {
		cfg.NSlots = opts.nslots
	}
	if opts.initiatorSlots != "" {
		slots, err := parseSlots(opts.initiatorSlots)
		if err != nil {
			return node.Config{}, fmt.Errorf("initiator-slots: %w", err)
		}
		cfg.InitiatorSlots = slots
	}
	if err := cfg.Validate(); err != nil {
		return node.Config{}, err
	}
	return cfg, nil
}

func parseSlots(raw string) ([]int, error) {
	var out []int
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		idx, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("bad slot %q: %w", field, err)
		}
		out = append(out, idx)
	}
	return out, nil
}

func serveMetrics(addr string, collector *observability.NodeCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func report(sim *node.Simulation, collector *observability.NodeCollector, log logging.Logger) {
	ctx := context.Background()
	stats := sim.Stats()
	jitter := collector.Jitter().Summary()
	log.Info(ctx, "node stopped",
		logging.Utime(sim.Radio.Now()),
		logging.Uint64("exchanges_complete", stats.Completed),
		logging.Uint64("exchanges_failed", stats.Failed),
		logging.Uint64("unclaimed", stats.Unclaimed),
		logging.Uint64("events", stats.Queue.Processed),
		logging.Uint64("dropped", stats.Queue.Dropped),
		logging.Uint64("beacons_sent", stats.Beacons.Sent),
		logging.Uint64("beacons_synced", stats.Beacons.Synced),
		logging.Uint64("survey_reports", stats.Surveys),
		logging.Int("jitter_samples", jitter.Count),
		logging.String("jitter_p99", jitter.P99.String()),
		logging.String("jitter_max", jitter.Max.String()),
	)
}

func browse(ctx context.Context, d time.Duration, log logging.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	peers, err := discovery.Browse(ctx)
	if err != nil {
		return err
	}
	for _, p := range peers {
		log.Info(ctx, "node found",
			logging.String("instance", p.Instance),
			logging.String("host", p.Hostname),
			logging.Int("port", p.Port),
			logging.Any("txt", p.TXT),
		)
	}
	log.Info(ctx, "browse complete", logging.Int("nodes", len(peers)))
	return nil
}
