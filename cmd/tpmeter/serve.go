package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/irctrakz/tpmeter/pkg/config"
	"github.com/irctrakz/tpmeter/pkg/control"
	"github.com/irctrakz/tpmeter/pkg/link"
	"github.com/irctrakz/tpmeter/pkg/logging"
	"github.com/irctrakz/tpmeter/pkg/metrics"
	"github.com/irctrakz/tpmeter/pkg/tp"
	"github.com/spf13/cobra"
)

var checkDuration time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a mesh node answering and starting throughput tests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logging.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().DurationVar(&checkDuration, "check", 0, "run a test of this length against every neighbor at startup")
}

// loadConfig builds the node configuration from defaults, the optional
// configuration file and the environment.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		if err := config.LoadFromFile(configPath, cfg); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	var history *control.History
	if cfg.History.Path != "" {
		h, err := control.OpenHistory(cfg.History.Path)
		if err != nil {
			return err
		}
		defer h.Close()
		history = h
	}

	// the hub only records when a history is configured
	var recorder control.Recorder
	if history != nil {
		recorder = history
	}
	hub := control.NewHub(recorder)

	udp, err := link.NewUDPLink(cfg.LinkConfig())
	if err != nil {
		return err
	}
	meter, err := tp.New(cfg.MeterConfig(), udp, udp, hub)
	if err != nil {
		return err
	}
	hub.SetMeter(meter)

	dispatcher := link.NewDispatcher(meter, cfg.Link.Workers, cfg.Link.QueueCap)
	if err := dispatcher.Start(); err != nil {
		return err
	}
	defer dispatcher.Stop()

	udp.SetPacketProcessor(dispatcher)
	if err := udp.Start(); err != nil {
		return err
	}
	defer udp.Stop()
	defer meter.Close()

	collector := metrics.NewCollector(meter, udp, dispatcher)
	registry := metrics.NewRegistry(collector)

	errc := make(chan error, 1)
	if cfg.API.ListenAddr != "" {
		server := control.NewServer(hub, history, metrics.Handler(registry))
		go func() { errc <- server.ListenAndServe(ctx, cfg.API.ListenAddr) }()
	}

	if cfg.Metrics.Interval > 0 {
		r := newMetricsReporter(meter, udp, dispatcher, cfg.Metrics.Format)
		go r.run(ctx, time.Duration(cfg.Metrics.Interval)*time.Second)
	}

	if checkDuration > 0 {
		go runNeighborCheck(ctx, hub, udp, checkDuration)
	}

	local, _ := udp.LocalAddr()
	logging.Infof("Node %s ready", local)

	select {
	case <-ctx.Done():
		logging.Infof("Shutting down")
		return nil
	case err := <-errc:
		if err != nil {
			logging.Errorf("Control API failed: %v", err)
			return err
		}
		<-ctx.Done()
		return nil
	}
}
