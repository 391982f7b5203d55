package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yuuki/ibvsock/internal/config"
	"github.com/yuuki/ibvsock/internal/probe"
	"github.com/yuuki/ibvsock/internal/telemetry"
)

const metricsShutdownTimeout = 5 * time.Second

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping <host:port>...",
		Short: "Send paced echo probes to each target and report round-trip times",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPing(ctx, cmd, cfg, args)
		},
	}
}

func runPing(ctx context.Context, cmd *cobra.Command, cfg *config.ClientConfig, targets []string) error {
	v, closeVerbs, err := openVerbs(cfg, targets)
	if err != nil {
		return err
	}
	defer closeVerbs()

	var recorder probe.Recorder
	if cfg.OtelCollectorAddr != "" {
		metrics, err := telemetry.NewMetrics(ctx, config.GetSystemHostname(), cfg.OtelCollectorAddr)
		if err != nil {
			return fmt.Errorf("failed to set up metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			if err := metrics.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush metrics")
			}
		}()
		recorder = metrics
	}

	prober := probe.NewProber(&probe.RDMADialer{Dialer: newDialer(v, cfg)}, recorder, probe.Options{
		Count:       cfg.ProbeCount,
		Interval:    time.Duration(cfg.ProbeIntervalMS) * time.Millisecond,
		PayloadSize: cfg.PayloadSize,
	})

	results, err := prober.Run(ctx, targets)
	out := cmd.OutOrStdout()
	for _, res := range results {
		if res == nil {
			continue
		}
		fmt.Fprintf(out, "%s: %d sent, %d received, %.1f%% loss, %d timeouts, %d stale retries",
			res.Target, res.Sent, res.Received, res.Loss()*100, res.Timeouts, res.StaleRetries)
		if res.Received > 0 {
			fmt.Fprintf(out, ", rtt min/avg/max = %s/%s/%s", res.Min, res.Avg, res.Max)
		}
		fmt.Fprintln(out)
	}
	return err
}
