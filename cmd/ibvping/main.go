package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yuuki/ibvsock/internal/config"
	"github.com/yuuki/ibvsock/internal/rdma"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ibvping",
		Short:         "Ping and check peers over RDMA stream connections",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to configuration file")
	config.SetupClientFlags(root.PersistentFlags())

	root.AddCommand(newPingCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newDevicesCmd())
	root.AddCommand(newConfigCmd())
	return root
}

// loadConfig reads the configuration for a subcommand and sets up logging.
func loadConfig(cmd *cobra.Command) (*config.ClientConfig, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadClientConfig(configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}
	initLogging(cfg.LogLevel, cmd.ErrOrStderr())
	return cfg, nil
}

func initLogging(level string, out io.Writer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: zerolog.SyncWriter(out)})
}

// openVerbs returns the RDMA provider. With simulate set every target is
// served by an echo peer on an in-process fabric.
func openVerbs(cfg *config.ClientConfig, targets []string) (rdma.Verbs, func(), error) {
	if cfg.Simulate {
		f := rdma.NewSimFabric()
		for _, target := range targets {
			f.Serve(target, rdma.SimEchoPeer(cfg.CommConfig(), cfg.Tunables()))
		}
		log.Info().Strs("targets", targets).Msg("Using simulated fabric")
		return f, f.Close, nil
	}

	v, err := rdma.OpenVerbs()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open RDMA device (use --simulate without hardware): %w", err)
	}
	closeFn := func() {}
	if c, ok := v.(io.Closer); ok {
		closeFn = func() {
			if err := c.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close RDMA device")
			}
		}
	}
	return v, closeFn, nil
}

func newDialer(v rdma.Verbs, cfg *config.ClientConfig) rdma.Dialer {
	return rdma.Dialer{
		Verbs:         v,
		Config:        cfg.CommConfig(),
		Tunables:      cfg.Tunables(),
		TypeOfService: cfg.TypeOfService,
	}
}
