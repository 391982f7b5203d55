package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yuuki/ibvsock/internal/rdma"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <host:port>",
		Short: "Connect to a target and run one liveness check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			v, closeVerbs, err := openVerbs(cfg, args)
			if err != nil {
				return err
			}
			defer closeVerbs()

			dialer := newDialer(v, cfg)
			conn, err := dialer.Dial(args[0])
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.CheckConnection(); err != nil {
				return fmt.Errorf("liveness check failed: %w", err)
			}
			log.Debug().Str("conn", conn.String()).Msg("Liveness check passed")
			fmt.Fprintf(cmd.OutOrStdout(), "%s: connection alive (%d stale retries)\n", args[0], conn.StaleRetries())
			return nil
		},
	}
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List RDMA devices and their addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(cmd); err != nil {
				return err
			}
			devices, err := rdma.ListDevices()
			if err != nil {
				return fmt.Errorf("failed to list RDMA devices: %w", err)
			}
			for _, d := range devices {
				fmt.Fprintln(cmd.OutOrStdout(), d.String())
			}
			return nil
		},
	}
}
