package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/yuuki/ibvsock/internal/config"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the client configuration file",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration to path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultClientConfig(args[0]); err != nil {
				return fmt.Errorf("error creating default config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created default configuration at %s\n", args[0])
			return nil
		},
	})
	return configCmd
}
