package main

import (
	"fmt"

	"github.com/loykin/fleetdispatch/internal/config"
	"github.com/spf13/cobra"
)

func createConfigCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Configuration helpers"}

	flags := &ConfigInitFlags{}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.WriteDefault(flags.Path, flags.Force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", flags.Path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&flags.Path, "path", "fleetdispatch.toml", "output file")
	initCmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing file")

	check := &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if len(args) == 1 {
				path = args[0]
			}
			c, err := config.Load(path)
			if err != nil {
				return err
			}
			b, err := config.Encode(*c)
			if err != nil {
				return err
			}
			_, _ = cmd.OutOrStdout().Write(b)
			return nil
		},
	}

	cmd.AddCommand(initCmd, check)
	return cmd
}
