package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tiroq/osmolapse/internal/config"
	"github.com/tiroq/osmolapse/internal/diaglog"
)

func newDiagCommand(opts *options) *cobra.Command {
	diag := &cobra.Command{
		Use:   "diag",
		Short: "Diagnostic trace tools",
	}

	var dest string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the diagnostic trace as a shareable bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cfg.StateDir == "" {
				cfg.StateDir = config.DefaultStateDir()
			}
			logPath := cfg.DiagPath
			if logPath == "" {
				logPath = config.DefaultDiagPath(cfg.StateDir)
			}

			path, n, err := diaglog.Export(logPath, dest)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("%w (run with --diag or OSMOLAPSE_DEBUG_EVENTS=true to record a trace)", err)
				}
				return err
			}
			fmt.Printf("Wrote: %s (%d lines)\n", path, n)
			return nil
		},
	}
	export.Flags().StringVar(&dest, "out", ".", "directory to write the bundle to")

	diag.AddCommand(export)
	return diag
}
