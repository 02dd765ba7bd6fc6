package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiroq/osmolapse/internal/config"
	"github.com/tiroq/osmolapse/internal/control"
	"github.com/tiroq/osmolapse/internal/ipc"
	"github.com/tiroq/osmolapse/internal/pidfile"
)

func newCtlCommand(opts *options) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "ctl <start|stop|toggle|status|quit>",
		Short: "Control a running daemon through its state directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cfg.StateDir == "" {
				cfg.StateDir = config.DefaultStateDir()
			}

			c, ok := ipc.ParseCommand(args[0])
			if !ok || c == ipc.CmdHelp {
				return fmt.Errorf("unknown command %q", args[0])
			}

			pid, err := pidfile.ReadPID(pidfile.Path(cfg.StateDir))
			if err != nil || !pidfile.Running(pid) {
				return errors.New("osmolapse daemon is not running")
			}

			if c == ipc.CmdStatus {
				return printStatus(cfg.StateDir)
			}

			if err := ipc.WriteCommand(cfg.StateDir, c); err != nil {
				return fmt.Errorf("write command: %w", err)
			}
			fmt.Printf("sent %s to pid %d\n", c, pid)

			if wait > 0 && c != ipc.CmdQuit {
				time.Sleep(wait)
				return printStatus(cfg.StateDir)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 1500*time.Millisecond, "wait this long and print the status after sending (0 disables)")
	return cmd
}

func printStatus(stateDir string) error {
	st, err := ipc.ReadStatus(stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.New("no status written yet")
		}
		return fmt.Errorf("read status: %w", err)
	}
	fmt.Println(control.RenderStatus(st))
	if age := time.Since(st.Timestamp); age > 10*time.Second {
		fmt.Printf("(status is %s old)\n", age.Round(time.Second))
	}
	return nil
}
