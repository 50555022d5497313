package main

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/isle-portal/isle-sync/internal/jobs"
)

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask a running serve to re-read its configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			pidPath := filepath.Join(cc.Cfg.LockDir(), servePIDFile)

			pid, err := sendSIGHUP(pidPath)
			if err != nil {
				return err
			}

			cc.Statusf("Sent reload signal to serve (PID %d)\n", pid)

			return nil
		},
	}
}

// sendSIGHUP signals the serve process holding the lock at pidPath. A PID
// file left behind by a dead process is not a running serve.
func sendSIGHUP(pidPath string) (int, error) {
	pid, held := jobs.LockHolder(pidPath)
	if !held {
		return 0, fmt.Errorf("no running serve found (no lock held at %s)", pidPath)
	}

	if pid <= 0 {
		return 0, fmt.Errorf("serve lock %s holds no valid PID", pidPath)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return 0, fmt.Errorf("sending SIGHUP to serve (PID %d): %w", pid, err)
	}

	return pid, nil
}
