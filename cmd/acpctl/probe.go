package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/shsh-acp/internal/acp"
)

func probeCmd(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect, wait for the agent to become ready, and print the session snapshot",
		Long: `probe exits 0 once the session reaches ready and non-zero if it lands in
error or the timeout passes first. The final snapshot is printed as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			done := make(chan acp.Snapshot, 1)
			s.OnStateChange(func(snap acp.Snapshot) {
				if snap.State == acp.StateReady || snap.State == acp.StateError {
					select {
					case done <- snap:
					default:
					}
				}
			})
			if err := s.Connect(); err != nil {
				return err
			}

			var snap acp.Snapshot
			select {
			case snap = <-done:
			case <-time.After(timeout):
				snap = s.Snapshot()
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(snap); err != nil {
				return err
			}
			if snap.State != acp.StateReady {
				if snap.LastError != nil {
					return fmt.Errorf("session %s: %s", snap.State, snap.LastError.Code)
				}
				return fmt.Errorf("session not ready after %s (state %s)", timeout, snap.State)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "how long to wait for ready")
	return cmd
}
