package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
)

// ============================================================================
// keftrol-ctl - command-line client for the keftrol daemon
// ============================================================================
// Commands that change state go over the IPC socket and print the snapshot the
// daemon replied with. The daemon answers once the request is queued, so the
// printed state may not include it yet; use `watch` to follow it.
// ============================================================================

const version = "0.3.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		socketPath string
		wsURL      string
	)

	root := &cobra.Command{
		Use:           "keftrol-ctl",
		Short:         "Control a KEF speaker through the keftrol daemon",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/tmp/keftrol.sock", "daemon IPC socket path")
	root.PersistentFlags().StringVar(&wsURL, "ws-url", "ws://127.0.0.1:3002/state", "daemon state websocket URL")

	// send runs one IPC request and prints the resulting snapshot.
	send := func(cmd *cobra.Command, req envelope) error {
		s, err := sendRequest(socketPath, req)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), renderState(s))
		return nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show the daemon's current view of the speaker",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, envelope{Type: "get_state"})
			},
		},
		&cobra.Command{
			Use:       "source <wifi|bluetooth|tv|optical|usb>",
			Short:     "Select the speaker input",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"wifi", "bluetooth", "tv", "optical", "usb"},
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, envelope{Type: "set_source", Data: map[string]string{"source": args[0]}})
			},
		},
		&cobra.Command{
			Use:   "volume <0-100>",
			Short: "Set the absolute volume",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid volume %q: %w", args[0], err)
				}
				return send(cmd, envelope{Type: "set_volume", Data: map[string]int{"volume": v}})
			},
		},
		&cobra.Command{
			Use:   "step <n>",
			Short: "Nudge the volume by n key steps (negative lowers it)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid step %q: %w", args[0], err)
				}
				return send(cmd, envelope{Type: "volume_step", Data: map[string]int{"steps": n}})
			},
		},
		&cobra.Command{
			Use:   "mute",
			Short: "Mute the speaker",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, envelope{Type: "set_mute", Data: map[string]bool{"muted": true}})
			},
		},
		&cobra.Command{
			Use:   "unmute",
			Short: "Unmute the speaker",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, envelope{Type: "set_mute", Data: map[string]bool{"muted": false}})
			},
		},
		&cobra.Command{
			Use:   "toggle-mute",
			Short: "Toggle mute",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, envelope{Type: "toggle_mute"})
			},
		},
		&cobra.Command{
			Use:   "refresh",
			Short: "Ask the daemon to re-read the speaker state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, envelope{Type: "refresh"})
			},
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Stream state changes from the state websocket",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return watch(ctx, wsURL, cmd.OutOrStdout())
			},
		},
	)

	return root
}
