package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/JRGInc/Water-Meter-Imager/internal/modem"
)

type loader func() (*app, error)

func outcomeError(what string, out modem.Outcome) error {
	if out.OK() {
		return nil
	}
	if out.SerialError {
		return fmt.Errorf("%s failed: serial link error", what)
	}
	return fmt.Errorf("%s failed: modem or server error", what)
}

func transmitCommand(load loader) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "transmit FILE",
		Short: "Send one file with retry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			path := args[0]
			name := remote
			if name == "" {
				name = a.hostname + "_" + filepath.Base(path)
			}
			out := a.uplink.Transmit(cmd.Context(), path, name)
			return outcomeError("transmit "+path, out)
		},
	}
	cmd.Flags().StringVar(&remote, "remote-name", "", "name on the server (default <hostname>_<basename>)")
	return cmd
}

func batchCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "batch",
		Short: "Collect logs and drain the transmit directory once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			rep, err := a.batch.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d of %d file(s) in %s\n",
				rep.Sent(), len(rep.Files), rep.Elapsed.Round(time.Millisecond))
			if rep.Aborted {
				return fmt.Errorf("batch aborted: serial link error")
			}
			return nil
		},
	}
}

func signalCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "signal",
		Short: "Print the received signal strength",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			sig, out := a.modem.Signal(cmd.Context())
			if err := outcomeError("signal query", out); err != nil {
				return err
			}
			if !sig.Known() {
				fmt.Fprintf(cmd.OutOrStdout(), "rssi unknown (99), ber %d\n", sig.BER)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rssi %d (%d dBm), ber %d\n", sig.RSSI, sig.DBm(), sig.BER)
			return nil
		},
	}
}

func netTimeCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "nettime",
		Short: "Print the network time reported by the modem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			t, out := a.modem.NetworkTime(cmd.Context())
			if err := outcomeError("clock query", out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
			return nil
		},
	}
}

func controlCommand(load loader, use, short string, build func(hostname string) modem.Request) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			out := a.uplink.Request(cmd.Context(), build(a.hostname))
			return outcomeError(use, out)
		},
	}
}
