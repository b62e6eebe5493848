package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

type rootOptions struct {
	ConfigPath string
	Simulate   bool
	SimState   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "astrorelay",
		Short:         "Keeps a relay's device schedule in step with the local twilight times",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (yaml, json or json5)")
	cmd.PersistentFlags().BoolVar(&opts.Simulate, "simulate", false, "talk to an in-process emulated device instead of real hardware")
	cmd.PersistentFlags().StringVar(&opts.SimState, "sim-state", "", "state file for the emulated device")

	cmd.AddCommand(
		newRunCommand(opts),
		newReconcileCommand(opts),
		newGuardCommand(opts),
		newStatusCommand(opts),
		newCleanupCommand(opts),
		newConfigCommand(opts),
	)
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the controller until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.daemon.Run(ctx)
		},
	}
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation and wait for the device to apply it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			outcome, err := a.engine.Reconcile(ctx)
			if drainErr := a.jobs.Drain(ctx); err == nil {
				err = drainErr
			}
			fmt.Fprintln(cmd.OutOrStdout(), outcome)
			return err
		},
	}
}

func newGuardCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "guard",
		Short: "Run the daily consistency check",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.engine.Guard(ctx)
			if drainErr := a.jobs.Drain(ctx); err == nil {
				err = drainErr
			}
			if res.Forced {
				fmt.Fprintf(cmd.OutOrStdout(), "forced %s: %s\n", res.Outcome, res.Reason)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
			}
			return err
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List the device jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			lines, err := a.engine.Status(ctx)
			if err != nil {
				return err
			}
			if len(lines) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func newCleanupCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete every job this controller owns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			deleted, err := a.engine.Cleanup(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d jobs\n", deleted)
			return err
		},
	}
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "astrorelay:", err)
		os.Exit(1)
	}
}
