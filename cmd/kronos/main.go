package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"kronos/internal/app"
	"kronos/internal/config"
	"kronos/internal/loader"
	logx "kronos/pkg/logx"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "kronos",
		Short:         "Multi-tenant workflow scheduler",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (json or yaml)")
	root.AddCommand(serveCmd(&cfgPath), validateCmd(&cfgPath))
	return root
}

func serveCmd(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, *cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
				defer c()
				return errors.Join(err, a.Stop(stopCtx, app.StopFatalError))
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
			defer c()
			return errors.Join(a.Err(), a.Stop(stopCtx, reason))
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	return cmd
}

// validateCmd checks a definitions file offline: schema, graphs and
// schedules. Without an argument it uses definitions.path from the config.
func validateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [definitions.yaml]",
		Short: "Check a config and definitions file without starting",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(*cfgPath, logx.Nop()).Parse()
			if err != nil {
				return err
			}
			path := cfg.Definitions.Path
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "config ok; no definitions file given")
				return nil
			}
			f, err := loader.ReadFile(path)
			if err != nil {
				return err
			}
			loc := time.UTC
			if cfg.Scheduler.Timezone != "" {
				if loc, err = time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
					return err
				}
			}
			if err := f.Check(loc, time.Now()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok: %d namespaces, %d task definitions, %d workflows\n",
				path, len(f.Namespaces), len(f.TaskDefinitions), len(f.Workflows))
			return nil
		},
	}
}
