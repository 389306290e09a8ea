package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pewfeed/internal/app"
	"pewfeed/internal/config"
	"pewfeed/internal/eventbus"
	"pewfeed/internal/projects"
	logx "pewfeed/pkg/logx"
)

const shutdownTimeout = 20 * time.Second

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "pewfeed",
	Short:         "Forward new posts from watched accounts to subscriber chats",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start monitors and the forwarding pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "pewfeed version %s\n", version)

		a, err := app.NewApp(cfgPath)
		if err != nil {
			return err
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		stop := func(reason app.StopReason) {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			_ = a.Stop(sctx, reason)
		}

		if err := a.Start(ctx); err != nil {
			stop(app.StopFatalError)
			return fmt.Errorf("start: %w", err)
		}

		select {
		case sig := <-sigs:
			reason := app.StopSIGTERM
			if sig == os.Interrupt {
				reason = app.StopSIGINT
			}
			stop(reason)
			return nil
		case <-a.Done():
			err := a.Err()
			stop(app.StopFatalError)
			if err == nil {
				err = errors.New("stopped unexpectedly")
			}
			return err
		}
	},
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and the project document without starting",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}
		ps, err := projects.Open(cfg.Projects.Path, eventbus.New(), logx.Nop())
		if err != nil {
			return err
		}
		subs, err := ps.ListActiveSubscriptions(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config ok: %s\nprojects ok: %s (%d subscriptions)\n", cfgPath, ps.Path(), len(subs))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}
