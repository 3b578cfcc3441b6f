package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"arvcare/internal/app"
	"arvcare/internal/reminder"
)

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:           "arvcare",
		Short:         "ARV clinic reminder service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")

	rootCmd.AddCommand(serveCmd(&cfgPath))
	rootCmd.AddCommand(runOnceCmd(&cfgPath))
	rootCmd.AddCommand(migrateCmd(&cfgPath))
	rootCmd.AddCommand(seedDemoCmd(&cfgPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reminder workers until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := app.NewApp(ctx, *cfgPath)
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			if err := a.Start(ctx); err != nil {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				_ = a.Stop(sctx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			var reason app.StopReason
			select {
			case sig := <-sigs:
				reason = app.StopSIGTERM
				if sig == os.Interrupt {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			}
			fatal := a.Err()

			sctx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer scancel()
			if err := a.Stop(sctx, reason); err != nil {
				return err
			}
			return fatal
		},
	}
}

func runOnceCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "run-once <" + reminder.AlarmWorkerName + "|" + reminder.OrchestratorWorkerName + ">",
		Short:     "Run a single tick of one worker and exit",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{reminder.AlarmWorkerName, reminder.OrchestratorWorkerName},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.RunOnce(ctx, args[0])
		},
	}
}

func migrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// NewApp migrates the schema on open.
			a, err := app.NewApp(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			a.Logger().Info("migrations applied")
			return a.Close()
		},
	}
}

func seedDemoCmd(cfgPath *string) *cobra.Command {
	var chatID int64
	cmd := &cobra.Command{
		Use:   "seed-demo",
		Short: "Insert a demo patient that triggers every reminder kind",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.NewApp(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			sum, err := a.SeedDemo(cmd.Context(), chatID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "patient=%d regimen=%d appointments=%v alarm=%d\n",
				sum.PatientID, sum.RegimenID, sum.AppointmentIDs, sum.AlarmID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat-id", 0, "telegram chat id of the demo patient")
	return cmd
}
