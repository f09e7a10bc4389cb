package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/goliatone/go-stkpush/adapters/gocommand"
	"github.com/goliatone/go-stkpush/core"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	envFile string
	debug   bool
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "stkpushd",
		Short:         "M-Pesa STK Push payment service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	root.AddCommand(serveCommand(flags))
	root.AddCommand(migrateCommand(flags))
	root.AddCommand(testConnectionCommand(flags))
	root.AddCommand(sweepCommand(flags))
	return root
}

func serveCommand(flags *rootFlags) *cobra.Command {
	var addr string
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the payment HTTP API and run the background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := bootstrap(ctx, bootstrapOptions{
				envFile:  flags.envFile,
				debug:    flags.debug,
				database: true,
				migrate:  !skipMigrate,
				events:   true,
				jobs:     true,
			})
			if err != nil {
				return err
			}
			defer app.Close()

			server, err := app.runtime.HTTPServer()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = app.config.HTTP.Addr
			}

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = app.runWorkers(ctx)
			}()
			serveErr := server.Run(ctx, addr)
			stop()
			wg.Wait()
			return serveErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, defaults to HTTP_ADDR")
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply database migrations on start")
	return cmd
}

func migrateCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the payment schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Context(), flags.envFile)
			if err != nil {
				return err
			}
			logger := newConsoleLogger(flags.debug)
			client, dialect, err := openPersistence(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			if err := migrate(cmd.Context(), client, dialect); err != nil {
				return err
			}
			logger.Info("payments schema migrated", "driver", dialect)
			return nil
		},
	}
}

func testConnectionCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection",
		Short: "Check credentials and fetch a provider access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := bootstrap(cmd.Context(), bootstrapOptions{envFile: flags.envFile, debug: flags.debug})
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := gocommand.TestConnection(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if !report.Configured || !report.TokenOK {
				return fmt.Errorf("connection check failed")
			}
			return nil
		},
	}
}

func sweepCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Resolve stale pending transactions once and drain the event outbox",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := bootstrap(cmd.Context(), bootstrapOptions{
				envFile:  flags.envFile,
				debug:    flags.debug,
				database: true,
				events:   true,
			})
			if err != nil {
				return err
			}
			defer app.Close()
			return runSweep(cmd, app)
		},
	}
}

type sweepOutput struct {
	Sweep    core.SweepStats     `json:"sweep"`
	Dispatch *core.DispatchStats `json:"dispatch,omitempty"`
}

func runSweep(cmd *cobra.Command, app *application) error {
	ctx := cmd.Context()
	stats, sweepErr := gocommand.SweepPending(ctx)
	out := sweepOutput{Sweep: stats}
	if app.runtime.Dispatcher != nil {
		dispatched, err := app.runtime.Dispatcher.DispatchPending(ctx, app.config.Outbox.BatchSize)
		out.Dispatch = &dispatched
		if err != nil && sweepErr == nil {
			sweepErr = err
		}
	}
	if err := printJSON(cmd, out); err != nil {
		return err
	}
	return sweepErr
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
