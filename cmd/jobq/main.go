// Command jobq runs a single-process worker against one of jobq's
// storage drivers, selected by the pinned --driver flag.
//
// Exit codes: 0 on a clean shutdown, 1 on a configuration error, 2 on a
// fatal runtime error.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vkryukov/jobq/config"

	_ "github.com/vkryukov/jobq/drivers/broker"
	_ "github.com/vkryukov/jobq/drivers/file"
	_ "github.com/vkryukov/jobq/drivers/memory"
)

var configFile string

func main() {
	os.Exit(run())
}

func run() int {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cmd := newRootCmd(log)
	if err := cmd.Execute(); err != nil {
		if _, ok := err.(*configError); ok {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return 0
}

// configError marks an error as a configuration problem, distinguishing
// exit code 1 from the fatal-runtime-error exit code 2.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func newRootCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobq",
		Short: "Run a jobq worker against a storage driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), configFile)
			if err != nil {
				return &configError{err}
			}
			if err := cfg.Validate(); err != nil {
				return &configError{err}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runWorker(ctx, cfg, log)
		},
	}

	cmd.Flags().String("driver", "memory", "storage driver: db, file, memory or broker")
	cmd.Flags().Duration("timeout", 0, "poll timeout as a duration with a unit, e.g. 30s (0 uses the built-in default)")
	cmd.Flags().Bool("isolate", false, "dispatch jobs to an isolated subprocess instead of an in-process handler")
	cmd.Flags().Bool("no-repeat", false, "perform a single reserve-and-dispatch attempt, then exit")
	cmd.Flags().String("queue-url", "", "driver connection string (DSN, directory, or host:port)")
	cmd.Flags().Int("max-jobs", 0, "stop after completing this many jobs instead of running until signaled (0 disables)")
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file")

	return cmd
}
