// ============================================================================
// fleetwork CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands to run a node and operate a running cluster
//
// Command Structure:
//   fleetwork                      # Root command
//   ├── run                        # Start a node
//   ├── task <job> <name> [args]   # Run a task on the process of a job
//   │   └── --timeout              # Reply deadline
//   ├── metrics                    # Gather process metrics cluster-wide
//   ├── kill <job>                 # Fail a job and kill its process
//   ├── status                     # Show node status
//   ├── --config, -c               # Config file (run)
//   └── --addr                     # Admin server address (other commands)
//
// run Command:
//   1. Load config file
//   2. Create the node and start metrics/admin servers when enabled
//   3. Start the node (job delivery + election)
//   4. Wait for SIGINT/SIGTERM
//   5. Run shutdown hooks and stop the node
//
//   Examples:
//     ./fleetwork run -c configs/fleetwork.yaml
//     ./fleetwork task ingest-eu flush '{"force":true}' --addr node1:50051
//
// Admin commands talk to the gRPC admin server of any node; metrics must be
// sent to the leader.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/fleetwork/internal/config"
	"github.com/ChuLiYu/fleetwork/internal/metrics"
	"github.com/ChuLiYu/fleetwork/internal/node"
	"github.com/ChuLiYu/fleetwork/internal/server"
	"github.com/ChuLiYu/fleetwork/pkg/types"
)

const defaultAddr = "localhost:50051"

var (
	configFile string
	adminAddr  string
)

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetwork",
		Short: "fleetwork: leader-elected worker process fleet",
		Long: `fleetwork keeps a set of desired tasks running as worker processes
across a cluster of nodes:
- one leader, elected over a distributed lock
- a shared job queue reconciled against the desired tasks
- worker processes supervised over framed IPC`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/fleetwork.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "addr", defaultAddr, "admin server address")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildTaskCommand())
	rootCmd.AddCommand(buildMetricsCommand())
	rootCmd.AddCommand(buildKillCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a fleetwork node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, configFile, os.Stderr)
		},
	}
}

// runNode runs a node until ctx ends.
func runNode(ctx context.Context, path string, logOut io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := cfg.NewLogger(logOut)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	n, err := node.New(cfg, node.WithLogger(logger), node.WithMetrics(collector))
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			logger.Info("Starting metrics server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", "error", err)
			}
		}()
		n.Hooks().Register("metrics-server", srv.Shutdown)
	}

	if cfg.Server.Enabled {
		admin := server.New(n, server.WithLogger(logger))
		if _, err := admin.Listen(cfg.Server.Addr); err != nil {
			n.Stop(context.Background())
			return err
		}
		n.Hooks().Register("admin-server", admin.Stop)
	}

	if err := n.Start(ctx); err != nil {
		n.Stop(context.Background())
		return fmt.Errorf("failed to start node: %w", err)
	}
	logger.Info("System started successfully", "node", n.ID())

	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping gracefully")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	hookErr := n.Hooks().Run(sctx)
	stopErr := n.Stop(sctx)
	logger.Info("System stopped")
	return errors.Join(hookErr, stopErr)
}

func buildTaskCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "task <job-id> <task-name> [args-json]",
		Short: "Run a task on the worker process of a job",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var taskArgs json.RawMessage
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("task args must be JSON")
				}
				taskArgs = json.RawMessage(args[2])
			}
			return withClient(cmd, timeout+5*time.Second, func(ctx context.Context, c *server.Client) error {
				res, err := c.RunTask(ctx, types.JobID(args[0]), args[1], taskArgs, timeout)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "task reply deadline")
	return cmd
}

func buildMetricsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Gather process metrics from every node (leader only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, 30*time.Second, func(ctx context.Context, c *server.Client) error {
				m, err := c.GatherMetrics(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), m)
			})
		},
	}
}

func buildKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <job-id>",
		Short: "Fail a job and kill its worker process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, 10*time.Second, func(ctx context.Context, c *server.Client) error {
				if err := c.KillJob(ctx, types.JobID(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s killed\n", args[0])
				return nil
			})
		},
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, 10*time.Second, func(ctx context.Context, c *server.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func withClient(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, c *server.Client) error) error {
	c, err := server.Dial(adminAddr)
	if err != nil {
		return err
	}
	defer c.Close()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return fn(ctx, c)
}

func printJSON(w io.Writer, v interface{}) error {
	if raw, ok := v.(json.RawMessage); ok {
		var pretty interface{}
		if err := json.Unmarshal(raw, &pretty); err == nil {
			v = pretty
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
