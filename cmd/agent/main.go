package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tphummel/node_heartbeat/internal/apiclient"
	"github.com/tphummel/node_heartbeat/internal/zpool"
)

// version and commit are injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

type agentOptions struct {
	server   string
	token    string
	nodeName string
	pool     string
	zpoolBin string
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	opts := &agentOptions{}

	hostname, _ := os.Hostname()

	root := &cobra.Command{
		Use:           "node-heartbeat-agent",
		Short:         "Reports this node's zpool capacity to a node_heartbeat server",
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("HEARTBEAT_SERVER", "http://localhost:6000"), "registrar base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("API_TOKEN"), "bearer token for the read API")
	flags.StringVar(&opts.nodeName, "node-name", envOr("NODE_NAME", hostname), "node identity to report")
	flags.StringVar(&opts.pool, "zpool", os.Getenv("ZPOOL_NAME"), "pool to report")
	flags.StringVar(&opts.zpoolBin, "zpool-bin", "zpool", "path to the zpool binary")

	newReporter := func() (*reporter, error) {
		if opts.pool == "" {
			return nil, errFlagRequired("zpool")
		}
		if opts.nodeName == "" {
			return nil, errFlagRequired("node-name")
		}
		return &reporter{
			sender:   apiclient.NewClient(opts.server, opts.token),
			probe:    &zpool.Probe{Binary: opts.zpoolBin},
			nodeName: opts.nodeName,
			pool:     opts.pool,
			logger:   logger,
		}, nil
	}

	root.AddCommand(newReportCmd(newReporter), newRunCmd(newReporter))
	return root
}

func newReportCmd(newReporter func() (*reporter, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Send one heartbeat and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newReporter()
			if err != nil {
				return err
			}
			return r.reportOnce(cmd.Context())
		},
	}
}

func newRunCmd(newReporter func() (*reporter, error)) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Send heartbeats on an interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newReporter()
			if err != nil {
				return err
			}
			return r.run(cmd.Context(), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "time between heartbeats")
	return cmd
}

type errFlagRequired string

func (e errFlagRequired) Error() string {
	return "--" + string(e) + " is required"
}

func main() {
	// A missing .env file is fine; the environment and flags still apply.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		logger.Error("agent failed", "error", err)
		os.Exit(1)
	}
}
