// Command mcpanelctl is the operator CLI for the mcpanel daemon and the
// machines API it provisions through.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devghori1264/mcpanel/internal/api"
	"github.com/devghori1264/mcpanel/internal/cloud"
	"github.com/devghori1264/mcpanel/internal/logger"
	"github.com/devghori1264/mcpanel/internal/models"
	natsclient "github.com/devghori1264/mcpanel/internal/nats"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globals struct {
	addr     string
	natsURL  string
	cloudURL string
	token    string
	timeout  time.Duration
	verbose  bool
	log      *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "mcpanelctl",
		Short:         "Control a mcpanel daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			level := "warn"
			if g.verbose {
				level = "debug"
			}
			log, err := logger.New(level, "console")
			if err != nil {
				return err
			}
			g.log = log
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.addr, "addr", envOr("MCPANEL_ADDR", "localhost:50051"), "mcpanel gRPC address")
	pf.StringVar(&g.natsURL, "nats", envOr("MCPANEL_NATS_URL", "nats://localhost:4222"), "NATS server URL for watch")
	pf.DurationVar(&g.timeout, "timeout", 30*time.Second, "per-request timeout")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	for _, op := range []struct {
		use, short string
		call       func(context.Context, *api.Client) (any, error)
	}{
		{"ping", "Check the daemon answers", func(ctx context.Context, c *api.Client) (any, error) { return c.Ping(ctx) }},
		{"status", "Show the lifecycle record", func(ctx context.Context, c *api.Client) (any, error) { return c.Status(ctx) }},
		{"start", "Request a server start", func(ctx context.Context, c *api.Client) (any, error) { return c.Start(ctx) }},
		{"stop", "Request a server stop", func(ctx context.Context, c *api.Client) (any, error) { return c.Stop(ctx) }},
		{"reconcile", "Re-derive the phase from the cloud and the VM", func(ctx context.Context, c *api.Client) (any, error) { return c.Reconcile(ctx) }},
		{"health", "Query the gRPC health service", func(ctx context.Context, c *api.Client) (any, error) {
			st, err := c.Health(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]string{"status": st.String()}, nil
		}},
	} {
		op := op
		root.AddCommand(&cobra.Command{
			Use:   op.use,
			Short: op.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return g.withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
					out, err := op.call(ctx, c)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), out)
				})
			},
		})
	}

	root.AddCommand(newWatchCmd(g), newCloudCmd(g))
	return root
}

func (g *globals) withClient(ctx context.Context, fn func(context.Context, *api.Client) error) error {
	c, err := api.Dial(g.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", g.addr, err)
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	g.log.Debug("calling mcpanel", zap.String("addr", g.addr))
	return fn(ctx, c)
}

func newWatchCmd(g *globals) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream lifecycle events from NATS until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, err := natsclient.NewPublisher(g.natsURL, "mcpanelctl", g.log)
			if err != nil {
				return fmt.Errorf("connect %s: %w", g.natsURL, err)
			}
			defer pub.Close()
			out := cmd.OutOrStdout()
			return pub.Watch(cmd.Context(), server, func(ev models.LifecycleEvent) {
				if err := printJSON(out, ev); err != nil {
					g.log.Warn("print event", zap.Error(err))
				}
			})
		},
	}
	cmd.Flags().StringVar(&server, "server", "*", "server id to watch")
	return cmd
}

func newCloudCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cloud",
		Short: "Inspect the machines API directly",
	}
	cmd.PersistentFlags().StringVar(&g.cloudURL, "cloud-url", envOr("MCPANEL_CLOUD_BASE_URL", "http://localhost:8080"), "machines API base URL")
	cmd.PersistentFlags().StringVar(&g.token, "token", os.Getenv("MCPANEL_CLOUD_API_TOKEN"), "machines API token")

	run := func(fn func(ctx context.Context, c *cloud.Client, args []string) (any, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c := cloud.New(g.cloudURL, g.token, cloud.WithLogger(g.log))
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			out, err := fn(ctx, c, args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ping",
			Short: "Check the machines API answers",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, c *cloud.Client, _ []string) (any, error) {
				if err := c.Ping(ctx); err != nil {
					return nil, err
				}
				return map[string]string{"msg": "pong"}, nil
			}),
		},
		&cobra.Command{
			Use:   "get ID",
			Short: "Describe a machine",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(ctx context.Context, c *cloud.Client, args []string) (any, error) {
				return c.DescribeInstance(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "find TOKEN",
			Short: "Find the machine created with a request token",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(ctx context.Context, c *cloud.Client, args []string) (any, error) {
				return c.FindInstance(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "delete ID",
			Short: "Destroy a machine",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(ctx context.Context, c *cloud.Client, args []string) (any, error) {
				if err := c.DestroyInstance(ctx, args[0]); err != nil {
					return nil, err
				}
				return map[string]string{"deleted": args[0]}, nil
			}),
		},
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
