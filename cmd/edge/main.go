package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fabian4/edge-router/internal/config"
	fwd "github.com/fabian4/edge-router/internal/forward"
	"github.com/fabian4/edge-router/internal/handler"
	"github.com/fabian4/edge-router/internal/metrics"
	"github.com/fabian4/edge-router/internal/model"
	"github.com/fabian4/edge-router/internal/ratelimit"
	"github.com/fabian4/edge-router/internal/server"
	"github.com/fabian4/edge-router/internal/version"
)

func main() {
	cmd, err := newRootCommand()
	if err == nil {
		err = cmd.Execute()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() (*cobra.Command, error) {
	opts, err := NewOptions()
	if err != nil {
		return nil, err
	}

	root := &cobra.Command{
		Use:   "edge",
		Short: "TLS-terminating edge router for the task tracker",
		Long: `edge terminates TLS, redirects plaintext to https and routes requests by
path prefix to the API upstream or the static single-page frontend. Routes
with a CORS policy get their headers on every response and answer preflight
requests directly.`,
		Version:       version.Value,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.AddFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the router",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then print the route table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), cfg)
			return nil
		},
	})
	return root, nil
}

// serve writes the access log to accessLog and operational logs to logOut.
func serve(ctx context.Context, opts *Options, accessLog, logOut io.Writer) error {
	log, err := opts.Logger(logOut)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	topts := fwd.DefaultOptions()
	topts.DialTimeout = cfg.Timeouts.Dial
	topts.ResponseHeaderTimeout = cfg.Timeouts.ResponseHeader
	transports := fwd.NewRegistry(topts)
	defer transports.CloseIdle()

	m := metrics.NewRegistry()
	limiter := ratelimit.NewLimiter()
	edge, err := handler.NewEdge(cfg.Routes, handler.Options{
		Transports:      transports,
		UpstreamTimeout: cfg.Timeouts.Upstream,
		AccessLog:       accessLog,
		AccessLogConfig: cfg.AccessLog,
		Metrics:         m,
		Limiter:         limiter,
		Log:             log,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, edge, server.Options{Metrics: m, Limiter: limiter, Log: log})
	if err != nil {
		return err
	}
	log.Info().
		Str("version", version.Value).
		Int("routes", len(cfg.Routes)).
		Bool("tls", cfg.TLS.Enabled).
		Msg("edge router starting")
	return srv.Run(ctx)
}

func printSummary(w io.Writer, cfg *config.Config) {
	if cfg.TLS.Enabled {
		fmt.Fprintf(w, "listen: http %s (redirect), https %s\n", cfg.Listen.HTTP, cfg.Listen.HTTPS)
	} else {
		fmt.Fprintf(w, "listen: http %s (tls disabled)\n", cfg.Listen.HTTP)
	}
	for i, r := range cfg.Routes {
		var target string
		switch t := r.Target.(type) {
		case model.ForwardTo:
			target = fmt.Sprintf("forward %s (%s)", t.Upstream, t.Proto)
		case model.ServeStatic:
			target = "static " + t.Root
			if t.Fallback != "" {
				target += " fallback=" + t.Fallback
			}
		}
		extra := ""
		if r.CORS != nil {
			extra += " cors=" + r.CORS.AllowOrigin
		}
		if r.RateLimit != nil {
			extra += fmt.Sprintf(" rate=%g/s burst=%d", r.RateLimit.RequestsPerSecond, r.RateLimit.Burst)
		}
		fmt.Fprintf(w, "%d. %s %s -> %s%s\n", i+1, r.Name, r.PathPrefix, target, extra)
	}
}
