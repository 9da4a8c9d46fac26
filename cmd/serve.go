package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/mdresolve/internal/app"
	"github.com/zjrosen/mdresolve/internal/config"
	"github.com/zjrosen/mdresolve/internal/log"
	"github.com/zjrosen/mdresolve/internal/metrics"
	"github.com/zjrosen/mdresolve/internal/server"
	"github.com/zjrosen/mdresolve/internal/tracing"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep resolvers fresh and serve lookups over HTTP",
		Long: `Initialize the configured resolvers, refresh them on schedule and expose the
HTTP API until interrupted.

Endpoints:
  GET  /entities/{entityID}            one entity (?resolver, role, protocol)
  GET  /entities                       query (?role, protocol, endpoint, artifact, attribute, any)
  GET  /roles                          role descriptors of matching entities
  GET  /status, /status/{resolver}     refresh state
  POST /resolvers/{resolver}/refresh   refresh now
  POST /resolvers/{resolver}/clear     drop cached dynamic entities (?entity)
  GET  /events                         refresh events (server-sent events)
  GET  /metrics                        Prometheus metrics
  GET  /healthz                        liveness
  GET  /debug/log                      log stream when server.enable_debug is set

Example:
  mdresolve serve
  mdresolve serve --listen :8480`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				opts.cfg.Server.Listen = listen
			}
			if err := config.ValidateServer(opts.cfg.Server); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			provider, err := tracing.NewProvider(opts.cfg.Tracing)
			if err != nil {
				return fmt.Errorf("initializing tracing: %w", err)
			}
			a, err := opts.openApp(ctx, app.WithMetrics(metrics.New()), app.WithTracing(provider))
			if err != nil {
				_ = provider.Shutdown(context.Background())
				return err
			}
			defer func() {
				if err := a.Close(context.Background()); err != nil {
					log.ErrorErr(log.CatServer, "closing resolvers", err)
				}
			}()

			srv := server.New(a, opts.cfg.Server, provider.Tracer())
			fmt.Fprintf(cmd.OutOrStdout(), "mdresolve serving %d resolvers on %s\n", len(a.IDs()), opts.cfg.Server.Listen)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (overrides server.listen)")
	return cmd
}
