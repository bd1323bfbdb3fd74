package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/studyloopai/studyloop-backend/internal/app"
	"github.com/studyloopai/studyloop-backend/internal/config"
	httpapi "github.com/studyloopai/studyloop-backend/internal/http"
	"github.com/studyloopai/studyloop-backend/internal/observability"
)

const shutdownGrace = 15 * time.Second

// runtime opens an App over cfg with tracing enabled for role. The returned
// cleanup flushes spans and closes connections.
func (c *commandContext) runtime(ctx context.Context, cfg config.Config, role string) (*app.App, func(), error) {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, observability.Process{Version: version, Role: role})
	if err != nil {
		return nil, nil, err
	}
	a, err := app.Open(ctx, cfg, c.logger)
	if err != nil {
		_ = shutdownOTel(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	cleanup := func() {
		if err := a.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("close connections")
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			c.logger.Warn().Err(err).Msg("flush traces")
		}
	}
	return a, cleanup, nil
}

func newServeCommand(cc *commandContext) *cobra.Command {
	var embeddedWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := cc.runtime(ctx, cc.cfg, "api")
			if err != nil {
				return err
			}
			defer cleanup()

			cfg := cc.cfg
			gin.SetMode(cfg.GinMode)
			r := gin.New()
			httpapi.RegisterRoutes(r, a)

			// Requests inherit a base context that ends on shutdown so open
			// streams close instead of holding Shutdown until the grace period.
			baseCtx, cancelBase := context.WithCancel(cc.logger.WithContext(context.Background()))
			defer cancelBase()
			srv := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           r,
				ReadTimeout:       cfg.ReadTimeout,
				ReadHeaderTimeout: cfg.ReadHeaderTimeout,
				WriteTimeout:      cfg.WriteTimeout,
				IdleTimeout:       cfg.IdleTimeout,
				MaxHeaderBytes:    cfg.MaxHeaderBytes,
				BaseContext:       func(net.Listener) context.Context { return baseCtx },
			}
			srv.RegisterOnShutdown(cancelBase)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				cc.logger.Info().Str("addr", srv.Addr).Str("api", cfg.APIBasePath).Msg("http server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				cc.logger.Info().Msg("http server shutting down")
				return srv.Shutdown(sctx)
			})

			if embeddedWorker {
				w, err := a.Worker(cc.logger)
				if err != nil {
					return err
				}
				g.Go(func() error { return w.Run(gctx) })
			}

			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&embeddedWorker, "embedded-worker", false, "Also run the Temporal worker in this process")
	return cmd
}
