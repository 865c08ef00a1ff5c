package main

import (
	"context"
	"net/http"
	"time"

	"github.com/matta/gotbills/internal/server"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the renewal and Pub/Sub push triggers over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			srv := server.New(p.resolver, p.renewer, server.Options{
				Timeout: a.cfg.Resolve.InvocationTimeout,
				Logger:  a.logger,
			})
			hs := &http.Server{
				Addr:              a.cfg.HTTP.Addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				a.logger.Info("listening", "addr", hs.Addr)
				errc <- hs.ListenAndServe()
			}()
			select {
			case err := <-errc:
				return errors.Wrap(err, "serving")
			case <-ctx.Done():
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Resolve.InvocationTimeout)
			defer cancel()
			return errors.Wrap(hs.Shutdown(shutdownCtx), "shutting down")
		},
	}
}
