package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/avatarconsole/internal/app"
)

func newServeCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the console HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := st.cfg.RequireAPI(); err != nil {
				return err
			}
			res, err := app.Build(cmd.Context(), st.cfg, st.log)
			if err != nil {
				return err
			}
			defer func() {
				if err := res.Cleanup(); err != nil {
					st.log.Warn().Err(err).Msg("cleanup failed")
				}
			}()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			res.Start(runCtx)

			if err := res.Controller.Restore(runCtx); err != nil {
				st.log.Warn().Err(err).Msg("restore livestream failed")
			}

			httpServer := &http.Server{
				Addr:    st.cfg.BindAddr,
				Handler: res.API.Router(),
			}
			errCh := make(chan error, 1)
			go func() {
				st.log.Info().Str("addr", st.cfg.BindAddr).Msg("server listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return err
				}
			case <-runCtx.Done():
				st.log.Info().Msg("shutdown signal received")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), st.cfg.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				st.log.Warn().Err(err).Msg("graceful shutdown failed")
				_ = httpServer.Close()
			}
			st.log.Info().Msg("shutdown complete")
			return nil
		},
	}
}
