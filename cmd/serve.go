package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bid-intel/internal/model"
	"github.com/sells-group/bid-intel/internal/monitoring"
	"github.com/sells-group/bid-intel/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analysis API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSecs) * time.Second
		defer env.Close(shutdownTimeout)

		if _, err := reapStaleRuns(ctx, env.Store, time.Duration(cfg.Pipeline.StaleRunMinutes)*time.Minute); err != nil {
			return err
		}

		if cfg.Monitor.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store),
				monitoring.NewAlerter(cfg.Monitor),
				cfg.Monitor,
			)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env.Pipeline, env.Downloads, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("starting server", zap.Int("port", port))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			zap.L().Info("shutting down server")
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
		}

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return eris.Wrap(err, "server shutdown")
		}
		return nil
	},
}

// reapStaleRuns fails runs left pending or running by a previous process so
// their (opportunity, type) slot is released.
func reapStaleRuns(ctx context.Context, st store.Store, age time.Duration) (int, error) {
	if age <= 0 {
		age = time.Hour
	}
	n, err := st.FailStaleRuns(ctx, time.Now().Add(-age))
	if err != nil {
		return 0, eris.Wrap(err, "reap stale runs")
	}
	if n > 0 {
		zap.L().Warn("failed stale runs",
			zap.Int("count", n),
			zap.String("reason", string(model.FailureInterrupted)),
		)
	}
	return n, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
