package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-sync/internal/api"
	"github.com/vnmchuo/usage-sync/pkg/ratelimit"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API for on-demand syncs",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	// Rate limiting needs Redis; without it every sync is allowed.
	var limiter *ratelimit.Limiter
	if a.rdb != nil {
		limiter = ratelimit.NewLimiter(a.rdb, a.cfg.SyncRateLimitPerMinute)
	} else {
		a.logger.Warn("REDIS_ADDR not set, sync rate limiting disabled")
	}

	handler := api.NewHandler(a.runner, a.store, limiter, a.tracer, a.logger)

	srv := newServer(a.cfg.Port, api.NewRouter(handler, a.logger))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("usage-sync API starting", zap.String("port", a.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	a.logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.logger.Info("Server stopped")
	return nil
}

// newServer leaves WriteTimeout unset: a sync response is written only after
// every page and retry has finished, and the metering client bounds each
// fetch on its own.
func newServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
