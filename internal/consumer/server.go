package consumer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/taskloop/taskloop/internal/telemetry"
)

// Serve runs the HTTP server until ctx is cancelled, then stops accepting
// and drains in-flight requests for up to grace before aborting. Unacked
// messages cut off by the abort redeliver.
func Serve(ctx context.Context, addr string, handler http.Handler, grace time.Duration) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	telemetry.GetContextualLogger(ctx).WithField("grace", grace.String()).Info("Draining in-flight requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
