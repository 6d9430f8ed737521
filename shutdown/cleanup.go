package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"thumbgen/core"
)

// HTTPServer stops srv from accepting connections and waits for active
// requests within the stage deadline.
func HTTPServer(srv *http.Server) core.ShutdownFunc {
	return func(ctx context.Context) error {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// Closer adapts an io.Closer (database, event publisher).
func Closer(c io.Closer) core.ShutdownFunc {
	return func(context.Context) error {
		return c.Close()
	}
}

// Drainer adapts a queue that drains within a timeout, such as
// db.AsyncWriter.StopWithTimeout. pending reports what is left for the
// error message.
func Drainer(name string, stop func(timeout time.Duration) bool, pending func() int) core.ShutdownFunc {
	return func(ctx context.Context) error {
		timeout := 10 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if !stop(timeout) {
			return fmt.Errorf("%s: %d writes not drained", name, pending())
		}
		return nil
	}
}
