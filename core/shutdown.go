package core

import (
	"context"
)

// ShutdownFunc is a cleanup handler run during graceful shutdown. It should
// respect the context deadline and be safe to call more than once.
//
//	var drainQuota ShutdownFunc = func(ctx context.Context) error {
//	    return writer.StopWithTimeout(5 * time.Second)
//	}
type ShutdownFunc func(ctx context.Context) error
