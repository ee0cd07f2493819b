package utils

import (
	"context"
	"sync"
	"time"
)

type namedShutdownFn struct {
	name string
	fn   func() error
}

// GracefulShutdown tears a node's components down in the reverse order they
// were registered in, each by name, so a failure is attributable to the
// component that caused it rather than a bare index.
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []namedShutdownFn
	timeout    time.Duration
	logger     *Logger
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}

	return &GracefulShutdown{
		shutdownFn: make([]namedShutdownFn, 0),
		timeout:    timeout,
		logger:     logger,
	}
}

// Register adds fn, identified as name in shutdown logging, to the set of
// steps run on Shutdown.
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.shutdownFn = append(g.shutdownFn, namedShutdownFn{name: name, fn: fn})
}

// Shutdown executes all registered shutdown functions
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("starting graceful shutdown",
		Int("components", len(g.shutdownFn)),
	)

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// Execute shutdown functions in reverse order (LIFO)
	errChan := make(chan error, len(g.shutdownFn))
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := len(g.shutdownFn) - 1; i >= 0; i-- {
			step := g.shutdownFn[i]
			if err := step.fn(); err != nil {
				g.logger.Error("shutdown step failed",
					String("component", step.name),
					Err(err),
				)
				errChan <- err
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("graceful shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		g.logger.Warn("graceful shutdown timed out")
		return TimeoutError("graceful shutdown")
	}
}
