// Package server provides server lifecycle management including graceful shutdown.
package server

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownManager handles graceful shutdown of server components.
// It coordinates signal handling and resource cleanup.
type ShutdownManager struct {
	shutdownTimeout time.Duration

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	// Closers are called in reverse order of registration (LIFO).
	closers   []io.Closer
	closersMu sync.Mutex
}

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds
	ShutdownTimeout time.Duration
}

// NewShutdownManager creates a new shutdown manager with the given configuration.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	return &ShutdownManager{
		shutdownTimeout: config.ShutdownTimeout,
		shutdownCh:      make(chan struct{}),
	}
}

// RegisterCloser adds a closer to be called during shutdown.
func (sm *ShutdownManager) RegisterCloser(closer io.Closer) {
	sm.closersMu.Lock()
	defer sm.closersMu.Unlock()
	sm.closers = append(sm.closers, closer)
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }

// WaitForSignal blocks until SIGINT or SIGTERM is received, then runs the
// shutdown sequence.
func (sm *ShutdownManager) WaitForSignal(httpServer *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("server: received signal %v, shutting down", sig)
	case <-sm.shutdownCh:
	}

	sm.shutdown(httpServer)
}

// Shutdown triggers the shutdown sequence programmatically.
func (sm *ShutdownManager) Shutdown() {
	sm.shutdownOnce.Do(func() { close(sm.shutdownCh) })
}

func (sm *ShutdownManager) shutdown(httpServer *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("server: HTTP shutdown error: %v", err)
		}
	}

	sm.closersMu.Lock()
	closers := sm.closers
	sm.closersMu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			log.Printf("server: closer error during shutdown: %v", err)
		}
	}
}
