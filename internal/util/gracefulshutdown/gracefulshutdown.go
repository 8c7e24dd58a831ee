/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package gracefulshutdown ties the lifetime of a command to SIGTERM and SIGINT.
package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultCleanupTimeout bounds every cleanup registered with OnShutdown.
const DefaultCleanupTimeout = 2 * time.Minute

// GracefulShutdown holds the context of a command, the goroutines it started and the
// cleanups to run before exiting.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once sync.Once
	wg   *sync.WaitGroup

	mu       sync.Mutex
	cleanups []func(context.Context)
	timeout  time.Duration

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

// NewWithExit creates a GracefulShutdown whose context is cancelled by SIGTERM or
// SIGINT, exiting through exitFunc.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	return &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		wg:       &sync.WaitGroup{},
		timeout:  DefaultCleanupTimeout,
		exitFunc: exitFunc,
	}
}

// New creates a GracefulShutdown exiting with os.Exit.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// OnShutdown registers fn to run during Shutdown, in reverse registration order. fn
// receives a fresh context: the command context may already be cancelled.
func (s *GracefulShutdown) OnShutdown(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}

// Shutdown runs the cleanups, cancels the context, waits for the goroutines tracked by
// WaitGroup and exits with exitCode. Only the first call has any effect.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		slog.Debug("gracefully shutting down", "binary", s.name, "exitCode", exitCode)

		s.mu.Lock()
		cleanups := s.cleanups
		s.cleanups = nil
		s.mu.Unlock()

		for i := len(cleanups) - 1; i >= 0; i-- {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.timeout)
			cleanups[i](ctx)
			cancel()
		}

		s.cancel()
		s.wg.Wait()

		s.exitFunc(exitCode)
	})
}

// Context returns the context of the graceful shutdown.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// CancelFunc returns the cancel function of the graceful shutdown.
func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return s.cancel
}

// WaitGroup returns the wait group of the graceful shutdown.
func (s *GracefulShutdown) WaitGroup() *sync.WaitGroup {
	return s.wg
}
