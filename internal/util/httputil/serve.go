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

package httputil

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/alexandremahdhaoui/cvex/internal/util/gracefulshutdown"
)

// Serve runs server in the background until gs shuts down. It returns immediately.
func Serve(name string, server *http.Server, gs *gracefulshutdown.GracefulShutdown) {
	ctx := gs.Context()

	// Requests are cancelled with the command.
	server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}

	gs.WaitGroup().Add(1)
	go func() {
		defer gs.WaitGroup().Done()

		slog.InfoContext(ctx, "starting server", "server", name, "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "running server", "server", name, "error", err.Error())
		}
	}()

	gs.OnShutdown(func(ctx context.Context) {
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "shutting down server", "server", name, "error", err.Error())
			return
		}
		slog.Debug("gracefully shut down server", "server", name)
	})
}
