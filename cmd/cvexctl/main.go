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

package main

import (
	"log/slog"

	"github.com/alexandremahdhaoui/cvex/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/cvex/internal/util/logging"
	"github.com/alexandremahdhaoui/cvex/pkg/faults"
)

const (
	Name = "cvexctl"
)

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

// ------------------------------------------------- Main ----------------------------------------------------------- //

func main() {
	gs := gracefulshutdown.New(Name)
	ctx := gs.Context()

	err := newRootCommand(gs).ExecuteContext(ctx)

	switch {
	case err == nil:
	case faults.IsFatal(err):
		logging.Critical(ctx, "provisioning aborted", "error", err.Error())
	default:
		slog.ErrorContext(ctx, "command failed", "error", err.Error())
	}

	gs.Shutdown(faults.ExitCode(err))
}
