// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package remote

import (
	"context"
	"fmt"

	"github.com/alexandremahdhaoui/cvex/pkg/faults"
	"github.com/go-logr/logr"
)

// Executor runs commands and transfers files on one machine.
//
// Run blocks until the command exits and fails on a non-zero exit status. Processes
// it leaves behind may be terminated with the session. None of the methods impose a
// timeout: callers bound them through ctx.
type Executor interface {
	Run(ctx context.Context, cmd ...string) (stdout string, err error)
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
}

// TryRun runs cmd for operations whose failure means there was nothing to do, such as
// killing a process that is not running. It reports whether the command succeeded.
// Failures are logged at debug verbosity and never returned.
func TryRun(ctx context.Context, exec Executor, cmd ...string) bool {
	if _, err := exec.Run(ctx, cmd...); err != nil {
		logr.FromContextOrDiscard(ctx).V(1).Info("best-effort command did not succeed",
			"cmd", cmd, "err", err.Error())
		return false
	}
	return true
}

// Run executes cmd and wraps any failure with faults.ErrRemoteIO.
func Run(ctx context.Context, exec Executor, cmd ...string) (string, error) {
	out, err := exec.Run(ctx, cmd...)
	if err != nil {
		return out, fmt.Errorf("%w: running %v: %w", faults.ErrRemoteIO, cmd, err)
	}
	return out, nil
}

// Upload copies localPath to remotePath and wraps any failure with faults.ErrRemoteIO.
func Upload(ctx context.Context, exec Executor, localPath, remotePath string) error {
	if err := exec.Upload(ctx, localPath, remotePath); err != nil {
		return fmt.Errorf("%w: uploading %s to %s: %w", faults.ErrRemoteIO, localPath, remotePath, err)
	}
	return nil
}

// Download copies remotePath to localPath and wraps any failure with faults.ErrRemoteIO.
func Download(ctx context.Context, exec Executor, remotePath, localPath string) error {
	if err := exec.Download(ctx, remotePath, localPath); err != nil {
		return fmt.Errorf("%w: downloading %s to %s: %w", faults.ErrRemoteIO, remotePath, localPath, err)
	}
	return nil
}
