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

// Package faults holds the error taxonomy shared by every provisioning step.
//
// Two kinds of failures are surfaced as errors:
//
//   - ErrFatalProvisioning: an external tool printed output of an unexpected shape
//     (credentials, routing table). The run cannot continue with unknown state.
//   - ErrRemoteIO: a command or file transfer on a guest failed.
//
// Failures of operations that only tolerate absence (killing a process that is not
// running, removing a missing directory) are not errors at all; see remote.TryRun.
//
// Packages wrap these sentinels with fmt.Errorf("%w: ...") so callers can branch on
// them with errors.Is. Nothing in this module terminates the process itself: the
// command line entrypoint maps errors to exit codes with ExitCode.
package faults

import "errors"

var (
	// ErrFatalProvisioning indicates that tool output did not have the expected shape.
	ErrFatalProvisioning = errors.New("fatal provisioning error")
	// ErrRemoteIO indicates that a remote command or file transfer failed.
	ErrRemoteIO = errors.New("remote I/O error")
)

const (
	ExitOK                = 0
	ExitFailure           = 1
	ExitFatalProvisioning = 2
)

// IsFatal reports whether err stops the whole orchestration.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalProvisioning)
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsFatal(err):
		return ExitFatalProvisioning
	default:
		return ExitFailure
	}
}
