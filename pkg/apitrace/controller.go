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

// Package apitrace drives a Process Monitor session on a Windows guest.
//
// A Controller owns the session of one guest:
//
//	Idle --Start--> Running --Stop--> Stopped
//
// Start may be called from any state: it kills a running tracer and wipes the
// session directory first. Stop downloads the binary log and its XML export.
package apitrace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/alexandremahdhaoui/cvex/pkg/execcontext"
	"github.com/alexandremahdhaoui/cvex/pkg/faults"
	"github.com/alexandremahdhaoui/cvex/pkg/guest"
	"github.com/alexandremahdhaoui/cvex/pkg/procmon"
	"github.com/alexandremahdhaoui/cvex/pkg/remote"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// State is the lifecycle state of a trace session.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Artifacts are the local copies of the logs of a session. A field is empty when the
// corresponding download failed.
type Artifacts struct {
	BinaryLog   string `json:"binaryLog,omitempty"`
	ExportedLog string `json:"exportedLog,omitempty"`
}

// Controller starts and stops the tracer of one guest. Start, Stop and Install are
// serialized.
type Controller struct {
	vm  guest.VM
	cfg Config

	mu        sync.Mutex
	state     State
	sessionID uuid.UUID
}

// New returns an idle Controller. Empty fields of cfg take their default value.
func New(vm guest.VM, cfg Config) (*Controller, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{vm: vm, cfg: cfg}, nil
}

func (c *Controller) VM() guest.VM { return c.vm }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID identifies the last started session. It is uuid.Nil before the first Start.
func (c *Controller) SessionID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Install downloads the tracer on the guest and unpacks it in the tools directory.
func (c *Controller) Install(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := logr.FromContextOrDiscard(ctx).WithValues("vm", c.vm.Name)

	if _, err := remote.Run(ctx, c.vm.Exec, "curl", c.cfg.DownloadURL, "-o", c.cfg.ArchiveName); err != nil {
		return err
	}
	remote.TryRun(ctx, c.vm.Exec, "mkdir", c.cfg.ToolsDir)
	if _, err := remote.Run(ctx, c.vm.Exec, "tar", "-xf", c.cfg.ArchiveName, "-C", c.cfg.ToolsDir); err != nil {
		return err
	}

	log.Info("tracer installed", "toolsDir", c.cfg.ToolsDir)
	return nil
}

// Start launches the tracer in the background and returns without waiting for it.
// The tracer is created by WMI rather than by the remote shell, so it outlives the
// connection that started it. A non-empty filter restricts capture to processes
// whose name contains it.
func (c *Controller) Start(ctx context.Context, filter string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessionID := uuid.New()
	log := logr.FromContextOrDiscard(ctx).WithValues("vm", c.vm.Name, "session", sessionID.String())

	remote.TryRun(ctx, c.vm.Exec, "taskkill", "/IM", windowsBase(c.cfg.ProcmonPath), "/F")
	remote.TryRun(ctx, c.vm.Exec, "rmdir", "/S", "/Q", c.cfg.TempDir)
	if _, err := remote.Run(ctx, c.vm.Exec, "mkdir", c.cfg.TempDir); err != nil {
		return err
	}

	cmd := []string{c.cfg.ProcmonPath, "/AcceptEula", "/BackingFile", c.cfg.BackingFile}
	if filter != "" {
		if err := c.uploadFilter(ctx, filter); err != nil {
			return err
		}
		cmd = append(cmd, "/LoadConfig", c.cfg.RemoteConfigPath)
	}
	cmd = append(cmd, "/Quiet")

	if _, err := c.vm.Exec.Run(ctx, DetachedCommand(cmd...)...); err != nil {
		return fmt.Errorf("%w: launching tracer: %w", faults.ErrRemoteIO, err)
	}

	c.state = StateRunning
	c.sessionID = sessionID
	log.Info("trace started", "filter", filter)
	return nil
}

// DetachedCommand wraps cmd in a PowerShell call to Win32_Process.Create. Windows
// OpenSSH terminates the processes of a session when it closes, while processes
// created through WMI are not attached to it. The wrapper exits with the return
// value of Create, so a failed launch is a non-zero exit status.
func DetachedCommand(cmd ...string) []string {
	line := execcontext.FormatCmd(execcontext.NewWindows(nil), cmd...)
	script := fmt.Sprintf(
		"$p = Invoke-CimMethod -ErrorAction Stop -ClassName Win32_Process -MethodName Create"+
			" -Arguments @{CommandLine='%s'}; exit $p.ReturnValue",
		strings.ReplaceAll(line, "'", "''"))
	return []string{"powershell", script}
}

// uploadFilter writes the baseline configuration with filter as its only filter rule
// to the remote configuration path.
func (c *Controller) uploadFilter(ctx context.Context, filter string) error {
	cfg := procmon.DefaultConfig()
	if c.cfg.BaselineConfigPath != "" {
		var err error
		if cfg, err = procmon.LoadFile(c.cfg.BaselineConfigPath); err != nil {
			return fmt.Errorf("loading baseline tracer configuration: %w", err)
		}
	}
	if err := cfg.SetFilterRules([]procmon.Rule{procmon.IncludeProcess(filter)}); err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "cvex-*.pmc")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	werr := cfg.Dump(tmp)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("writing tracer configuration: %w", werr)
	}

	return remote.Upload(ctx, c.vm.Exec, tmp.Name(), c.cfg.RemoteConfigPath)
}

// Stop terminates the tracer, exports its log to XML and downloads both files to
// outputDir as "<guest>_<suffix>". Every step is attempted: failures are joined and
// returned along with the artifacts that could be downloaded. The session is Stopped
// afterwards in every case.
func (c *Controller) Stop(ctx context.Context, outputDir string) (Artifacts, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := logr.FromContextOrDiscard(ctx).WithValues("vm", c.vm.Name, "session", c.sessionID.String())
	defer func() { c.state = StateStopped }()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Artifacts{}, err
	}

	remote.TryRun(ctx, c.vm.Exec, c.cfg.ProcmonPath, "/AcceptEula", "/Terminate")

	var errs []error
	if _, err := remote.Run(ctx, c.vm.Exec,
		c.cfg.ProcmonPath, "/AcceptEula", "/OpenLog", c.cfg.BackingFile, "/SaveAs", c.cfg.ExportFile); err != nil {
		errs = append(errs, err)
	}

	var artifacts Artifacts
	binaryLog := c.artifactPath(outputDir, c.cfg.BinaryLogSuffix)
	if err := remote.Download(ctx, c.vm.Exec, c.cfg.BackingFile, binaryLog); err != nil {
		errs = append(errs, err)
	} else {
		artifacts.BinaryLog = binaryLog
	}

	exportedLog := c.artifactPath(outputDir, c.cfg.ExportedLogSuffix)
	if err := remote.Download(ctx, c.vm.Exec, c.cfg.ExportFile, exportedLog); err != nil {
		errs = append(errs, err)
	} else {
		artifacts.ExportedLog = exportedLog
	}

	if err := errors.Join(errs...); err != nil {
		log.Error(err, "trace stopped with errors", "artifacts", artifacts)
		return artifacts, err
	}

	log.Info("trace stopped", "binaryLog", artifacts.BinaryLog, "exportedLog", artifacts.ExportedLog)
	return artifacts, nil
}

func (c *Controller) artifactPath(outputDir, suffix string) string {
	return filepath.Join(outputDir, c.vm.Name+"_"+suffix)
}

// windowsBase returns the last element of a Windows path.
func windowsBase(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '\\' || p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}
