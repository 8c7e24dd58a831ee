//go:build unit

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

package apitrace_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexandremahdhaoui/cvex/internal/util/fakes/guestfake"
	"github.com/alexandremahdhaoui/cvex/internal/util/mocks/mockremote"
	"github.com/alexandremahdhaoui/cvex/pkg/apitrace"
	"github.com/alexandremahdhaoui/cvex/pkg/faults"
	"github.com/alexandremahdhaoui/cvex/pkg/guest"
	"github.com/alexandremahdhaoui/cvex/pkg/procmon"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	exportPrefix = `C:\Tools\Procmon.exe /AcceptEula /OpenLog C:\cvex\procmon.pml /SaveAs C:\cvex\procmon.xml`
)

func launchCommand(line string) string {
	return `powershell "$p = Invoke-CimMethod -ErrorAction Stop -ClassName Win32_Process -MethodName Create` +
		` -Arguments @{CommandLine='` + line + `'}; exit $p.ReturnValue"`
}

func newController(t *testing.T, exec *guestfake.Fake, cfg apitrace.Config) *apitrace.Controller {
	t.Helper()
	vm := guest.VM{Name: "victim", IP: "192.168.56.3", Role: guest.RoleGuest, User: "vagrant", Exec: exec}
	c, err := apitrace.New(vm, cfg)
	require.NoError(t, err)
	return c
}

func TestController_StartWithFilter(t *testing.T) {
	fake := guestfake.New()
	c := newController(t, fake, apitrace.Config{})
	assert.Equal(t, apitrace.StateIdle, c.State())
	assert.Equal(t, uuid.Nil, c.SessionID())

	require.NoError(t, c.Start(context.Background(), "evil.exe"))

	assert.Equal(t, apitrace.StateRunning, c.State())
	assert.NotEqual(t, uuid.Nil, c.SessionID())
	assert.Equal(t, []string{
		"taskkill /IM Procmon.exe /F",
		`rmdir /S /Q C:\cvex`,
		`mkdir C:\cvex`,
		launchCommand(`C:\Tools\Procmon.exe /AcceptEula /BackingFile C:\cvex\procmon.pml /LoadConfig C:\cvex\config.pmc /Quiet`),
	}, fake.Commands())

	uploaded, ok := fake.File(`C:\cvex\config.pmc`)
	require.True(t, ok)
	cfg, err := procmon.Decode([]byte(uploaded))
	require.NoError(t, err)
	rules, err := cfg.FilterRules()
	require.NoError(t, err)
	assert.Equal(t, []procmon.Rule{{
		Column:   procmon.ColumnProcessName,
		Relation: procmon.RelationContains,
		Value:    "evil.exe",
		Action:   procmon.ActionInclude,
	}}, rules)
}

func TestController_StartWithoutFilter(t *testing.T) {
	// A tracer from an earlier session is not running: the kill fails and is ignored.
	fake := guestfake.New().Fail("taskkill", errors.New(`ERROR: The process "Procmon.exe" not found.`))
	c := newController(t, fake, apitrace.Config{})

	require.NoError(t, c.Start(context.Background(), ""))

	assert.Empty(t, fake.Uploads())
	commands := fake.Commands()
	assert.Equal(t,
		launchCommand(`C:\Tools\Procmon.exe /AcceptEula /BackingFile C:\cvex\procmon.pml /Quiet`),
		commands[len(commands)-1])
}

func TestController_StartWithBaseline(t *testing.T) {
	baseline := procmon.DefaultConfig()
	baseline.SetUint32(procmon.RecordHistoryDepth, 42)
	path := filepath.Join(t.TempDir(), "baseline.pmc")
	require.NoError(t, baseline.WriteFile(path))

	fake := guestfake.New()
	c := newController(t, fake, apitrace.Config{BaselineConfigPath: path})
	require.NoError(t, c.Start(context.Background(), "evil.exe"))

	uploaded, _ := fake.File(`C:\cvex\config.pmc`)
	cfg, err := procmon.Decode([]byte(uploaded))
	require.NoError(t, err)
	depth, err := cfg.Uint32(procmon.RecordHistoryDepth)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), depth)
}

func TestController_StartMkdirFails(t *testing.T) {
	fake := guestfake.New().Fail("mkdir", errors.New("access denied"))
	c := newController(t, fake, apitrace.Config{})

	err := c.Start(context.Background(), "")

	assert.ErrorIs(t, err, faults.ErrRemoteIO)
	assert.Equal(t, apitrace.StateIdle, c.State())
	for _, cmd := range fake.Commands() {
		assert.NotContains(t, cmd, "Invoke-CimMethod")
	}
}

func TestController_StartLaunchFails(t *testing.T) {
	exec := &mockremote.MockExecutor{}
	launch := apitrace.DetachedCommand(`C:\Tools\Procmon.exe`, "/AcceptEula", "/BackingFile", `C:\cvex\procmon.pml`, "/Quiet")
	// Create returned 9 (path not found).
	exec.On("Run", mock.Anything, launch).Return("", errors.New("exit status 9"))
	exec.On("Run", mock.Anything, mock.Anything).Return("", nil)

	c, err := apitrace.New(guest.VM{Name: "victim", Exec: exec}, apitrace.Config{})
	require.NoError(t, err)

	err = c.Start(context.Background(), "")
	assert.ErrorIs(t, err, faults.ErrRemoteIO)
	assert.Equal(t, apitrace.StateIdle, c.State())
	exec.AssertNumberOfCalls(t, "Run", 4)
}

func TestDetachedCommand(t *testing.T) {
	tests := []struct {
		name     string
		cmd      []string
		expected string
	}{
		{
			name:     "plain arguments",
			cmd:      []string{`C:\Tools\Procmon.exe`, "/Quiet"},
			expected: `$p = Invoke-CimMethod -ErrorAction Stop -ClassName Win32_Process -MethodName Create -Arguments @{CommandLine='C:\Tools\Procmon.exe /Quiet'}; exit $p.ReturnValue`,
		},
		{
			name:     "single quotes are doubled",
			cmd:      []string{`C:\Program Files\O'Neil\Procmon.exe`, "/Quiet"},
			expected: `$p = Invoke-CimMethod -ErrorAction Stop -ClassName Win32_Process -MethodName Create -Arguments @{CommandLine='"C:\Program Files\O''Neil\Procmon.exe" /Quiet'}; exit $p.ReturnValue`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, []string{"powershell", tt.expected}, apitrace.DetachedCommand(tt.cmd...))
		})
	}
}

func TestController_Stop(t *testing.T) {
	fake := guestfake.New()
	fake.Handle(exportPrefix, func(string) (string, error) {
		fake.SetFile(`C:\cvex\procmon.xml`, "<procmon/>")
		return "", nil
	})
	c := newController(t, fake, apitrace.Config{})

	require.NoError(t, c.Start(context.Background(), ""))
	fake.SetFile(`C:\cvex\procmon.pml`, "PML_")

	out := filepath.Join(t.TempDir(), "artifacts")
	artifacts, err := c.Stop(context.Background(), out)
	require.NoError(t, err)

	assert.Equal(t, apitrace.Artifacts{
		BinaryLog:   filepath.Join(out, "victim_procmon.pml"),
		ExportedLog: filepath.Join(out, "victim_procmon.xml"),
	}, artifacts)
	assert.Equal(t, apitrace.StateStopped, c.State())

	b, err := os.ReadFile(artifacts.ExportedLog)
	require.NoError(t, err)
	assert.Equal(t, "<procmon/>", string(b))

	commands := fake.Commands()
	assert.Equal(t, []string{
		`C:\Tools\Procmon.exe /AcceptEula /Terminate`,
		exportPrefix,
	}, commands[len(commands)-2:])
}

// TestController_StopWithoutStart verifies that stopping a session that was never
// started surfaces the missing logs as remote failures.
func TestController_StopWithoutStart(t *testing.T) {
	fake := guestfake.New().Fail(exportPrefix, errors.New("log file not found"))
	c := newController(t, fake, apitrace.Config{})

	artifacts, err := c.Stop(context.Background(), t.TempDir())

	assert.ErrorIs(t, err, faults.ErrRemoteIO)
	assert.Equal(t, apitrace.Artifacts{}, artifacts)
	assert.Equal(t, apitrace.StateStopped, c.State())
	assert.Equal(t, []string{`C:\cvex\procmon.pml`, `C:\cvex\procmon.xml`}, fake.Downloads())
}

func TestController_StopExportFails(t *testing.T) {
	fake := guestfake.New().Fail(exportPrefix, errors.New("exit status 1"))
	c := newController(t, fake, apitrace.Config{})
	require.NoError(t, c.Start(context.Background(), ""))
	fake.SetFile(`C:\cvex\procmon.pml`, "PML_")

	out := t.TempDir()
	artifacts, err := c.Stop(context.Background(), out)

	assert.ErrorIs(t, err, faults.ErrRemoteIO)
	assert.Equal(t, filepath.Join(out, "victim_procmon.pml"), artifacts.BinaryLog)
	assert.Empty(t, artifacts.ExportedLog)
}

func TestController_Install(t *testing.T) {
	fake := guestfake.New().Fail("mkdir", errors.New("A subdirectory or file C:\\Tools already exists."))
	c := newController(t, fake, apitrace.Config{})

	require.NoError(t, c.Install(context.Background()))

	assert.Equal(t, []string{
		"curl https://download.sysinternals.com/files/ProcessMonitor.zip -o ProcessMonitor.zip",
		`mkdir C:\Tools`,
		`tar -xf ProcessMonitor.zip -C C:\Tools`,
	}, fake.Commands())
}

func TestConfig(t *testing.T) {
	cfg := apitrace.Config{TempDir: `D:\trace\`}
	cfg.ApplyDefaults()

	assert.Equal(t, `D:\trace\procmon.pml`, cfg.BackingFile)
	assert.Equal(t, `D:\trace\procmon.xml`, cfg.ExportFile)
	assert.Equal(t, `D:\trace\config.pmc`, cfg.RemoteConfigPath)
	assert.NoError(t, cfg.Validate())

	assert.ErrorIs(t, apitrace.Config{}.Validate(), apitrace.ErrInvalidConfig)
	assert.Equal(t, "Running", apitrace.StateRunning.String())
}
