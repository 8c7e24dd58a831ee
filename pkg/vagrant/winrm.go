package vagrant

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/alexandremahdhaoui/cvex/pkg/execcontext"
	"github.com/alexandremahdhaoui/cvex/pkg/faults"
	"github.com/go-logr/logr"
)

// Credentials are the WinRM connection parameters of a Vagrant machine.
type Credentials struct {
	Host     string
	User     string
	Password string
	Port     int
}

var winrmFields = []struct {
	name string
	re   *regexp.Regexp
}{
	{name: "host", re: regexp.MustCompile(`\bHostName (\d+\.\d+\.\d+\.\d+)`)},
	{name: "user", re: regexp.MustCompile(`\bUser (\w+)`)},
	{name: "password", re: regexp.MustCompile(`\bPassword (\w+)`)},
	{name: "port", re: regexp.MustCompile(`\bPort (\d+)`)},
}

// ParseWinRMConfig extracts the credentials from the output of `vagrant winrm-config`.
// A missing field means the output has an unknown shape and is reported as
// faults.ErrFatalProvisioning.
func ParseWinRMConfig(output string) (Credentials, error) {
	values := make(map[string]string, len(winrmFields))
	var missing []string
	for _, f := range winrmFields {
		m := f.re.FindStringSubmatch(output)
		if m == nil {
			missing = append(missing, f.name)
			continue
		}
		values[f.name] = m[1]
	}
	if len(missing) > 0 {
		return Credentials{}, fmt.Errorf("%w: 'vagrant winrm-config' returned unusual output: missing %s",
			faults.ErrFatalProvisioning, strings.Join(missing, ", "))
	}

	port, err := strconv.Atoi(values["port"])
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: invalid WinRM port %q: %v",
			faults.ErrFatalProvisioning, values["port"], err)
	}

	return Credentials{
		Host:     values["host"],
		User:     values["user"],
		Password: values["password"],
		Port:     port,
	}, nil
}

// CommandRunner runs a local command in dir and returns its standard output.
type CommandRunner func(ctx context.Context, dir string, name string, args ...string) (string, error)

// Discoverer asks Vagrant for the credentials of a machine.
type Discoverer struct {
	binary string
	run    CommandRunner
}

// DiscovererOption configures a Discoverer.
type DiscovererOption func(*Discoverer)

// WithBinary overrides the vagrant executable.
func WithBinary(binary string) DiscovererOption {
	return func(d *Discoverer) {
		d.binary = binary
	}
}

// WithCommandRunner replaces local command execution, mostly for tests.
func WithCommandRunner(run CommandRunner) DiscovererOption {
	return func(d *Discoverer) {
		d.run = run
	}
}

func NewDiscoverer(execCtx execcontext.Context, opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		binary: "vagrant",
		run:    execRunner(execCtx),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover runs `vagrant winrm-config` in the machine directory and parses its output.
func (d *Discoverer) Discover(ctx context.Context, machineDir string) (Credentials, error) {
	log := logr.FromContextOrDiscard(ctx)
	log.Info("retrieving WinRM configuration", "dir", machineDir)

	out, err := d.run(ctx, machineDir, d.binary, "winrm-config")
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: vagrant winrm-config: %w", faults.ErrRemoteIO, err)
	}

	return ParseWinRMConfig(out)
}

func execRunner(execCtx execcontext.Context) CommandRunner {
	return func(ctx context.Context, dir string, name string, args ...string) (string, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Dir = dir
		cmd.Env = os.Environ()
		execcontext.ApplyToCmd(execCtx, cmd)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("%v, output: %s", err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	}
}
