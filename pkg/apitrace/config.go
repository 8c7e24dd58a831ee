package apitrace

import (
	"errors"
	"fmt"
)

var ErrInvalidConfig = errors.New("invalid tracer configuration")

const (
	DefaultProcmonPath       = `C:\Tools\Procmon.exe`
	DefaultTempDir           = `C:\cvex`
	DefaultBinaryLogSuffix   = "procmon.pml"
	DefaultExportedLogSuffix = "procmon.xml"
	DefaultRemoteConfigName  = "config.pmc"

	DefaultDownloadURL = "https://download.sysinternals.com/files/ProcessMonitor.zip"
	DefaultToolsDir    = `C:\Tools`
	DefaultArchiveName = "ProcessMonitor.zip"
)

// Config holds every path used by a Controller. Remote paths are Windows paths.
type Config struct {
	ProcmonPath string
	// TempDir is wiped on every Start.
	TempDir          string
	BackingFile      string
	ExportFile       string
	RemoteConfigPath string

	BinaryLogSuffix   string
	ExportedLogSuffix string

	// BaselineConfigPath is a local .pmc file the filter is applied to. When empty,
	// the tracer's stock configuration is used.
	BaselineConfigPath string

	DownloadURL string
	ToolsDir    string
	ArchiveName string
}

// DefaultConfig returns a configuration keeping every file under DefaultTempDir.
func DefaultConfig() Config {
	c := Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every empty field. Files inside TempDir are derived from it.
func (c *Config) ApplyDefaults() {
	setDefault(&c.ProcmonPath, DefaultProcmonPath)
	setDefault(&c.TempDir, DefaultTempDir)
	setDefault(&c.BinaryLogSuffix, DefaultBinaryLogSuffix)
	setDefault(&c.ExportedLogSuffix, DefaultExportedLogSuffix)
	setDefault(&c.BackingFile, windowsJoin(c.TempDir, c.BinaryLogSuffix))
	setDefault(&c.ExportFile, windowsJoin(c.TempDir, c.ExportedLogSuffix))
	setDefault(&c.RemoteConfigPath, windowsJoin(c.TempDir, DefaultRemoteConfigName))
	setDefault(&c.DownloadURL, DefaultDownloadURL)
	setDefault(&c.ToolsDir, DefaultToolsDir)
	setDefault(&c.ArchiveName, DefaultArchiveName)
}

// Validate checks that every path required to run a session is set.
func (c Config) Validate() error {
	for name, v := range map[string]string{
		"procmonPath":       c.ProcmonPath,
		"tempDir":           c.TempDir,
		"backingFile":       c.BackingFile,
		"exportFile":        c.ExportFile,
		"remoteConfigPath":  c.RemoteConfigPath,
		"binaryLogSuffix":   c.BinaryLogSuffix,
		"exportedLogSuffix": c.ExportedLogSuffix,
	} {
		if v == "" {
			return fmt.Errorf("%w: %s must be set", ErrInvalidConfig, name)
		}
	}
	return nil
}

func setDefault(field *string, v string) {
	if *field == "" {
		*field = v
	}
}

func windowsJoin(dir, file string) string {
	if dir == "" || dir[len(dir)-1] == '\\' {
		return dir + file
	}
	return dir + `\` + file
}
