// Package config loads the cvexctl configuration file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/alexandremahdhaoui/cvex/pkg/apitrace"
	"github.com/alexandremahdhaoui/cvex/pkg/guest"
	"github.com/alexandremahdhaoui/cvex/pkg/network"
	"sigs.k8s.io/yaml"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path.
	ConfigPathEnvKey = "CVEX_CONFIG_PATH"

	DefaultArtifactDir = "artifacts"
	DefaultSSHPort     = 22
	DefaultLogLevel    = "info"
)

var (
	ErrConfigPathRequired = errors.New("config path is required")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// Config is used to configure cvexctl.
type Config struct {
	// ArtifactDir receives trace logs, inventories and the run timeline.
	ArtifactDir string `json:"artifactDir"`

	// Router intercepts the traffic of every guest. Optional: without it guests keep
	// their routes and trust store.
	Router *Machine `json:"router,omitempty"`
	// Guests are the Windows VMs under test.
	Guests []Machine `json:"guests"`

	Network Network `json:"network"`
	Hosts   Hosts   `json:"hosts"`
	Trust   Trust   `json:"trust"`
	Tracer  Tracer  `json:"tracer"`
	Metrics Metrics `json:"metrics"`
	Logging Logging `json:"logging"`
}

// Machine describes how to reach one VM.
type Machine struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
	// User owns the home directory receiving trust material.
	User string `json:"user"`
	SSH  SSH    `json:"ssh"`
	// VagrantDir is the directory of the Vagrantfile, used to discover WinRM
	// credentials.
	VagrantDir string `json:"vagrantDir,omitempty"`
}

type SSH struct {
	// Host defaults to the machine IP.
	Host string `json:"host"`
	Port int    `json:"port"`
	// User defaults to the machine user.
	User           string `json:"user"`
	Password       string `json:"password,omitempty"`
	PrivateKeyPath string `json:"privateKeyPath,omitempty"`
}

type Network struct {
	AdapterAlias       string `json:"adapterAlias"`
	AdapterDescription string `json:"adapterDescription"`
	PrefixLength       int    `json:"prefixLength"`
	ProvisioningSubnet string `json:"provisioningSubnet"`
	RouteNetwork       string `json:"routeNetwork"`
	RouteMask          string `json:"routeMask"`
}

type Hosts struct {
	Path string `json:"path"`
}

type Trust struct {
	Dir      string `json:"dir"`
	CertFile string `json:"certFile"`
	CRLFile  string `json:"crlFile"`
}

type Tracer struct {
	ProcmonPath        string `json:"procmonPath"`
	TempDir            string `json:"tempDir"`
	BackingFile        string `json:"backingFile"`
	ExportFile         string `json:"exportFile"`
	RemoteConfigPath   string `json:"remoteConfigPath"`
	BinaryLogSuffix    string `json:"binaryLogSuffix"`
	ExportedLogSuffix  string `json:"exportedLogSuffix"`
	BaselineConfigPath string `json:"baselineConfigPath,omitempty"`
	DownloadURL        string `json:"downloadURL"`
	ToolsDir           string `json:"toolsDir"`
	// Filter is the default process-name filter of trace sessions.
	Filter string `json:"filter,omitempty"`
}

type Metrics struct {
	// Port enables the metrics server when non-zero.
	Port int    `json:"port"`
	Path string `json:"path"`
}

type Logging struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Load reads the configuration at path, or at $CVEX_CONFIG_PATH when path is empty,
// applies defaults and validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigPathEnvKey)
	}
	if path == "" {
		return nil, fmt.Errorf("%w: pass --config or set %s", ErrConfigPathRequired, ConfigPathEnvKey)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML (json tags), applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.ArtifactDir == "" {
		c.ArtifactDir = DefaultArtifactDir
	}
	if c.Router != nil {
		c.Router.applyDefaults()
	}
	for i := range c.Guests {
		c.Guests[i].applyDefaults()
	}

	rc := network.DefaultRouteConfig()
	setDefault(&c.Network.AdapterAlias, rc.AdapterAlias)
	setDefault(&c.Network.AdapterDescription, rc.AdapterDescription)
	setDefault(&c.Network.ProvisioningSubnet, rc.ProvisioningSubnet)
	setDefault(&c.Network.RouteNetwork, rc.RouteNetwork)
	setDefault(&c.Network.RouteMask, rc.RouteMask)
	if c.Network.PrefixLength == 0 {
		c.Network.PrefixLength = rc.PrefixLength
	}

	setDefault(&c.Hosts.Path, guest.DefaultHostsPath)

	tc := guest.DefaultTrustConfig()
	setDefault(&c.Trust.Dir, tc.Dir)
	setDefault(&c.Trust.CertFile, tc.CertFile)
	setDefault(&c.Trust.CRLFile, tc.CRLFile)

	tr := c.TracerConfig()
	tr.ApplyDefaults()
	c.Tracer = Tracer{
		ProcmonPath:        tr.ProcmonPath,
		TempDir:            tr.TempDir,
		BackingFile:        tr.BackingFile,
		ExportFile:         tr.ExportFile,
		RemoteConfigPath:   tr.RemoteConfigPath,
		BinaryLogSuffix:    tr.BinaryLogSuffix,
		ExportedLogSuffix:  tr.ExportedLogSuffix,
		BaselineConfigPath: tr.BaselineConfigPath,
		DownloadURL:        tr.DownloadURL,
		ToolsDir:           tr.ToolsDir,
		Filter:             c.Tracer.Filter,
	}

	setDefault(&c.Logging.Level, DefaultLogLevel)
}

func (m *Machine) applyDefaults() {
	setDefault(&m.SSH.Host, m.IP)
	setDefault(&m.SSH.User, m.User)
	if m.SSH.Port == 0 {
		m.SSH.Port = DefaultSSHPort
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Guests) == 0 {
		errs = append(errs, errors.New("at least one guest is required"))
	}

	seen := make(map[string]struct{})
	check := func(kind string, m Machine) {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", kind))
		}
		if _, ok := seen[m.Name]; ok {
			errs = append(errs, fmt.Errorf("%s %q: duplicate name", kind, m.Name))
		}
		seen[m.Name] = struct{}{}
		if ip := net.ParseIP(m.IP); ip == nil || ip.To4() == nil {
			errs = append(errs, fmt.Errorf("%s %q: ip %q is not an IPv4 address", kind, m.Name, m.IP))
		}
		if m.User == "" {
			errs = append(errs, fmt.Errorf("%s %q: user is required", kind, m.Name))
		}
		if m.SSH.Password == "" && m.SSH.PrivateKeyPath == "" {
			errs = append(errs, fmt.Errorf("%s %q: ssh password or privateKeyPath is required", kind, m.Name))
		}
	}

	if c.Router != nil {
		check("router", *c.Router)
	}
	for _, m := range c.Guests {
		check("guest", m)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Guest returns the guest named name.
func (c *Config) Guest(name string) (Machine, error) {
	for _, m := range c.Guests {
		if m.Name == name {
			return m, nil
		}
	}
	return Machine{}, fmt.Errorf("%w: unknown guest %q", ErrInvalidConfig, name)
}

func (c *Config) RouteConfig() network.RouteConfig {
	return network.RouteConfig{
		AdapterAlias:       c.Network.AdapterAlias,
		AdapterDescription: c.Network.AdapterDescription,
		PrefixLength:       c.Network.PrefixLength,
		ProvisioningSubnet: c.Network.ProvisioningSubnet,
		RouteNetwork:       c.Network.RouteNetwork,
		RouteMask:          c.Network.RouteMask,
	}
}

func (c *Config) TrustConfig() guest.TrustConfig {
	return guest.TrustConfig{
		Dir:      c.Trust.Dir,
		CertFile: c.Trust.CertFile,
		CRLFile:  c.Trust.CRLFile,
	}
}

func (c *Config) TracerConfig() apitrace.Config {
	return apitrace.Config{
		ProcmonPath:        c.Tracer.ProcmonPath,
		TempDir:            c.Tracer.TempDir,
		BackingFile:        c.Tracer.BackingFile,
		ExportFile:         c.Tracer.ExportFile,
		RemoteConfigPath:   c.Tracer.RemoteConfigPath,
		BinaryLogSuffix:    c.Tracer.BinaryLogSuffix,
		ExportedLogSuffix:  c.Tracer.ExportedLogSuffix,
		BaselineConfigPath: c.Tracer.BaselineConfigPath,
		DownloadURL:        c.Tracer.DownloadURL,
		ToolsDir:           c.Tracer.ToolsDir,
	}
}

func setDefault(field *string, v string) {
	if *field == "" {
		*field = v
	}
}
