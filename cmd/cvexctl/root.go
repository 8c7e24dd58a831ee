package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alexandremahdhaoui/cvex/internal/config"
	"github.com/alexandremahdhaoui/cvex/internal/metrics"
	"github.com/alexandremahdhaoui/cvex/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/cvex/internal/util/httputil"
	"github.com/alexandremahdhaoui/cvex/internal/util/logging"
	"github.com/alexandremahdhaoui/cvex/internal/util/ssh"
	"github.com/alexandremahdhaoui/cvex/pkg/execcontext"
	"github.com/alexandremahdhaoui/cvex/pkg/guest"
	"github.com/spf13/cobra"
)

// app holds the state shared by every subcommand.
type app struct {
	gs *gracefulshutdown.GracefulShutdown

	configPath string
	timeout    time.Duration
	dev        bool

	cfg     *config.Config
	metrics *metrics.Metrics
}

func newRootCommand(gs *gracefulshutdown.GracefulShutdown) *cobra.Command {
	a := &app{gs: gs}

	root := &cobra.Command{
		Use:           Name,
		Short:         "Provision Windows guests behind an intercepting router and trace their API calls",
		Version:       fmt.Sprintf("%s (%s) %s", Version, CommitSHA, BuildTimestamp),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		fmt.Sprintf("path to the configuration file (defaults to $%s)", config.ConfigPathEnvKey))
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 0, "abort the command after this duration (0 disables)")
	root.PersistentFlags().BoolVar(&a.dev, "dev", false, "human-readable debug logs")

	root.AddCommand(
		newInitCommand(a),
		newInventoryCommand(a),
		newTraceCommand(a),
		newRunCommand(a),
	)
	return root
}

// setup loads the configuration, configures logging and metrics, and bounds the
// command context by --timeout.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	opts := logging.DefaultOptions()
	if opts.Level, err = logging.ParseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	opts.Development = cfg.Logging.Development
	if a.dev {
		opts.Development = true
		opts.Level = slog.LevelDebug
	}
	log := logging.Setup(opts)

	ctx := logging.IntoContext(cmd.Context(), log)
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		a.gs.OnShutdown(func(context.Context) { cancel() })
	}
	cmd.SetContext(ctx)

	a.metrics = metrics.New()
	if cfg.Metrics.Port != 0 {
		httputil.Serve("metrics", a.metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path), a.gs)
	}

	return nil
}

// machine connects to a configured VM. Windows guests get cmd.exe quoting.
func (a *app) machine(m config.Machine, role guest.Role) (guest.VM, error) {
	opts := []ssh.Option{}
	if m.SSH.Password != "" {
		opts = append(opts, ssh.WithPassword(m.SSH.Password))
	}
	if m.SSH.PrivateKeyPath != "" {
		key, err := ssh.ReadPrivateKey(m.SSH.PrivateKeyPath)
		if err != nil {
			return guest.VM{}, err
		}
		opts = append(opts, ssh.WithPrivateKey(key))
	}
	if role == guest.RoleGuest {
		opts = append(opts, ssh.WithExecContext(execcontext.NewWindows(nil)))
	} else {
		opts = append(opts, ssh.WithExecContext(execcontext.New(nil, nil)))
	}

	client, err := ssh.NewClient(m.SSH.Host, m.SSH.User, strconv.Itoa(m.SSH.Port), opts...)
	if err != nil {
		return guest.VM{}, fmt.Errorf("%s: %w", m.Name, err)
	}

	return guest.VM{
		Name: m.Name,
		IP:   m.IP,
		Role: role,
		User: m.User,
		Exec: client,
	}, nil
}

// group connects to the router, when configured, and to every guest.
func (a *app) group() ([]guest.VM, error) {
	vms := make([]guest.VM, 0, len(a.cfg.Guests)+1)
	if a.cfg.Router != nil {
		vm, err := a.machine(*a.cfg.Router, guest.RoleRouter)
		if err != nil {
			return nil, err
		}
		vms = append(vms, vm)
	}
	for _, m := range a.cfg.Guests {
		vm, err := a.machine(m, guest.RoleGuest)
		if err != nil {
			return nil, err
		}
		vms = append(vms, vm)
	}
	return vms, nil
}

// guest connects to the guest named name.
func (a *app) guest(name string) (guest.VM, error) {
	m, err := a.cfg.Guest(name)
	if err != nil {
		return guest.VM{}, err
	}
	return a.machine(m, guest.RoleGuest)
}
