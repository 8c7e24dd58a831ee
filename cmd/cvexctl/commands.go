package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/alexandremahdhaoui/cvex/internal/orchestration"
	"github.com/alexandremahdhaoui/cvex/pkg/apitrace"
	"github.com/alexandremahdhaoui/cvex/pkg/execcontext"
	"github.com/alexandremahdhaoui/cvex/pkg/guest"
	"github.com/alexandremahdhaoui/cvex/pkg/network"
	"github.com/alexandremahdhaoui/cvex/pkg/remote"
	"github.com/alexandremahdhaoui/cvex/pkg/vagrant"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

var errVagrantDirRequired = errors.New("vagrantDir is required")

func (a *app) orchestrator() *orchestration.Orchestrator {
	return orchestration.New(
		network.NewConfigurator(a.cfg.RouteConfig()),
		guest.NewHostsSynchronizer(a.cfg.Hosts.Path),
		guest.NewTrustInstaller(a.cfg.TrustConfig()),
		a.metrics,
	)
}

func newInitCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Route every guest through the router, fill hosts tables and install the interception CA",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			vms, err := a.group()
			if err != nil {
				return err
			}

			collector, err := orchestration.NewArtifactCollector(a.cfg.ArtifactDir)
			if err != nil {
				return err
			}

			o := a.orchestrator()
			initErr := o.InitAll(ctx, vms)
			if _, err := collector.WriteTimeline(o.Events()); err != nil {
				return errors.Join(initErr, err)
			}
			return initErr
		},
	}
}

func newInventoryCommand(a *app) *cobra.Command {
	var prefix []string

	cmd := &cobra.Command{
		Use:   "inventory <guest>",
		Short: "Discover the WinRM credentials of a guest and write an Ansible inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.cfg.Guest(args[0])
			if err != nil {
				return err
			}
			if m.VagrantDir == "" {
				return fmt.Errorf("%w: guest %q", errVagrantDirRequired, m.Name)
			}

			creds, err := vagrant.NewDiscoverer(execcontext.New(nil, prefix)).Discover(cmd.Context(), m.VagrantDir)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(a.cfg.ArtifactDir, 0o755); err != nil {
				return err
			}
			path, err := vagrant.WriteInventory(a.cfg.ArtifactDir, m.Name, creds)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&prefix, "prefix", nil, "command prepended to vagrant, e.g. sudo")
	return cmd
}

func newTraceCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Manage the API tracer of a guest",
	}

	controller := func(name string) (*apitrace.Controller, error) {
		vm, err := a.guest(name)
		if err != nil {
			return nil, err
		}
		return apitrace.New(vm, a.cfg.TracerConfig())
	}

	install := &cobra.Command{
		Use:   "install <guest>",
		Short: "Download and unpack the tracer on a guest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := controller(args[0])
			if err != nil {
				return err
			}
			return c.Install(cmd.Context())
		},
	}

	var filter string
	start := &cobra.Command{
		Use:   "start <guest>",
		Short: "Start tracing in the background",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := controller(args[0])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("filter") {
				filter = a.cfg.Tracer.Filter
			}
			if err := c.Start(cmd.Context(), filter); err != nil {
				return err
			}
			a.metrics.TraceSessions.WithLabelValues(args[0], "started").Inc()
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), c.SessionID().String())
			return nil
		},
	}
	start.Flags().StringVar(&filter, "filter", "", "only trace processes whose name contains this string")

	var output string
	stop := &cobra.Command{
		Use:   "stop <guest>",
		Short: "Stop tracing and download the logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := controller(args[0])
			if err != nil {
				return err
			}
			if output == "" {
				output = a.cfg.ArtifactDir
			}

			artifacts, err := c.Stop(cmd.Context(), output)
			a.metrics.TraceSessions.WithLabelValues(args[0], "stopped").Inc()
			printArtifacts(cmd, artifacts)
			return err
		},
	}
	stop.Flags().StringVarP(&output, "output", "o", "", "directory receiving the logs (defaults to artifactDir)")

	cmd.AddCommand(install, start, stop)
	return cmd
}

func newRunCommand(a *app) *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "run [--filter NAME] -- <workload command>...",
		Short: "Initialize every guest, trace them while the workload runs on the first guest, and collect the logs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, workload []string) error {
			ctx := cmd.Context()
			log := logr.FromContextOrDiscard(ctx)

			if !cmd.Flags().Changed("filter") {
				filter = a.cfg.Tracer.Filter
			}

			vms, err := a.group()
			if err != nil {
				return err
			}

			collector, err := orchestration.NewArtifactCollector(a.cfg.ArtifactDir)
			if err != nil {
				return err
			}

			o := a.orchestrator()
			defer func() {
				if path, err := collector.WriteTimeline(o.Events()); err == nil {
					log.Info("timeline written", "path", path)
				}
			}()

			if err := o.InitAll(ctx, vms); err != nil {
				return err
			}

			guests := guest.Guests(vms)
			tracers := make([]orchestration.Tracer, 0, len(guests))
			for _, vm := range guests {
				c, err := apitrace.New(vm, a.cfg.TracerConfig())
				if err != nil {
					return err
				}
				tracers = append(tracers, c)
			}

			target := guests[0]
			artifacts, err := o.Trace(ctx, collector, tracers, filter, func(ctx context.Context) error {
				out, err := remote.Run(ctx, target.Exec, workload...)
				_, _ = fmt.Fprint(cmd.OutOrStdout(), out)
				return err
			})
			for _, t := range tracers {
				printArtifacts(cmd, artifacts[t.VM().Name])
			}
			return err
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "only trace processes whose name contains this string")
	return cmd
}

func printArtifacts(cmd *cobra.Command, artifacts apitrace.Artifacts) {
	for _, p := range []string{artifacts.BinaryLog, artifacts.ExportedLog} {
		if p != "" {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), p)
		}
	}
}
