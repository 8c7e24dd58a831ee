package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/cvex/internal/metrics"
	"github.com/alexandremahdhaoui/cvex/pkg/apitrace"
	"github.com/alexandremahdhaoui/cvex/pkg/guest"
	"github.com/alexandremahdhaoui/cvex/pkg/network"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrGuestInitFailed indicates a guest could not be initialized
	ErrGuestInitFailed = errors.New("guest initialization failed")
	// ErrWorkloadFailed indicates the traced workload returned an error
	ErrWorkloadFailed = errors.New("workload failed")
	// ErrNoGuest indicates that there is nothing to initialize or trace
	ErrNoGuest = errors.New("no guest")
)

const (
	StepNetwork    = "network"
	StepHosts      = "hosts"
	StepTrust      = "trust"
	StepTraceStart = "trace_start"
	StepTraceStop  = "trace_stop"
	StepWorkload   = "workload"
)

// NetworkConfigurator routes the traffic of a guest through a gateway.
type NetworkConfigurator interface {
	Configure(ctx context.Context, vm guest.VM, gatewayIP string) (network.RouteEntry, error)
}

// HostsSynchronizer makes peers resolvable from a guest.
type HostsSynchronizer interface {
	Sync(ctx context.Context, vm guest.VM, peers []guest.VM) ([]string, error)
}

// TrustInstaller makes a guest trust the interception CA of a router.
type TrustInstaller interface {
	Install(ctx context.Context, vm guest.VM, router guest.VM) error
}

// Tracer is the trace session of one guest.
type Tracer interface {
	VM() guest.VM
	Start(ctx context.Context, filter string) error
	Stop(ctx context.Context, outputDir string) (apitrace.Artifacts, error)
}

// Workload is the action traced by Trace.
type Workload func(ctx context.Context) error

// Event is a step of a run, written to the timeline.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	VMName    string    `json:"vm,omitempty"`
	EventType string    `json:"event"`
	Details   string    `json:"details,omitempty"`
}

// DefaultCollectTimeout bounds the collection of traces after the workload.
const DefaultCollectTimeout = 2 * time.Minute

// Orchestrator initializes guests and drives trace sessions around a workload.
type Orchestrator struct {
	network NetworkConfigurator
	hosts   HostsSynchronizer
	trust   TrustInstaller
	metrics *metrics.Metrics

	collectTimeout time.Duration

	mu     sync.Mutex
	events []Event
}

func New(n NetworkConfigurator, h HostsSynchronizer, t TrustInstaller, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		network: n,
		hosts:   h,
		trust:   t,
		metrics: m,
		events:  make([]Event, 0),

		collectTimeout: DefaultCollectTimeout,
	}
}

// SetCollectTimeout changes how long Trace waits for the tracers to stop and their
// logs to be downloaded.
func (o *Orchestrator) SetCollectTimeout(d time.Duration) {
	o.collectTimeout = d
}

// InitGuest re-homes vm behind router, makes every VM of group resolvable from it and
// installs the interception CA. Without router, only the hosts table is synchronized.
func (o *Orchestrator) InitGuest(ctx context.Context, vm guest.VM, group []guest.VM, router *guest.VM) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("vm", vm.Name)
	o.RecordEvent(vm.Name, "init_start", "")

	if router != nil {
		err := o.step(vm.Name, StepNetwork, func() error {
			entry, err := o.network.Configure(ctx, vm, router.IP)
			if err == nil {
				log.Info("routed through router", "router", router.Name, "adapterIndex", entry.AdapterIndex)
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrGuestInitFailed, o.fail(vm.Name, StepNetwork, err))
		}
	}

	err := o.step(vm.Name, StepHosts, func() error {
		appended, err := o.hosts.Sync(ctx, vm, group)
		o.metrics.HostsEntries.WithLabelValues(vm.Name).Add(float64(len(appended)))
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGuestInitFailed, o.fail(vm.Name, StepHosts, err))
	}

	if router != nil {
		if err := o.step(vm.Name, StepTrust, func() error {
			return o.trust.Install(ctx, vm, *router)
		}); err != nil {
			return fmt.Errorf("%w: %w", ErrGuestInitFailed, o.fail(vm.Name, StepTrust, err))
		}
	}

	o.RecordEvent(vm.Name, "init_success", "")
	return nil
}

// InitAll initializes every guest of vms in parallel. The first failure cancels the
// other initializations.
func (o *Orchestrator) InitAll(ctx context.Context, vms []guest.VM) error {
	guests := guest.Guests(vms)
	if len(guests) == 0 {
		return ErrNoGuest
	}

	var router *guest.VM
	if r, err := guest.Router(vms); err == nil {
		router = &r
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, vm := range guests {
		vm := vm
		g.Go(func() error {
			return o.InitGuest(ctx, vm, vms, router)
		})
	}

	if err := g.Wait(); err != nil {
		o.RecordEvent("", "init_all_failed", err.Error())
		return err
	}

	o.RecordEvent("", "init_all_success", fmt.Sprintf("initialized %d guests", len(guests)))
	return nil
}

// Trace starts every tracer, runs workload and stops every started tracer through
// collector, whether the workload succeeded or not.
func (o *Orchestrator) Trace(
	ctx context.Context,
	collector *ArtifactCollector,
	tracers []Tracer,
	filter string,
	workload Workload,
) (map[string]apitrace.Artifacts, error) {
	if len(tracers) == 0 {
		return nil, ErrNoGuest
	}

	started := make([]Tracer, 0, len(tracers))
	var errs []error

	for _, t := range tracers {
		name := t.VM().Name
		err := o.step(name, StepTraceStart, func() error { return t.Start(ctx, filter) })
		if err != nil {
			errs = append(errs, o.fail(name, StepTraceStart, err))
			break
		}
		o.metrics.TraceSessions.WithLabelValues(name, "started").Inc()
		started = append(started, t)
	}

	if len(errs) == 0 {
		err := o.step("", StepWorkload, func() error { return workload(ctx) })
		if err != nil {
			errs = append(errs, o.fail("", StepWorkload, fmt.Errorf("%w: %w", ErrWorkloadFailed, err)))
		}
	}

	start := time.Now()
	// Tracers are stopped even when ctx was cancelled during the workload.
	collectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.collectTimeout)
	defer cancel()
	artifacts, err := collector.CollectTraces(collectCtx, started)
	for _, t := range started {
		name := t.VM().Name
		o.metrics.TraceSessions.WithLabelValues(name, "stopped").Inc()
		o.RecordEvent(name, "trace_stopped", artifacts[name].BinaryLog)
	}
	if err != nil {
		errs = append(errs, err)
	}
	o.metrics.ObserveStep("", StepTraceStop, start, err)

	return artifacts, errors.Join(errs...)
}

// step runs fn and records its outcome.
func (o *Orchestrator) step(vmName, step string, fn func() error) error {
	start := time.Now()
	err := fn()
	o.metrics.ObserveStep(vmName, step, start, err)
	if err == nil {
		o.RecordEvent(vmName, step+"_success", "")
	}
	return err
}

func (o *Orchestrator) fail(vmName, step string, err error) error {
	o.RecordEvent(vmName, step+"_failed", err.Error())
	if vmName == "" {
		return err
	}
	return fmt.Errorf("%s: %s: %w", vmName, step, err)
}

// RecordEvent appends an event to the timeline.
func (o *Orchestrator) RecordEvent(vmName, eventType, details string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, Event{
		Timestamp: time.Now(),
		VMName:    vmName,
		EventType: eventType,
		Details:   details,
	})
}

// Events returns a copy of the recorded events.
func (o *Orchestrator) Events() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Event, len(o.events))
	copy(out, o.events)
	return out
}
