package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"

	"github.com/alexandremahdhaoui/cvex/pkg/faults"
	"github.com/alexandremahdhaoui/cvex/pkg/guest"
	"github.com/alexandremahdhaoui/cvex/pkg/remote"
	"github.com/go-logr/logr"
)

var (
	ErrInvalidGateway   = errors.New("gateway must be an IPv4 address")
	ErrAdapterNotFound  = errors.New("adapter not found in routing table")
	ErrInvalidGuestIP   = errors.New("guest IP must be an IPv4 address")
	ErrAdapterNameEmpty = errors.New("adapter description is required")
)

const (
	DefaultAdapterAlias       = "Ethernet 2"
	DefaultAdapterDescription = "Intel(R) PRO/1000 MT Desktop Adapter #2"
	DefaultPrefixLength       = 24
	DefaultProvisioningSubnet = "192.168.56.0"
	DefaultRouteNetwork       = "192.168.56.0"
	DefaultRouteMask          = "255.255.255.0"
)

// RouteConfig describes how a guest is re-homed behind the router.
type RouteConfig struct {
	// AdapterAlias is the interface name given to Get-NetAdapter, e.g. "Ethernet 2".
	AdapterAlias string
	// AdapterDescription is the interface description printed by `route print`.
	AdapterDescription string
	PrefixLength       int
	// ProvisioningSubnet is the route left by the provisioning tool, deleted first.
	ProvisioningSubnet string
	RouteNetwork       string
	RouteMask          string
}

// DefaultRouteConfig returns the layout of a VirtualBox host-only network.
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		AdapterAlias:       DefaultAdapterAlias,
		AdapterDescription: DefaultAdapterDescription,
		PrefixLength:       DefaultPrefixLength,
		ProvisioningSubnet: DefaultProvisioningSubnet,
		RouteNetwork:       DefaultRouteNetwork,
		RouteMask:          DefaultRouteMask,
	}
}

// RouteEntry is the static route installed by Configure.
type RouteEntry struct {
	Destination  string
	Mask         string
	Gateway      string
	AdapterIndex int
}

// Configurator forces the egress of Windows guests through a router.
type Configurator struct {
	cfg RouteConfig
}

func NewConfigurator(cfg RouteConfig) *Configurator {
	return &Configurator{cfg: cfg}
}

// Configure assigns vm.IP to the secondary adapter with gatewayIP as default gateway,
// replaces the provisioning route and installs a static route through gatewayIP bound
// to the adapter index read back from the routing table.
//
// The address assignment is best effort: it fails when the adapter already holds the
// address. An unparseable routing table is a faults.ErrFatalProvisioning and no route
// is added in that case.
func (c *Configurator) Configure(ctx context.Context, vm guest.VM, gatewayIP string) (RouteEntry, error) {
	if ip := net.ParseIP(gatewayIP); ip == nil || ip.To4() == nil {
		return RouteEntry{}, fmt.Errorf("%w: %q", ErrInvalidGateway, gatewayIP)
	}
	if ip := net.ParseIP(vm.IP); ip == nil || ip.To4() == nil {
		return RouteEntry{}, fmt.Errorf("%w: %s: %q", ErrInvalidGuestIP, vm.Name, vm.IP)
	}

	log := logr.FromContextOrDiscard(ctx).WithValues("vm", vm.Name, "gateway", gatewayIP)

	assigned := remote.TryRun(ctx, vm.Exec, "powershell", fmt.Sprintf(
		"Get-NetAdapter -Name '%s' | New-NetIPAddress -IPAddress %s -DefaultGateway %s -PrefixLength %d",
		c.cfg.AdapterAlias, vm.IP, gatewayIP, c.cfg.PrefixLength))
	log.V(1).Info("adapter address assignment", "adapter", c.cfg.AdapterAlias, "assigned", assigned)

	if _, err := remote.Run(ctx, vm.Exec, "route", "DELETE", c.cfg.ProvisioningSubnet); err != nil {
		return RouteEntry{}, err
	}

	table, err := remote.Run(ctx, vm.Exec, "route", "print")
	if err != nil {
		return RouteEntry{}, err
	}

	index, err := ParseAdapterIndex(table, c.cfg.AdapterDescription)
	if err != nil {
		return RouteEntry{}, fmt.Errorf("%s: 'route print' returned unknown data: %w", vm.Name, err)
	}

	entry := RouteEntry{
		Destination:  c.cfg.RouteNetwork,
		Mask:         c.cfg.RouteMask,
		Gateway:      gatewayIP,
		AdapterIndex: index,
	}

	if _, err := remote.Run(ctx, vm.Exec, entry.AddCommand()...); err != nil {
		return RouteEntry{}, err
	}

	log.Info("static route installed", "destination", entry.Destination, "mask", entry.Mask,
		"adapterIndex", entry.AdapterIndex)
	return entry, nil
}

// AddCommand returns the `route ADD` invocation installing e.
func (e RouteEntry) AddCommand() []string {
	return []string{
		"route", "ADD", e.Destination,
		"MASK", e.Mask, e.Gateway,
		"if", strconv.Itoa(e.AdapterIndex),
	}
}

// ParseAdapterIndex finds the interface-list line of `route print` describing the
// adapter and returns its index. Such lines look like:
//
//	12...08 00 27 4e 1c 9d ......Intel(R) PRO/1000 MT Desktop Adapter #2
func ParseAdapterIndex(routePrint, adapterDescription string) (int, error) {
	if adapterDescription == "" {
		return 0, ErrAdapterNameEmpty
	}

	re := regexp.MustCompile(`(\d+)\.\.\.(?:[0-9a-fA-F]{2} ){6}\.\.\.\.\.\.` + regexp.QuoteMeta(adapterDescription))
	m := re.FindStringSubmatch(routePrint)
	if m == nil {
		return 0, fmt.Errorf("%w: %w: %q", faults.ErrFatalProvisioning, ErrAdapterNotFound, adapterDescription)
	}

	index, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: invalid adapter index %q: %v", faults.ErrFatalProvisioning, m[1], err)
	}
	return index, nil
}
