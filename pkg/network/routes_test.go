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

package network

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alexandremahdhaoui/cvex/internal/util/fakes/guestfake"
	"github.com/alexandremahdhaoui/cvex/pkg/faults"
	"github.com/alexandremahdhaoui/cvex/pkg/guest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const routePrint = `===========================================================================
Interface List
  6...08 00 27 8d c0 4d ......Intel(R) PRO/1000 MT Desktop Adapter
 12...08 00 27 4e 1c 9d ......Intel(R) PRO/1000 MT Desktop Adapter #2
  1...........................Software Loopback Interface 1
===========================================================================

IPv4 Route Table
===========================================================================
Active Routes:
Network Destination        Netmask          Gateway       Interface  Metric
          0.0.0.0          0.0.0.0         10.0.2.2        10.0.2.15     25
        127.0.0.0        255.0.0.0         On-link         127.0.0.1    331
===========================================================================
`

const routePrintNoSecondAdapter = `===========================================================================
Interface List
  6...08 00 27 8d c0 4d ......Intel(R) PRO/1000 MT Desktop Adapter
  1...........................Software Loopback Interface 1
===========================================================================
`

func TestParseAdapterIndex(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		adapter     string
		expected    int
		expectedErr error
	}{
		{
			name:     "secondary adapter",
			text:     routePrint,
			adapter:  DefaultAdapterDescription,
			expected: 12,
		},
		{
			name:     "primary adapter is not confused with the secondary one",
			text:     strings.Replace(routePrint, " 12...", " 7...", 1),
			adapter:  DefaultAdapterDescription,
			expected: 7,
		},
		{
			name:     "uppercase mac",
			text:     " 23...08 00 27 AE 1C 9D ......Intel(R) PRO/1000 MT Desktop Adapter #2\n",
			adapter:  DefaultAdapterDescription,
			expected: 23,
		},
		{
			name:        "adapter missing",
			text:        routePrintNoSecondAdapter,
			adapter:     DefaultAdapterDescription,
			expectedErr: faults.ErrFatalProvisioning,
		},
		{
			name:        "empty text",
			text:        "",
			adapter:     DefaultAdapterDescription,
			expectedErr: ErrAdapterNotFound,
		},
		{
			name:        "empty adapter description",
			text:        routePrint,
			adapter:     "",
			expectedErr: ErrAdapterNameEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index, err := ParseAdapterIndex(tt.text, tt.adapter)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, index)
		})
	}
}

func newVM(fake *guestfake.Fake) guest.VM {
	return guest.VM{Name: "victim", IP: "192.168.56.3", Role: guest.RoleGuest, User: "vagrant", Exec: fake}
}

func TestConfigurator_Configure(t *testing.T) {
	fake := guestfake.New().Reply("route print", routePrint)
	c := NewConfigurator(DefaultRouteConfig())

	entry, err := c.Configure(context.Background(), newVM(fake), "192.168.56.2")
	require.NoError(t, err)

	assert.Equal(t, RouteEntry{
		Destination:  "192.168.56.0",
		Mask:         "255.255.255.0",
		Gateway:      "192.168.56.2",
		AdapterIndex: 12,
	}, entry)
	assert.Equal(t, []string{
		`powershell "Get-NetAdapter -Name 'Ethernet 2' | New-NetIPAddress -IPAddress 192.168.56.3 -DefaultGateway 192.168.56.2 -PrefixLength 24"`,
		"route DELETE 192.168.56.0",
		"route print",
		"route ADD 192.168.56.0 MASK 255.255.255.0 192.168.56.2 if 12",
	}, fake.Commands())
}

// TestConfigurator_AdapterAlreadyConfigured verifies that a failing address assignment
// does not stop the route replacement.
func TestConfigurator_AdapterAlreadyConfigured(t *testing.T) {
	fake := guestfake.New().
		Fail("powershell", errors.New("New-NetIPAddress : Instance MSFT_NetIPAddress already exists")).
		Reply("route print", routePrint)

	entry, err := NewConfigurator(DefaultRouteConfig()).Configure(context.Background(), newVM(fake), "192.168.56.2")
	require.NoError(t, err)
	assert.Equal(t, 12, entry.AdapterIndex)
	assert.Contains(t, fake.Commands(), "route ADD 192.168.56.0 MASK 255.255.255.0 192.168.56.2 if 12")
}

func TestConfigurator_UnknownRoutingTable(t *testing.T) {
	fake := guestfake.New().Reply("route print", routePrintNoSecondAdapter)

	_, err := NewConfigurator(DefaultRouteConfig()).Configure(context.Background(), newVM(fake), "192.168.56.2")

	require.Error(t, err)
	assert.True(t, faults.IsFatal(err))
	for _, cmd := range fake.Commands() {
		assert.False(t, strings.HasPrefix(cmd, "route ADD"), "no route may be added: %s", cmd)
	}
}

func TestConfigurator_RouteDeleteFails(t *testing.T) {
	fake := guestfake.New().Fail("route DELETE", errors.New("exit status 1"))

	_, err := NewConfigurator(DefaultRouteConfig()).Configure(context.Background(), newVM(fake), "192.168.56.2")

	assert.ErrorIs(t, err, faults.ErrRemoteIO)
	assert.NotContains(t, fake.Commands(), "route print")
}

func TestConfigurator_Validation(t *testing.T) {
	fake := guestfake.New()
	c := NewConfigurator(DefaultRouteConfig())

	_, err := c.Configure(context.Background(), newVM(fake), "router")
	assert.ErrorIs(t, err, ErrInvalidGateway)

	vm := newVM(fake)
	vm.IP = ""
	_, err = c.Configure(context.Background(), vm, "192.168.56.2")
	assert.ErrorIs(t, err, ErrInvalidGuestIP)

	assert.Empty(t, fake.Commands())
}
