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

// Package guest configures the hosts table and the trust store of Windows guests.
package guest

import (
	"errors"

	"github.com/alexandremahdhaoui/cvex/pkg/remote"
)

// ErrNoRouter indicates that a group of VMs has no router.
var ErrNoRouter = errors.New("no router VM in group")

// Role is the part a VM plays in a test run.
type Role string

const (
	RoleRouter Role = "router"
	RoleGuest  Role = "guest"
)

// VM describes a running machine of the test run. It is owned by the orchestrating
// process and never persisted.
type VM struct {
	Name string
	IP   string
	Role Role
	// User is the login whose home directory holds trust material.
	User string
	Exec remote.Executor
}

// Router returns the first router of vms.
func Router(vms []VM) (VM, error) {
	for _, vm := range vms {
		if vm.Role == RoleRouter {
			return vm, nil
		}
	}
	return VM{}, ErrNoRouter
}

// Guests returns every VM of vms that is not a router.
func Guests(vms []VM) []VM {
	out := make([]VM, 0, len(vms))
	for _, vm := range vms {
		if vm.Role != RoleRouter {
			out = append(out, vm)
		}
	}
	return out
}
