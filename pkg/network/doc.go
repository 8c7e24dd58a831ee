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

// Package network re-homes Windows guests behind the router VM.
//
// Vagrant leaves a route to its host-only network that bypasses the router. The
// Configurator removes it and installs a static route through the router, bound to
// the secondary adapter, so that all guest egress can be intercepted.
//
// # Example Usage
//
//	cfg := network.DefaultRouteConfig()
//	entry, err := network.NewConfigurator(cfg).Configure(ctx, vm, router.IP)
//	if faults.IsFatal(err) {
//	    // the routing table did not list the adapter
//	}
//
// # Parsing
//
// ParseAdapterIndex is a pure function over the text printed by `route print`, so it
// can be tested against recorded outputs without a live guest.
package network
