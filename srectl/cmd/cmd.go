// Copyright 2026 The gVisor Authors.
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

// Package cmd holds implementations of the srectl commands.
package cmd

import (
	"sre.dev/sre/pkg/gpa"
	"sre.dev/sre/pkg/log"
	"sre.dev/sre/pkg/sre/ept"
	"sre.dev/sre/pkg/sre/hook"
	"sre.dev/sre/pkg/sre/intercept"
	"sre.dev/sre/pkg/sre/metadata"
	"sre.dev/sre/srectl/config"
)

// guest is a simulated guest: an interceptor in front of a simulated page
// table.
type guest struct {
	store *metadata.Store
	table *ept.Table
	ic    *intercept.Interceptor
	path  *hook.Path
}

// newGuest builds a guest as configured by conf. emu may be nil, in which case
// emulations are only logged.
func newGuest(conf *config.Config, emu intercept.Emulator) *guest {
	faultLog := conf.FaultLogger()
	if emu == nil {
		emu = intercept.EmulatorFunc(func(vcpu intercept.VCPU, addr gpa.Addr) {
			faultLog.Debugf("SRE: %v emulating access to GPA=%v", vcpu, addr)
		})
	}
	g := &guest{
		store: metadata.NewStore(conf.StoreOptions()),
		table: ept.New(conf.EPTOptions()),
	}
	g.ic = intercept.New(g.store, emu, intercept.Options{Logger: faultLog})
	g.path = hook.NewPath(g.ic, g.table, hook.Options{Logger: faultLog})
	return g
}

// teardown releases all tracking state.
func (g *guest) teardown() {
	n := g.store.Teardown()
	log.Debugf("Released %d tracked addresses, %d frames were mapped", n, g.table.Len())
}
