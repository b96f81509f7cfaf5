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

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"sre.dev/sre/pkg/gpa"
	"sre.dev/sre/pkg/sre/hook"
	"sre.dev/sre/pkg/sre/intercept"
	"sre.dev/sre/pkg/sre/metadata"
	"sre.dev/sre/srectl/cmd/util"
	"sre.dev/sre/srectl/config"
	"sre.dev/sre/srectl/flag"
)

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct {
	addr string
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "walk one address through the SRE life cycle and check every step"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario [-gpa=<address>] - runs a first fault, an SRE-only fault, a fault
with nothing owed and a zapped fault owing both obligations on one address,
printing each step. Exits with failure if any step misbehaves.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scenario) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.addr, "gpa", "0x1000", "guest physical address to use.")
}

// emulationCounter counts emulations.
type emulationCounter struct {
	n int
}

// EmulateSRE implements intercept.Emulator.EmulateSRE.
func (c *emulationCounter) EmulateSRE(intercept.VCPU, gpa.Addr) {
	c.n++
}

// scenarioStep is one step of the scenario. before runs ahead of the fault.
type scenarioStep struct {
	name       string
	before     func(g *guest, addr gpa.Addr) error
	outcome    hook.Outcome
	emulations int
	state      metadata.State
}

var scenarioSteps = []scenarioStep{
	{
		name:    "first fault",
		outcome: hook.OutcomeResolved,
		state:   metadata.StateNone,
	},
	{
		name: "classified as SRE",
		before: func(g *guest, addr gpa.Addr) error {
			return g.ic.ArmSRE(addr)
		},
		outcome:    hook.OutcomeEmulated,
		emulations: 1,
		state:      metadata.StateNone,
	},
	{
		name:       "nothing owed",
		outcome:    hook.OutcomeResolved,
		emulations: 1,
		state:      metadata.StateNone,
	},
	{
		name: "classified as SRE, then zapped",
		before: func(g *guest, addr gpa.Addr) error {
			if err := g.ic.ArmSRE(addr); err != nil {
				return err
			}
			g.path.ZapFrames(gpa.FrameRange{Start: addr.ToGFN(), End: addr.ToGFN() + 1})
			return nil
		},
		outcome:    hook.OutcomeResolvedEmulated,
		emulations: 2,
		state:      metadata.StateNone,
	},
}

// Execute implements subcommands.Command.Execute.
func (s *Scenario) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	addr, err := gpa.ParseAddr(s.addr)
	if err != nil {
		return util.Errorf("%v", err)
	}

	emu := &emulationCounter{}
	g := newGuest(conf, emu)
	defer g.teardown()

	failed := 0
	for i, step := range scenarioSteps {
		if err := runStep(g, emu, addr, &step); err != nil {
			fmt.Fprintf(os.Stdout, "%d. %s: FAIL: %v\n", i+1, step.name, err)
			failed++
			continue
		}
		fmt.Fprintf(os.Stdout, "%d. %s: %v, %d emulations, state %v\n", i+1, step.name, step.outcome, step.emulations, step.state)
	}
	if failed > 0 {
		return util.Errorf("%d of %d scenario steps failed", failed, len(scenarioSteps))
	}
	util.Infof("All %d scenario steps passed for GPA=%v", len(scenarioSteps), addr)
	return subcommands.ExitSuccess
}

func runStep(g *guest, emu *emulationCounter, addr gpa.Addr, step *scenarioStep) error {
	if step.before != nil {
		if err := step.before(g, addr); err != nil {
			return err
		}
	}
	outcome, err := g.path.HandleFault(0, addr)
	if err != nil {
		return err
	}
	if outcome != step.outcome {
		return fmt.Errorf("outcome %v, want %v", outcome, step.outcome)
	}
	if emu.n != step.emulations {
		return fmt.Errorf("%d emulations, want %d", emu.n, step.emulations)
	}
	state, ok := g.ic.State(addr)
	if !ok {
		return fmt.Errorf("%v is not tracked", addr)
	}
	if state != step.state {
		return fmt.Errorf("state %v, want %v", state, step.state)
	}
	return nil
}
