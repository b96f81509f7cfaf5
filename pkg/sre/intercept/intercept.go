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

// Package intercept implements the SRE interception state machine.
//
// An Interceptor sits on three hook points of the hypervisor's memory
// management:
//
//   - PreFault runs before the ordinary fault resolver and decides whether
//     the resolver runs (Proceed) or the fault is fully emulated (Suppress).
//   - PostFault runs after the resolver, only when it ran, and performs any
//     emulation that was deferred behind the ordinary resolution.
//   - InvalidateRange and InvalidateFrames run when mappings are zapped and
//     re-arm ordinary handling for every tracked address in the range.
//
// Each tracked address carries one-shot obligations (see metadata.State).
// Across a PreFault/PostFault pair the emulator runs exactly once if and only
// if the address owed an SRE emulation when the pair began.
package intercept

import (
	"sre.dev/sre/pkg/atomicbitops"
	"sre.dev/sre/pkg/gpa"
	"sre.dev/sre/pkg/log"
	"sre.dev/sre/pkg/sre/metadata"
)

// Options configures an Interceptor.
type Options struct {
	// Logger receives per-fault diagnostics. Fault hooks can fire at a very
	// high rate, so this is normally a rate limited logger. Defaults to the
	// global logger.
	Logger log.Logger
}

// counters are the interceptor's statistics.
type counters struct {
	preFaults      atomicbitops.Uint64
	postFaults     atomicbitops.Uint64
	proceeded      atomicbitops.Uint64
	suppressed     atomicbitops.Uint64
	preEmulations  atomicbitops.Uint64
	postEmulations atomicbitops.Uint64
	allocFailures  atomicbitops.Uint64
	inconsistent   atomicbitops.Uint64
	invalidated    atomicbitops.Uint64
	rearmed        atomicbitops.Uint64
}

// Stats is a snapshot of an Interceptor's counters.
type Stats struct {
	PreFaults      uint64
	PostFaults     uint64
	Proceeded      uint64
	Suppressed     uint64
	PreEmulations  uint64
	PostEmulations uint64
	AllocFailures  uint64
	Inconsistent   uint64
	Invalidated    uint64
	Rearmed        uint64
}

// Emulations returns the total number of emulation callbacks.
func (s Stats) Emulations() uint64 {
	return s.PreEmulations + s.PostEmulations
}

// Interceptor is the interception state machine. It is safe for concurrent
// use by any number of vCPUs.
type Interceptor struct {
	store *metadata.Store
	emu   Emulator
	log   log.Logger
	c     counters
}

// New returns an Interceptor that keeps its state in store and runs emu for
// SRE emulation.
func New(store *metadata.Store, emu Emulator, opts Options) *Interceptor {
	if emu == nil {
		emu = NopEmulator{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}
	return &Interceptor{
		store: store,
		emu:   emu,
		log:   opts.Logger,
	}
}

// Store returns the metadata store backing i.
func (i *Interceptor) Store() *metadata.Store {
	return i.store
}

// PreFault is invoked before the ordinary fault resolver runs for addr.
//
// If the address owes an ordinary resolution, that obligation is consumed and
// the resolver proceeds; an SRE obligation, if also owed, is left for
// PostFault. If the address owes only an SRE emulation, it is consumed, the
// emulator runs, and the resolver is suppressed. Failure to allocate tracking
// state fails open: the resolver proceeds and no emulation runs.
func (i *Interceptor) PreFault(vcpu VCPU, addr gpa.Addr) Verdict {
	i.c.preFaults.Add(1)
	i.log.Debugf("PRE: %v accessed GPA=%v", vcpu, addr)

	rec, err := i.store.LookupOrCreate(addr)
	if err != nil {
		i.c.allocFailures.Add(1)
		i.c.proceeded.Add(1)
		i.log.Warningf("PRE: %v GPA=%v: skipping SRE interception: %v", vcpu, addr, err)
		return Proceed
	}

	switch rec.ConsumeNext() {
	case metadata.EPT:
		i.c.proceeded.Add(1)
		return Proceed
	case metadata.SRE:
		i.c.preEmulations.Add(1)
		i.c.suppressed.Add(1)
		i.emu.EmulateSRE(vcpu, addr)
		return Suppress
	default:
		// Nothing owed. External classification should not let this
		// happen; letting the real resolver try is always safe.
		i.c.inconsistent.Add(1)
		i.c.proceeded.Add(1)
		i.log.Debugf("PRE: %v GPA=%v: no pending obligation, proceeding", vcpu, addr)
		return Proceed
	}
}

// PostFault is invoked after the ordinary resolver ran for addr. It reports
// whether the emulator ran.
//
// Preconditions: PreFault returned Proceed for this fault and the resolver
// completed.
func (i *Interceptor) PostFault(vcpu VCPU, addr gpa.Addr) bool {
	i.c.postFaults.Add(1)
	i.log.Debugf("POST: %v GPA=%v handled", vcpu, addr)

	rec, ok := i.store.Lookup(addr)
	if !ok {
		return false
	}
	if !rec.TestAndClear(metadata.SRE) {
		return false
	}
	i.c.postEmulations.Add(1)
	i.emu.EmulateSRE(vcpu, addr)
	return true
}

// InvalidateRange re-arms ordinary handling for every tracked address in ar
// and returns how many records were re-armed. Untracked addresses are not
// created.
func (i *Interceptor) InvalidateRange(ar gpa.Range) int {
	n := 0
	i.store.ForEachInRange(ar, func(rec *metadata.Record) bool {
		rec.Arm(metadata.EPT)
		n++
		return true
	})
	i.c.invalidated.Add(uint64(n))
	return n
}

// InvalidateFrames is InvalidateRange for a range of guest frames.
func (i *Interceptor) InvalidateFrames(fr gpa.FrameRange) int {
	if !fr.WellFormed() || fr.Length() == 0 || fr.Start > gpa.MaxGFN {
		return 0
	}
	if ar, ok := fr.ToRange(); ok {
		return i.InvalidateRange(ar)
	}

	// The range reaches the top of the address space, whose end is not
	// representable as an Addr.
	n := 0
	i.store.ForEachFrom(fr.Start.ToAddr(), func(rec *metadata.Record) bool {
		if !fr.Contains(rec.GPA().ToGFN()) {
			return false
		}
		rec.Arm(metadata.EPT)
		n++
		return true
	})
	i.c.invalidated.Add(uint64(n))
	return n
}

// ArmSRE records that the next fault on addr owes an SRE emulation. This is
// the entry point for the classification logic that decides which addresses
// are backed by the alternate store.
func (i *Interceptor) ArmSRE(addr gpa.Addr) error {
	rec, err := i.store.LookupOrCreate(addr)
	if err != nil {
		i.c.allocFailures.Add(1)
		return err
	}
	rec.Arm(metadata.SRE)
	return nil
}

// RearmEPT makes the next fault on a tracked addr go to the ordinary resolver
// again. It returns false if addr is not tracked.
func (i *Interceptor) RearmEPT(addr gpa.Addr) bool {
	rec, ok := i.store.Lookup(addr)
	if !ok {
		return false
	}
	rec.Arm(metadata.EPT)
	i.c.rearmed.Add(1)
	return true
}

// Forget drops all state for addr. The next fault on it is treated as a
// first-ever fault.
func (i *Interceptor) Forget(addr gpa.Addr) bool {
	return i.store.Remove(addr)
}

// State returns the state of addr without creating a record.
func (i *Interceptor) State(addr gpa.Addr) (metadata.State, bool) {
	rec, ok := i.store.Lookup(addr)
	if !ok {
		return metadata.StateNone, false
	}
	return rec.State(), true
}

// Stats returns a snapshot of i's counters.
func (i *Interceptor) Stats() Stats {
	return Stats{
		PreFaults:      i.c.preFaults.Load(),
		PostFaults:     i.c.postFaults.Load(),
		Proceeded:      i.c.proceeded.Load(),
		Suppressed:     i.c.suppressed.Load(),
		PreEmulations:  i.c.preEmulations.Load(),
		PostEmulations: i.c.postEmulations.Load(),
		AllocFailures:  i.c.allocFailures.Load(),
		Inconsistent:   i.c.inconsistent.Load(),
		Invalidated:    i.c.invalidated.Load(),
		Rearmed:        i.c.rearmed.Load(),
	}
}
