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

// Package ept provides an in-memory stand-in for a hypervisor's extended page
// table. It resolves faults by mapping the faulting frame and removes
// mappings on zap.
package ept

import (
	"fmt"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"sre.dev/sre/pkg/atomicbitops"
	"sre.dev/sre/pkg/gpa"
	"sre.dev/sre/pkg/sre/intercept"
	"sre.dev/sre/pkg/sync"
)

// DefaultSlots is the default capacity of a Table.
const DefaultSlots = 1 << 16

// Options configures a Table.
type Options struct {
	// Slots is the number of frames the table can map. Zero selects
	// DefaultSlots.
	Slots int

	// Limit is the size of guest memory. Faults at or above it fail with
	// EFAULT. Zero means the whole address space is backed.
	Limit gpa.Addr
}

// Table is a simulated page table mapping guest frames.
type Table struct {
	opts Options

	// resolutions counts successful ResolveFault calls.
	resolutions atomicbitops.Uint64

	mu sync.Mutex

	// +checklocks:mu
	frames *btree.BTreeG[gpa.GFN]
}

// New returns an empty table.
func New(opts Options) *Table {
	if opts.Slots <= 0 {
		opts.Slots = DefaultSlots
	}
	return &Table{
		opts:   opts,
		frames: btree.NewOrderedG[gpa.GFN](32),
	}
}

// ResolveFault implements hook.Resolver.ResolveFault. A frame that is
// already mapped resolves successfully.
func (t *Table) ResolveFault(vcpu intercept.VCPU, addr gpa.Addr) error {
	if mem := (gpa.Range{End: t.opts.Limit}); t.opts.Limit != 0 && !mem.Contains(addr) {
		return fmt.Errorf("%v: %v is outside guest memory %v: %w", vcpu, addr, mem, unix.EFAULT)
	}
	gfn := addr.ToGFN()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.frames.Has(gfn) {
		if t.frames.Len() >= t.opts.Slots {
			return fmt.Errorf("%v: mapping %v with %d frames mapped: %w", vcpu, gfn, t.frames.Len(), unix.ENOMEM)
		}
		t.frames.ReplaceOrInsert(gfn)
	}
	t.resolutions.Add(1)
	return nil
}

// Zap implements hook.Zapper.Zap.
func (t *Table) Zap(fr gpa.FrameRange) int {
	if !fr.WellFormed() || fr.Length() == 0 {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var zapped []gpa.GFN
	t.frames.AscendRange(fr.Start, fr.End, func(gfn gpa.GFN) bool {
		zapped = append(zapped, gfn)
		return true
	})
	for _, gfn := range zapped {
		t.frames.Delete(gfn)
	}
	return len(zapped)
}

// Mapped returns true if the frame containing addr is mapped.
func (t *Table) Mapped(addr gpa.Addr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames.Has(addr.ToGFN())
}

// Len returns the number of mapped frames.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames.Len()
}

// Resolutions returns the number of successful ResolveFault calls.
func (t *Table) Resolutions() uint64 {
	return t.resolutions.Load()
}
