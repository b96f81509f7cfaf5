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

package metadata

import (
	"sre.dev/sre/pkg/atomicbitops"
	"sre.dev/sre/pkg/gpa"
)

// State is the interception state of one GPA. It is the set of one-shot
// obligations owed to the next fault on that address.
type State uint32

const (
	// EPT is set when the next fault must go to the ordinary resolver.
	EPT State = 1 << iota

	// SRE is set when the next fault owes an emulation callback.
	SRE
)

// Named states.
const (
	StateNone      State = 0
	StateEPT             = EPT
	StateSRE             = SRE
	StateEPTAndSRE       = EPT | SRE
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateEPT:
		return "EPT"
	case StateSRE:
		return "SRE"
	case StateEPTAndSRE:
		return "EPT+SRE"
	default:
		return "INVALID"
	}
}

// Has returns true if all bits of f are set in s.
func (s State) Has(f State) bool {
	return s&f == f
}

// Record is the interception state of one tracked guest physical address.
//
// Records are owned by a Store. A *Record obtained from the store is only
// valid for the duration of the hook invocation that obtained it.
type Record struct {
	// gpa is the key. Immutable.
	gpa gpa.Addr

	// state holds the State bits. Every transition is a single atomic
	// operation, so concurrent faults on one GPA from several vCPUs consume
	// each obligation at most once.
	state atomicbitops.Uint32

	// accesses counts lookups of this record. Advisory only.
	accesses atomicbitops.Uint64
}

func newRecord(addr gpa.Addr) *Record {
	r := &Record{gpa: addr}
	// The first observed fault on a GPA is always an ordinary fault.
	r.state.Store(uint32(StateEPT))
	return r
}

// GPA returns the record's key.
func (r *Record) GPA() gpa.Addr {
	return r.gpa
}

// State returns a snapshot of the record's state.
func (r *Record) State() State {
	return State(r.state.Load())
}

// Accesses returns the number of times the record has been looked up.
func (r *Record) Accesses() uint64 {
	return r.accesses.Load()
}

// Arm sets the bits of f and returns the previous state.
func (r *Record) Arm(f State) State {
	return State(r.state.Or(uint32(f)))
}

// TestAndClear clears the bits of f. It returns true iff all of them were set,
// in which case this call is the one that consumed them.
func (r *Record) TestAndClear(f State) bool {
	for {
		old := r.state.Load()
		if State(old)&f != f {
			return false
		}
		if r.state.CompareAndSwap(old, old&^uint32(f)) {
			return true
		}
	}
}

// ConsumeNext performs the pre-fault transition. It clears the highest
// priority pending obligation and returns it:
//
//	EPT      -> NONE    returns EPT
//	SRE      -> NONE    returns SRE
//	EPT+SRE  -> SRE     returns EPT (SRE stays owed to post-fault)
//	NONE     -> NONE    returns StateNone
func (r *Record) ConsumeNext() State {
	for {
		old := State(r.state.Load())
		var take State
		switch {
		case old.Has(EPT):
			take = EPT
		case old.Has(SRE):
			take = SRE
		default:
			return StateNone
		}
		if r.state.CompareAndSwap(uint32(old), uint32(old&^take)) {
			return take
		}
	}
}

// Reset forces the record into state s. It is meant for tests and for
// classification logic that overwrites rather than adds obligations.
func (r *Record) Reset(s State) {
	r.state.Store(uint32(s))
}

func (r *Record) noteAccess() {
	r.accesses.Add(1)
}
