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

// Package hook attaches an Interceptor to a fault resolution backend.
//
// A Path mirrors the hypervisor's fault and zap entry points: each fault runs
// the pre-fault hook, then the backend resolver if the hook let it proceed,
// then the post-fault hook. Zaps run the invalidation hook before the backend
// unmaps anything.
package hook

import (
	"fmt"

	"sre.dev/sre/pkg/gpa"
	"sre.dev/sre/pkg/log"
	"sre.dev/sre/pkg/sre/intercept"
)

// Resolver is the ordinary fault resolver.
type Resolver interface {
	// ResolveFault installs a mapping for addr.
	ResolveFault(vcpu intercept.VCPU, addr gpa.Addr) error
}

// Zapper removes mappings.
type Zapper interface {
	// Zap removes mappings for frames in fr and returns how many were
	// removed.
	Zap(fr gpa.FrameRange) int
}

// Backend is a Resolver that can also remove mappings.
type Backend interface {
	Resolver
	Zapper
}

// Outcome describes how a fault was handled.
type Outcome int

const (
	// OutcomeResolved means the resolver ran and nothing was emulated.
	OutcomeResolved Outcome = iota

	// OutcomeResolvedEmulated means the resolver ran and the deferred
	// emulation ran after it.
	OutcomeResolvedEmulated

	// OutcomeEmulated means the resolver was suppressed and the fault was
	// emulated.
	OutcomeEmulated

	// OutcomeFailed means the resolver returned an error.
	OutcomeFailed
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeResolvedEmulated:
		return "resolved+emulated"
	case OutcomeEmulated:
		return "emulated"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Emulated returns true if the emulator ran for this outcome.
func (o Outcome) Emulated() bool {
	return o == OutcomeResolvedEmulated || o == OutcomeEmulated
}

// Options configures a Path.
type Options struct {
	// Logger receives resolver failures. Defaults to the global logger.
	Logger log.Logger
}

// Path is the fault path of one guest: an Interceptor in front of a Backend.
type Path struct {
	ic      *intercept.Interceptor
	backend Backend
	log     log.Logger
}

// NewPath returns a Path that runs ic around backend.
func NewPath(ic *intercept.Interceptor, backend Backend, opts Options) *Path {
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}
	return &Path{ic: ic, backend: backend, log: opts.Logger}
}

// Interceptor returns the interceptor on p.
func (p *Path) Interceptor() *intercept.Interceptor {
	return p.ic
}

// HandleFault handles a guest fault on addr from vcpu.
//
// If the resolver fails, ordinary handling is re-armed for addr so the retried
// fault reaches the resolver again, and the post-fault hook does not run. Any
// SRE emulation owed by addr stays owed.
func (p *Path) HandleFault(vcpu intercept.VCPU, addr gpa.Addr) (Outcome, error) {
	if p.ic.PreFault(vcpu, addr).Handled() {
		return OutcomeEmulated, nil
	}
	if err := p.backend.ResolveFault(vcpu, addr); err != nil {
		p.ic.RearmEPT(addr)
		p.log.Warningf("%v GPA=%v: fault resolution failed: %v", vcpu, addr, err)
		return OutcomeFailed, fmt.Errorf("resolving fault on %v: %w", addr, err)
	}
	if p.ic.PostFault(vcpu, addr) {
		return OutcomeResolvedEmulated, nil
	}
	return OutcomeResolved, nil
}

// ZapFrames removes the mappings for fr. Tracked addresses in fr are re-armed
// before the backend unmaps them, so a fault racing with the zap always goes
// back to the resolver.
func (p *Path) ZapFrames(fr gpa.FrameRange) (rearmed, zapped int) {
	rearmed = p.ic.InvalidateFrames(fr)
	zapped = p.backend.Zap(fr)
	p.log.Debugf("ZAP: %v: re-armed %d records, unmapped %d frames", fr, rearmed, zapped)
	return rearmed, zapped
}
