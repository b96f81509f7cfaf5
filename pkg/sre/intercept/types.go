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

package intercept

import (
	"fmt"

	"sre.dev/sre/pkg/gpa"
)

// VCPU identifies the virtual CPU that raised a fault.
type VCPU int32

// String implements fmt.Stringer.String.
func (v VCPU) String() string {
	return fmt.Sprintf("vCPU%d", int32(v))
}

// Verdict is the pre-fault decision about the underlying fault resolver.
type Verdict int

const (
	// Proceed means the ordinary resolver must run for this fault.
	Proceed Verdict = iota

	// Suppress means the fault was fully handled by emulation and the
	// ordinary resolver must be skipped.
	Suppress
)

// Handled returns true if the fault needs no further resolution.
func (v Verdict) Handled() bool {
	return v == Suppress
}

// String implements fmt.Stringer.String.
func (v Verdict) String() string {
	switch v {
	case Proceed:
		return "proceed"
	case Suppress:
		return "suppress"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Emulator runs SRE emulation for one fault. Its effect on guest state is
// opaque to the interceptor.
//
// EmulateSRE is called from fault context and must not block.
type Emulator interface {
	EmulateSRE(vcpu VCPU, addr gpa.Addr)
}

// EmulatorFunc adapts a function to the Emulator interface.
type EmulatorFunc func(vcpu VCPU, addr gpa.Addr)

// EmulateSRE implements Emulator.EmulateSRE.
func (f EmulatorFunc) EmulateSRE(vcpu VCPU, addr gpa.Addr) {
	f(vcpu, addr)
}

// NopEmulator is an Emulator that does nothing.
type NopEmulator struct{}

// EmulateSRE implements Emulator.EmulateSRE.
func (NopEmulator) EmulateSRE(VCPU, gpa.Addr) {}
