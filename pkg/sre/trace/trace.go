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

// Package trace loads and replays recorded guest memory events.
//
// A trace is a YAML document listing the events seen by each vCPU:
//
//	vcpus: 2
//	events:
//	  - {vcpu: 0, op: fault, gpa: "0x1000"}
//	  - {vcpu: 1, op: classify, gpa: "0x1000"}
//	  - {vcpu: 0, op: invalidate, start: "0x1", end: "0x2"}
//	  - {vcpu: 0, op: forget, gpa: "0x1000"}
//
// Addresses are strings so that hexadecimal survives YAML tooling. start and
// end are guest frame numbers; end is exclusive.
package trace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gopkg.in/yaml.v3"
	"sre.dev/sre/pkg/gpa"
	"sre.dev/sre/pkg/sre/intercept"
)

// ErrBadEvent is returned for events that cannot be replayed.
var ErrBadEvent = errors.New("bad trace event")

// MaxVCPUs is the largest number of vCPUs a trace may name.
const MaxVCPUs = math.MaxInt16

// Op is the kind of an event.
type Op string

const (
	// OpFault is a guest fault on an address.
	OpFault Op = "fault"

	// OpClassify marks an address as owing an SRE emulation.
	OpClassify Op = "classify"

	// OpInvalidate zaps a range of guest frames.
	OpInvalidate Op = "invalidate"

	// OpForget drops all tracking state for an address.
	OpForget Op = "forget"
)

// Event is a single trace event.
type Event struct {
	VCPU  intercept.VCPU `yaml:"vcpu"`
	Op    Op             `yaml:"op"`
	GPA   string         `yaml:"gpa,omitempty"`
	Start string         `yaml:"start,omitempty"`
	End   string         `yaml:"end,omitempty"`

	addr   gpa.Addr
	frames gpa.FrameRange
}

// Addr returns the parsed address of a fault, classify or forget event.
func (e *Event) Addr() gpa.Addr {
	return e.addr
}

// Frames returns the parsed frame range of an invalidate event.
func (e *Event) Frames() gpa.FrameRange {
	return e.frames
}

// String implements fmt.Stringer.
func (e *Event) String() string {
	if e.Op == OpInvalidate {
		return fmt.Sprintf("%v %s %v", e.VCPU, e.Op, e.frames)
	}
	return fmt.Sprintf("%v %s %v", e.VCPU, e.Op, e.addr)
}

func (e *Event) parse() error {
	switch e.Op {
	case OpFault, OpClassify, OpForget:
		if e.Start != "" || e.End != "" {
			return fmt.Errorf("%w: %s event has a frame range", ErrBadEvent, e.Op)
		}
		if e.GPA == "" {
			return fmt.Errorf("%w: %s event has no gpa", ErrBadEvent, e.Op)
		}
		addr, err := gpa.ParseAddr(e.GPA)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadEvent, err)
		}
		e.addr = addr
	case OpInvalidate:
		if e.GPA != "" {
			return fmt.Errorf("%w: invalidate event has a gpa", ErrBadEvent)
		}
		start, err := gpa.ParseGFN(e.Start)
		if err != nil {
			return fmt.Errorf("%w: start: %v", ErrBadEvent, err)
		}
		end, err := gpa.ParseGFN(e.End)
		if err != nil {
			return fmt.Errorf("%w: end: %v", ErrBadEvent, err)
		}
		e.frames = gpa.FrameRange{Start: start, End: end}
		if !e.frames.WellFormed() {
			return fmt.Errorf("%w: ill-formed frame range %v", ErrBadEvent, e.frames)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrBadEvent, e.Op)
	}
	return nil
}

// Trace is a parsed trace.
type Trace struct {
	// VCPUs is the number of vCPUs in the trace. If zero in the document,
	// it is derived from the highest vCPU in Events.
	VCPUs  int     `yaml:"vcpus"`
	Events []Event `yaml:"events"`
}

// Parse parses and validates a YAML trace.
func Parse(data []byte) (*Trace, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	t := &Trace{}
	if err := dec.Decode(t); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty trace")
		}
		return nil, fmt.Errorf("decoding trace: %w", err)
	}
	if t.VCPUs < 0 || t.VCPUs > MaxVCPUs {
		return nil, fmt.Errorf("invalid vcpus %d, must be in [0, %d]", t.VCPUs, MaxVCPUs)
	}

	derive := t.VCPUs == 0
	for i := range t.Events {
		e := &t.Events[i]
		if e.VCPU < 0 || int(e.VCPU) >= MaxVCPUs || (!derive && int(e.VCPU) >= t.VCPUs) {
			return nil, fmt.Errorf("event %d: %w: %v out of range for %d vCPUs", i, ErrBadEvent, e.VCPU, t.VCPUs)
		}
		if err := e.parse(); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		if derive && int(e.VCPU) >= t.VCPUs {
			t.VCPUs = int(e.VCPU) + 1
		}
	}
	return t, nil
}

// Load reads and parses the trace at path.
func Load(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
