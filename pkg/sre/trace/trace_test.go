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

package trace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"sre.dev/sre/pkg/gpa"
	"sre.dev/sre/pkg/log"
	"sre.dev/sre/pkg/sre/ept"
	"sre.dev/sre/pkg/sre/hook"
	"sre.dev/sre/pkg/sre/intercept"
	"sre.dev/sre/pkg/sre/metadata"
)

const scenario = `
vcpus: 2
events:
  - {vcpu: 0, op: fault, gpa: "0x1000"}
  - {vcpu: 1, op: classify, gpa: "0x1000"}
  - {vcpu: 0, op: fault, gpa: "0x1000"}
  - {vcpu: 0, op: fault, gpa: "0x1000"}
  - {vcpu: 1, op: classify, gpa: "0x1000"}
  - {vcpu: 1, op: invalidate, start: "0x1", end: "0x2"}
  - {vcpu: 0, op: fault, gpa: "0x1000"}
  - {vcpu: 1, op: forget, gpa: "0x1000"}
  - {vcpu: 1, op: forget, gpa: "4096"}
`

func TestParse(t *testing.T) {
	tr, err := Parse([]byte(scenario))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if tr.VCPUs != 2 {
		t.Errorf("VCPUs = %d, want 2", tr.VCPUs)
	}
	if len(tr.Events) != 9 {
		t.Fatalf("got %d events, want 9", len(tr.Events))
	}
	if got, want := tr.Events[0].Addr(), gpa.Addr(0x1000); got != want {
		t.Errorf("Events[0].Addr() = %v, want %v", got, want)
	}
	if got, want := tr.Events[8].Addr(), gpa.Addr(0x1000); got != want {
		t.Errorf("Events[8].Addr() = %v, want %v", got, want)
	}
	if got, want := tr.Events[5].Frames(), (gpa.FrameRange{Start: 1, End: 2}); got != want {
		t.Errorf("Events[5].Frames() = %v, want %v", got, want)
	}
}

func TestParseDerivesVCPUs(t *testing.T) {
	tr, err := Parse([]byte(`events: [{vcpu: 3, op: fault, gpa: "0"}]`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if tr.VCPUs != 4 {
		t.Errorf("VCPUs = %d, want 4", tr.VCPUs)
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		doc      string
		badEvent bool
	}{
		{name: "empty", doc: ""},
		{name: "not yaml", doc: "events: ["},
		{name: "unknown field", doc: `events: [{vcpu: 0, op: fault, gpa: "0", size: 3}]`},
		{name: "negative vcpus", doc: `vcpus: -1`},
		{name: "too many vcpus", doc: "vcpus: 2000000000\nevents: [{vcpu: 0, op: fault, gpa: \"0x1000\"}]"},
		{name: "derived vcpus too high", doc: `events: [{vcpu: 2000000000, op: fault, gpa: "0"}]`, badEvent: true},
		{name: "unknown op", doc: `events: [{vcpu: 0, op: read, gpa: "0"}]`, badEvent: true},
		{name: "missing gpa", doc: `events: [{vcpu: 0, op: fault}]`, badEvent: true},
		{name: "bad gpa", doc: `events: [{vcpu: 0, op: fault, gpa: "0xzz"}]`, badEvent: true},
		{name: "fault with range", doc: `events: [{vcpu: 0, op: fault, gpa: "0", start: "1"}]`, badEvent: true},
		{name: "invalidate with gpa", doc: `events: [{vcpu: 0, op: invalidate, gpa: "0", start: "0", end: "1"}]`, badEvent: true},
		{name: "invalidate without end", doc: `events: [{vcpu: 0, op: invalidate, start: "0"}]`, badEvent: true},
		{name: "ill-formed range", doc: `events: [{vcpu: 0, op: invalidate, start: "2", end: "1"}]`, badEvent: true},
		{name: "vcpu out of range", doc: `{vcpus: 1, events: [{vcpu: 1, op: fault, gpa: "0"}]}`, badEvent: true},
		{name: "negative vcpu", doc: `events: [{vcpu: -1, op: fault, gpa: "0"}]`, badEvent: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil {
				t.Fatalf("Parse(%q) succeeded", tc.doc)
			}
			if got := errors.Is(err, ErrBadEvent); got != tc.badEvent {
				t.Errorf("Parse(%q) err = %v, errors.Is(ErrBadEvent) = %v, want %v", tc.doc, err, got, tc.badEvent)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.yaml")
	if err := os.WriteFile(path, []byte(scenario), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	tr, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(tr.Events) != 9 {
		t.Errorf("got %d events, want 9", len(tr.Events))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load of missing file err = %v, want %v", err, os.ErrNotExist)
	}
}

func newTestReplayer(t *testing.T, opts Options) *Replayer {
	logger := &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}}
	ic := intercept.New(metadata.NewStore(metadata.Options{}), nil, intercept.Options{Logger: logger})
	opts.Logger = logger
	return NewReplayer(hook.NewPath(ic, ept.New(ept.Options{}), hook.Options{Logger: logger}), opts)
}

func TestReplaySequential(t *testing.T) {
	tr, err := Parse([]byte(scenario))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	results, summary, err := newTestReplayer(t, Options{Sequential: true}).Run(context.Background(), tr)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	type brief struct {
		Op      Op
		Outcome hook.Outcome
		Rearmed int
		Zapped  int
		Removed bool
	}
	var got []brief
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("event %d failed: %v", r.Index, r.Err)
		}
		got = append(got, brief{r.Event.Op, r.Outcome, r.Rearmed, r.Zapped, r.Removed})
	}
	want := []brief{
		{Op: OpFault, Outcome: hook.OutcomeResolved},
		{Op: OpClassify},
		{Op: OpFault, Outcome: hook.OutcomeEmulated},
		{Op: OpFault, Outcome: hook.OutcomeResolved},
		{Op: OpClassify},
		{Op: OpInvalidate, Rearmed: 1, Zapped: 1},
		{Op: OpFault, Outcome: hook.OutcomeResolvedEmulated},
		{Op: OpForget, Removed: true},
		{Op: OpForget},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	wantSummary := Summary{
		Events:        9,
		Faults:        4,
		Resolved:      3,
		Emulated:      2,
		Classified:    2,
		Invalidations: 1,
		Rearmed:       1,
		Forgotten:     1,
	}
	if diff := cmp.Diff(wantSummary, summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
}

// concurrentTrace gives each vCPU its own page and walks it through an
// ordinary fault, an emulated fault and a zap.
func concurrentTrace(vcpus int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "vcpus: %d\nevents:\n", vcpus)
	for step := 0; step < 6; step++ {
		for v := 0; v < vcpus; v++ {
			gfn := v + 1
			addr := fmt.Sprintf("%#x", gfn<<gpa.PageShift)
			switch step {
			case 0, 2, 5:
				fmt.Fprintf(&sb, "  - {vcpu: %d, op: fault, gpa: %q}\n", v, addr)
			case 1, 3:
				fmt.Fprintf(&sb, "  - {vcpu: %d, op: classify, gpa: %q}\n", v, addr)
			case 4:
				fmt.Fprintf(&sb, "  - {vcpu: %d, op: invalidate, start: \"%#x\", end: \"%#x\"}\n", v, gfn, gfn+1)
			}
		}
	}
	return sb.String()
}

func TestReplayConcurrent(t *testing.T) {
	const vcpus = 8
	tr, err := Parse([]byte(concurrentTrace(vcpus)))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	r := newTestReplayer(t, Options{})
	results, summary, err := r.Run(context.Background(), tr)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i, res := range results {
		if res.Index != i {
			t.Errorf("results[%d].Index = %d", i, res.Index)
		}
	}

	// Per vCPU: resolved, emulated, resolved+emulated.
	want := Summary{
		Events:        6 * vcpus,
		Faults:        3 * vcpus,
		Resolved:      2 * vcpus,
		Emulated:      2 * vcpus,
		Classified:    2 * vcpus,
		Invalidations: vcpus,
		Rearmed:       vcpus,
	}
	if diff := cmp.Diff(want, summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, Summarize(results)); diff != "" {
		t.Errorf("Summarize mismatch (-want +got):\n%s", diff)
	}
	if got := r.path.Interceptor().Stats().Emulations(); got != 2*vcpus {
		t.Errorf("emulations = %d, want %d", got, 2*vcpus)
	}
}

func TestReplayCancelled(t *testing.T) {
	tr, err := Parse([]byte(scenario))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, sequential := range []bool{true, false} {
		results, summary, err := newTestReplayer(t, Options{Sequential: sequential}).Run(ctx, tr)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("sequential=%t: Run err = %v, want %v", sequential, err, context.Canceled)
		}
		if summary.Events != 0 {
			t.Errorf("sequential=%t: replayed %d events after cancellation", sequential, summary.Events)
		}
		for i := range results {
			if results[i].Replayed {
				t.Errorf("sequential=%t: event %d replayed after cancellation", sequential, i)
			}
		}
	}
}

func TestSummarizeSkipsUnreplayed(t *testing.T) {
	results := []Result{
		{Index: 0, Event: Event{Op: OpFault}, Outcome: hook.OutcomeResolved, Replayed: true},
		{Index: 1, Event: Event{Op: OpClassify}},
		{Index: 2, Event: Event{Op: OpForget}, Removed: true, Replayed: true},
		{},
	}
	want := Summary{Events: 2, Faults: 1, Resolved: 1, Forgotten: 1}
	if diff := cmp.Diff(want, Summarize(results)); diff != "" {
		t.Errorf("Summarize mismatch (-want +got):\n%s", diff)
	}
}

func TestReplaySparseVCPUs(t *testing.T) {
	tr, err := Parse([]byte(fmt.Sprintf(`
vcpus: %d
events:
  - {vcpu: 0, op: fault, gpa: "0x1000"}
  - {vcpu: %d, op: fault, gpa: "0x2000"}
`, MaxVCPUs, MaxVCPUs-1)))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	_, summary, err := newTestReplayer(t, Options{}).Run(context.Background(), tr)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if want := (Summary{Events: 2, Faults: 2, Resolved: 2}); summary != want {
		t.Errorf("summary = %+v, want %+v", summary, want)
	}
}

func TestReplayFailure(t *testing.T) {
	logger := &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}}
	ic := intercept.New(metadata.NewStore(metadata.Options{MaxRecords: 1}), nil, intercept.Options{Logger: logger})
	r := NewReplayer(hook.NewPath(ic, ept.New(ept.Options{Slots: 1}), hook.Options{Logger: logger}), Options{Logger: logger})

	tr, err := Parse([]byte(`
events:
  - {vcpu: 0, op: fault, gpa: "0x1000"}
  - {vcpu: 0, op: classify, gpa: "0x2000"}
  - {vcpu: 0, op: fault, gpa: "0x2000"}
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	results, summary, err := r.Run(context.Background(), tr)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !errors.Is(results[1].Err, metadata.ErrOutOfMemory) {
		t.Errorf("classify err = %v, want %v", results[1].Err, metadata.ErrOutOfMemory)
	}
	if results[2].Outcome != hook.OutcomeFailed || results[2].Err == nil {
		t.Errorf("fault result = %v, want a failure", &results[2])
	}
	want := Summary{Events: 3, Faults: 2, Resolved: 1, Failed: 1, Errors: 2}
	if diff := cmp.Diff(want, summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestReplayBusy(t *testing.T) {
	r := newTestReplayer(t, Options{})
	r.running.Store(true)
	if _, _, err := r.Run(context.Background(), &Trace{}); !errors.Is(err, ErrBusy) {
		t.Errorf("Run err = %v, want %v", err, ErrBusy)
	}
	r.running.Store(false)
	if _, _, err := r.Run(context.Background(), &Trace{}); err != nil {
		t.Errorf("Run failed: %v", err)
	}
}
