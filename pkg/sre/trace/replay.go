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

	"golang.org/x/sync/errgroup"
	"sre.dev/sre/pkg/atomicbitops"
	"sre.dev/sre/pkg/log"
	"sre.dev/sre/pkg/sre/hook"
	"sre.dev/sre/pkg/sre/intercept"
)

// ErrBusy is returned by Run while another Run on the same Replayer is in
// progress.
var ErrBusy = errors.New("replayer is already running")

// Result is the result of replaying one event.
type Result struct {
	// Index is the position of the event in the trace.
	Index int
	Event Event

	// Replayed is false for events skipped after cancellation.
	Replayed bool

	// Outcome is set for fault events.
	Outcome hook.Outcome

	// Rearmed and Zapped are set for invalidate events.
	Rearmed int
	Zapped  int

	// Removed is set for forget events.
	Removed bool

	// Err is the error of a failed fault or classify event.
	Err error
}

// String implements fmt.Stringer.
func (r *Result) String() string {
	var s string
	switch r.Event.Op {
	case OpFault:
		s = fmt.Sprintf("#%d %v: %v", r.Index, &r.Event, r.Outcome)
	case OpInvalidate:
		s = fmt.Sprintf("#%d %v: re-armed %d, zapped %d", r.Index, &r.Event, r.Rearmed, r.Zapped)
	case OpForget:
		s = fmt.Sprintf("#%d %v: removed=%t", r.Index, &r.Event, r.Removed)
	default:
		s = fmt.Sprintf("#%d %v", r.Index, &r.Event)
	}
	if r.Err != nil {
		s += fmt.Sprintf(" (%v)", r.Err)
	}
	return s
}

// Summary totals the results of a replay.
type Summary struct {
	Events        int `json:"events"`
	Faults        int `json:"faults"`
	Resolved      int `json:"resolved"`
	Emulated      int `json:"emulated"`
	Failed        int `json:"failed"`
	Classified    int `json:"classified"`
	Invalidations int `json:"invalidations"`
	Rearmed       int `json:"rearmed"`
	Forgotten     int `json:"forgotten"`
	Errors        int `json:"errors"`
}

func (s *Summary) add(r *Result) {
	if !r.Replayed {
		return
	}
	s.Events++
	if r.Err != nil {
		s.Errors++
	}
	switch r.Event.Op {
	case OpFault:
		s.Faults++
		switch r.Outcome {
		case hook.OutcomeFailed:
			s.Failed++
		case hook.OutcomeResolved:
			s.Resolved++
		case hook.OutcomeResolvedEmulated:
			s.Resolved++
			s.Emulated++
		case hook.OutcomeEmulated:
			s.Emulated++
		}
	case OpClassify:
		if r.Err == nil {
			s.Classified++
		}
	case OpInvalidate:
		s.Invalidations++
		s.Rearmed += r.Rearmed
	case OpForget:
		if r.Removed {
			s.Forgotten++
		}
	}
}

// Summarize totals the replayed results.
func Summarize(results []Result) Summary {
	var s Summary
	for i := range results {
		s.add(&results[i])
	}
	return s
}

// Options configures a Replayer.
type Options struct {
	// Sequential replays all events in trace order on one goroutine.
	// Otherwise each vCPU replays its own events concurrently, in trace
	// order.
	Sequential bool

	// Logger receives a line per replayed event at debug level. Defaults
	// to the global logger.
	Logger log.Logger
}

// Replayer replays traces against a fault path.
type Replayer struct {
	path    *hook.Path
	opts    Options
	running atomicbitops.Bool
}

// NewReplayer returns a Replayer that drives path.
func NewReplayer(path *hook.Path, opts Options) *Replayer {
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}
	return &Replayer{path: path, opts: opts}
}

// Run replays t. Failed events are reported in their Result. The returned
// error is non-nil only if ctx was cancelled, in which case events that were
// not replayed have Replayed unset and are left out of the Summary, or if r is
// already running.
func (r *Replayer) Run(ctx context.Context, t *Trace) ([]Result, Summary, error) {
	if r.running.Swap(true) {
		return nil, Summary{}, ErrBusy
	}
	defer r.running.Store(false)

	results := make([]Result, len(t.Events))

	var err error
	if r.opts.Sequential || t.VCPUs <= 1 {
		err = r.replay(ctx, t, allIndices(len(t.Events)), results)
	} else {
		perVCPU := make(map[intercept.VCPU][]int)
		for i := range t.Events {
			v := t.Events[i].VCPU
			perVCPU[v] = append(perVCPU[v], i)
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, indices := range perVCPU {
			g.Go(func() error {
				return r.replay(gctx, t, indices, results)
			})
		}
		err = g.Wait()
	}
	return results, Summarize(results), err
}

func allIndices(n int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

// replay replays the events at indices in order. Each index is written by
// exactly one goroutine.
func (r *Replayer) replay(ctx context.Context, t *Trace, indices []int, results []Result) error {
	for _, i := range indices {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := &results[i]
		res.Index = i
		res.Event = t.Events[i]
		r.apply(res)
		res.Replayed = true
		r.opts.Logger.Debugf("replay: %v", res)
	}
	return nil
}

func (r *Replayer) apply(res *Result) {
	e := &res.Event
	ic := r.path.Interceptor()
	switch e.Op {
	case OpFault:
		res.Outcome, res.Err = r.path.HandleFault(e.VCPU, e.Addr())
	case OpClassify:
		res.Err = ic.ArmSRE(e.Addr())
	case OpInvalidate:
		res.Rearmed, res.Zapped = r.path.ZapFrames(e.Frames())
	case OpForget:
		res.Removed = ic.Forget(e.Addr())
	default:
		res.Err = fmt.Errorf("%w: unknown op %q", ErrBadEvent, e.Op)
	}
}
