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

	"sre.dev/sre/pkg/metric"
)

var (
	stageField   = metric.NewField("stage", "pre", "post")
	verdictField = metric.NewField("verdict", Proceed.String(), Suppress.String())
)

// RegisterMetrics exports i's counters and the size of its store through reg.
func (i *Interceptor) RegisterMetrics(reg *metric.Registry) error {
	for _, m := range []struct {
		name        string
		cumulative  bool
		description string
		value       func(fieldValues ...string) uint64
		fields      []metric.Field
	}{
		{
			name:        "/sre/faults",
			cumulative:  true,
			description: "Number of faults seen by each interception stage.",
			value: func(fv ...string) uint64 {
				if fv[0] == "pre" {
					return i.c.preFaults.Load()
				}
				return i.c.postFaults.Load()
			},
			fields: []metric.Field{stageField},
		},
		{
			name:        "/sre/verdicts",
			cumulative:  true,
			description: "Number of pre-fault decisions, by verdict.",
			value: func(fv ...string) uint64 {
				if fv[0] == Suppress.String() {
					return i.c.suppressed.Load()
				}
				return i.c.proceeded.Load()
			},
			fields: []metric.Field{verdictField},
		},
		{
			name:        "/sre/emulations",
			cumulative:  true,
			description: "Number of SRE emulation callbacks, by the stage that ran them.",
			value: func(fv ...string) uint64 {
				if fv[0] == "pre" {
					return i.c.preEmulations.Load()
				}
				return i.c.postEmulations.Load()
			},
			fields: []metric.Field{stageField},
		},
		{
			name:        "/sre/alloc_failures",
			cumulative:  true,
			description: "Number of faults that skipped interception because tracking state could not be allocated.",
			value:       func(...string) uint64 { return i.c.allocFailures.Load() },
		},
		{
			name:        "/sre/inconsistent_states",
			cumulative:  true,
			description: "Number of pre-faults on tracked addresses that owed nothing.",
			value:       func(...string) uint64 { return i.c.inconsistent.Load() },
		},
		{
			name:        "/sre/invalidated_records",
			cumulative:  true,
			description: "Number of records re-armed by range invalidation.",
			value:       func(...string) uint64 { return i.c.invalidated.Load() },
		},
		{
			name:        "/sre/rearmed_records",
			cumulative:  true,
			description: "Number of records explicitly re-armed for the ordinary resolver.",
			value:       func(...string) uint64 { return i.c.rearmed.Load() },
		},
		{
			name:        "/sre/records",
			description: "Number of tracked guest physical addresses.",
			value:       func(...string) uint64 { return uint64(i.store.Len()) },
		},
	} {
		if err := reg.RegisterCustomUint64Metric(m.name, m.cumulative, m.description, m.value, m.fields...); err != nil {
			return fmt.Errorf("registering %s: %w", m.name, err)
		}
	}
	return nil
}
