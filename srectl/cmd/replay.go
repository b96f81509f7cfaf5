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
	"os/signal"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"sre.dev/sre/pkg/cleanup"
	"sre.dev/sre/pkg/log"
	"sre.dev/sre/pkg/metric"
	"sre.dev/sre/pkg/sre/trace"
	"sre.dev/sre/srectl/cmd/util"
	"sre.dev/sre/srectl/config"
	"sre.dev/sre/srectl/flag"
)

var opField = metric.NewField("op",
	string(trace.OpFault),
	string(trace.OpClassify),
	string(trace.OpInvalidate),
	string(trace.OpForget),
)

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	sequential     bool
	verbose        bool
	metrics        bool
	metricsFile    string
	exporterPrefix string
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string {
	return "replay a trace of guest memory events through the SRE interceptor"
}

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay [-sequential] [-v] [-metrics] [-metrics-file=<path>] <trace.yaml> - replays a trace and prints a summary.

Without -sequential, each vCPU of the trace replays its own events on its own
goroutine, in trace order.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.sequential, "sequential", false, "replay all events in trace order on a single goroutine.")
	f.BoolVar(&r.verbose, "v", false, "print the result of every event.")
	f.BoolVar(&r.metrics, "metrics", false, "print interception metrics in Prometheus text format.")
	f.StringVar(&r.metricsFile, "metrics-file", "", "append interception metrics in Prometheus text format to this file. The file is locked while writing.")
	f.StringVar(&r.exporterPrefix, "exporter-prefix", "srectl_", "prefix for all metric names, following Prometheus exporter convention.")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	path := f.Arg(0)

	tr, err := trace.Load(path)
	if err != nil {
		return util.Errorf("loading trace: %v", err)
	}
	log.Infof("Loaded %d events for %d vCPUs from %q", len(tr.Events), tr.VCPUs, path)

	g := newGuest(conf, nil)
	cu := cleanup.Make(g.teardown)
	defer cu.Clean()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	cu.Add(stop)

	replayer := trace.NewReplayer(g.path, trace.Options{
		Sequential: r.sequential,
		Logger:     conf.FaultLogger(),
	})
	results, summary, err := replayer.Run(ctx, tr)
	if err != nil {
		return util.Errorf("replaying %q: %v", path, err)
	}

	if r.verbose {
		for i := range results {
			if results[i].Replayed {
				fmt.Fprintln(os.Stdout, &results[i])
			}
		}
	}
	util.Infof("%d events: %d faults (%d resolved, %d emulated, %d failed), %d classified, %d invalidations re-arming %d records, %d forgotten, %d errors",
		summary.Events, summary.Faults, summary.Resolved, summary.Emulated, summary.Failed,
		summary.Classified, summary.Invalidations, summary.Rearmed, summary.Forgotten, summary.Errors)
	stats := g.ic.Stats()
	util.Infof("Interceptor: %d pre-faults, %d post-faults, %d emulations, %d allocation failures, %d inconsistent, %d records tracked",
		stats.PreFaults, stats.PostFaults, stats.Emulations(), stats.AllocFailures, stats.Inconsistent, g.store.Len())

	if !r.metrics && r.metricsFile == "" {
		return subcommands.ExitSuccess
	}
	reg, err := r.registry(g, results)
	if err != nil {
		return util.Errorf("registering metrics: %v", err)
	}
	opts := metric.ExportOptions{
		Prefix: r.exporterPrefix,
		Labels: map[string]string{
			"run_id": uuid.NewString(),
			"trace":  filepath.Base(path),
		},
	}
	if r.metrics {
		if _, err := reg.Write(os.Stdout, opts); err != nil {
			return util.Errorf("writing metrics to stdout: %v", err)
		}
	}
	if r.metricsFile != "" {
		written, err := appendMetrics(r.metricsFile, reg, opts)
		if err != nil {
			return util.Errorf("writing metrics to %q: %v", r.metricsFile, err)
		}
		log.Infof("Wrote %d bytes of Prometheus metric data to %q", written, r.metricsFile)
	}
	return subcommands.ExitSuccess
}

// registry returns a registry holding the interceptor's metrics and a count
// of replayed events by op.
func (r *Replay) registry(g *guest, results []trace.Result) (*metric.Registry, error) {
	reg := metric.NewRegistry()
	if err := g.ic.RegisterMetrics(reg); err != nil {
		return nil, err
	}
	events, err := reg.NewUint64Metric("/replay/events", true, "Number of replayed trace events, by op.", opField)
	if err != nil {
		return nil, err
	}
	for i := range results {
		if results[i].Replayed {
			events.Increment(string(results[i].Event.Op))
		}
	}
	if err := reg.RegisterCustomUint64Metric("/replay/mapped_frames", false, "Number of frames mapped by the simulated page table.", func(...string) uint64 {
		return uint64(g.table.Len())
	}); err != nil {
		return nil, err
	}
	return reg, nil
}

// appendMetrics appends the metrics in reg to the file at path. Concurrent
// srectl processes writing the same file are serialized by a file lock.
func appendMetrics(path string, reg *metric.Registry, opts metric.ExportOptions) (int, error) {
	l := flock.NewFlock(path)
	if err := l.Lock(); err != nil {
		return 0, fmt.Errorf("acquiring lock: %w", err)
	}
	defer l.Unlock()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return 0, err
	}
	written, err := reg.Write(f, opts)
	if err != nil {
		f.Close()
		return written, err
	}
	return written, f.Close()
}
