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

// Package metric provides primitives for collecting metrics and exporting
// them in the Prometheus text exposition format.
//
// Metric names are slash-separated paths such as "/sre/faults". On export
// the leading slash is dropped and the remaining slashes become underscores,
// so "/sre/faults" is exported as "sre_faults" (plus any exporter prefix).
package metric

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"sre.dev/sre/pkg/atomicbitops"
	"sre.dev/sre/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not a slash-separated
	// path of lowercase identifiers.
	ErrInvalidName = errors.New("invalid metric name")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFields indicates that a metric was defined with more than one
	// field, which is not supported.
	ErrTooManyFields = errors.New("metric has more than one field")
)

var nameRegexp = regexp.MustCompile(`^(/[a-z][a-z0-9_]*)+$`)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	name          string
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{name: name, allowedValues: allowedValues}
}

// index returns the position of value in the allowed values. It panics on a
// value that was not declared, as that is a programming error.
func (f *Field) index(value string) int {
	for i, v := range f.allowedValues {
		if v == value {
			return i
		}
	}
	panic(fmt.Sprintf("value %q is not allowed for field %q", value, f.name))
}

// exporter is implemented by every registered metric.
type exporter interface {
	family(opts ExportOptions) *dto.MetricFamily
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to
// be monitored, optionally broken down by one field.
type Uint64Metric struct {
	name        string
	description string
	cumulative  bool
	field       *Field

	// values has one entry per allowed field value, or a single entry for
	// metrics without a field.
	values []atomicbitops.Uint64
}

func (m *Uint64Metric) slot(fieldValues []string) *atomicbitops.Uint64 {
	switch {
	case m.field == nil && len(fieldValues) == 0:
		return &m.values[0]
	case m.field != nil && len(fieldValues) == 1:
		return &m.values[m.field.index(fieldValues[0])]
	default:
		panic(fmt.Sprintf("metric %s: got %d field values", m.name, len(fieldValues)))
	}
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.slot(fieldValues).Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.slot(fieldValues).Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.slot(fieldValues).Add(v)
}

func (m *Uint64Metric) family(opts ExportOptions) *dto.MetricFamily {
	return buildFamily(m.name, m.description, m.cumulative, m.field, opts, func(i int) uint64 {
		return m.values[i].Load()
	})
}

// customUint64Metric is a metric whose value is computed on export.
type customUint64Metric struct {
	name        string
	description string
	cumulative  bool
	field       *Field
	value       func(fieldValues ...string) uint64
}

func (m *customUint64Metric) family(opts ExportOptions) *dto.MetricFamily {
	return buildFamily(m.name, m.description, m.cumulative, m.field, opts, func(i int) uint64 {
		if m.field == nil {
			return m.value()
		}
		return m.value(m.field.allowedValues[i])
	})
}

// ExportOptions contains options that control how metric data is exported.
type ExportOptions struct {
	// Prefix is prepended to every exported metric name, following the
	// Prometheus exporter convention (e.g. "srectl_").
	Prefix string

	// Labels are added to every exported sample.
	Labels map[string]string
}

func promName(prefix, name string) string {
	return prefix + strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

func buildFamily(name, description string, cumulative bool, field *Field, opts ExportOptions, value func(i int) uint64) *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(promName(opts.Prefix, name)),
		Help: proto.String(description),
		Type: dto.MetricType_GAUGE.Enum(),
	}
	if cumulative {
		mf.Type = dto.MetricType_COUNTER.Enum()
	}
	n := 1
	if field != nil {
		n = len(field.allowedValues)
	}
	for i := 0; i < n; i++ {
		labels := make(map[string]string, len(opts.Labels)+1)
		for k, v := range opts.Labels {
			labels[k] = v
		}
		if field != nil {
			labels[field.name] = field.allowedValues[i]
		}
		m := &dto.Metric{Label: labelPairs(labels)}
		v := float64(value(i))
		if cumulative {
			m.Counter = &dto.Counter{Value: proto.Float64(v)}
		} else {
			m.Gauge = &dto.Gauge{Value: proto.Float64(v)}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

// labelPairs returns labels ordered by name.
func labelPairs(labels map[string]string) []*dto.LabelPair {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	pairs := make([]*dto.LabelPair, 0, len(names))
	for _, k := range names {
		pairs = append(pairs, &dto.LabelPair{Name: proto.String(k), Value: proto.String(labels[k])})
	}
	return pairs
}

// Registry holds a set of named metrics. Names are unique within a Registry.
type Registry struct {
	mu sync.RWMutex

	// +checklocks:mu
	metrics map[string]exporter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]exporter)}
}

func validate(name string, fields []Field) (*Field, error) {
	if !nameRegexp.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	switch len(fields) {
	case 0:
		return nil, nil
	case 1:
		if len(fields[0].allowedValues) == 0 {
			return nil, fmt.Errorf("metric %s field %q: %w", name, fields[0].name, ErrFieldHasNoAllowedValues)
		}
		f := fields[0]
		return &f, nil
	default:
		return nil, fmt.Errorf("metric %s: %w", name, ErrTooManyFields)
	}
}

func (r *Registry) add(name string, e exporter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[name]; ok {
		return fmt.Errorf("%w: %s", ErrNameInUse, name)
	}
	r.metrics[name] = e
	return nil
}

// NewUint64Metric creates and registers a new metric with the given name. A
// cumulative metric is exported as a counter, otherwise as a gauge.
func (r *Registry) NewUint64Metric(name string, cumulative bool, description string, fields ...Field) (*Uint64Metric, error) {
	field, err := validate(name, fields)
	if err != nil {
		return nil, err
	}
	n := 1
	if field != nil {
		n = len(field.allowedValues)
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		cumulative:  cumulative,
		field:       field,
		values:      make([]atomicbitops.Uint64, n),
	}
	if err := r.add(name, m); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func (r *Registry) MustCreateNewUint64Metric(name string, cumulative bool, description string, fields ...Field) *Uint64Metric {
	m, err := r.NewUint64Metric(name, cumulative, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// RegisterCustomUint64Metric registers a metric with the given name whose
// value is produced by calling value at export time.
func (r *Registry) RegisterCustomUint64Metric(name string, cumulative bool, description string, value func(fieldValues ...string) uint64, fields ...Field) error {
	field, err := validate(name, fields)
	if err != nil {
		return err
	}
	return r.add(name, &customUint64Metric{
		name:        name,
		description: description,
		cumulative:  cumulative,
		field:       field,
		value:       value,
	})
}

// Families returns the current value of every metric, ordered by name.
func (r *Registry) Families(opts ExportOptions) []*dto.MetricFamily {
	r.mu.RLock()
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	exporters := make([]exporter, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		exporters = append(exporters, r.metrics[name])
	}
	r.mu.RUnlock()

	families := make([]*dto.MetricFamily, 0, len(exporters))
	for _, e := range exporters {
		families = append(families, e.family(opts))
	}
	return families
}

// Write writes every metric to w in Prometheus text format and returns the
// number of bytes written.
func (r *Registry) Write(w io.Writer, opts ExportOptions) (int, error) {
	written := 0
	for _, mf := range r.Families(opts) {
		n, err := expfmt.MetricFamilyToText(w, mf)
		written += n
		if err != nil {
			return written, fmt.Errorf("writing metric %s: %w", mf.GetName(), err)
		}
	}
	return written, nil
}
