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

// Package config provides basic infrastructure to set configuration settings
// for srectl. Each setting is a command line flag, and may also come from a
// TOML configuration file.
package config

import (
	"fmt"
	"time"

	"sre.dev/sre/pkg/gpa"
	"sre.dev/sre/pkg/log"
	"sre.dev/sre/pkg/sre/ept"
	"sre.dev/sre/pkg/sre/metadata"
)

// Config holds configuration that is not part of a trace. Fields must carry
// a flag tag naming the flag that sets them.
type Config struct {
	// ConfigFile is the path to a TOML file supplying defaults for flags not
	// set on the command line.
	ConfigFile string `flag:"config"`

	// LogFilename is the filename to log errors to. An empty value means
	// stderr only.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty. A
	// trailing "/" selects a directory for generated file names.
	DebugLog string `flag:"debug-log"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// MaxRecords caps the number of tracked guest physical addresses. Zero
	// means no cap.
	MaxRecords int `flag:"max-records"`

	// BTreeDegree is the degree of the metadata store's index.
	BTreeDegree int `flag:"btree-degree"`

	// EPTSlots is the number of frames the simulated page table can map.
	EPTSlots int `flag:"ept-slots"`

	// GuestMemory is the size of guest memory in bytes. Zero means the whole
	// address space is backed.
	GuestMemory uint64 `flag:"guest-memory"`

	// FaultLogInterval is the minimum interval between per-fault debug log
	// lines. Zero disables rate limiting.
	FaultLogInterval time.Duration `flag:"fault-log-interval"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.MaxRecords < 0 {
		return fmt.Errorf("max-records must be non-negative: %d", c.MaxRecords)
	}
	if c.BTreeDegree == 1 || c.BTreeDegree < 0 {
		return fmt.Errorf("btree-degree must be 0 (default) or at least 2: %d", c.BTreeDegree)
	}
	if c.EPTSlots < 0 {
		return fmt.Errorf("ept-slots must be non-negative: %d", c.EPTSlots)
	}
	if !gpa.Addr(c.GuestMemory).IsPageAligned() {
		return fmt.Errorf("guest-memory must be a multiple of %d: %d", gpa.PageSize, c.GuestMemory)
	}
	if c.FaultLogInterval < 0 {
		return fmt.Errorf("fault-log-interval must be non-negative: %v", c.FaultLogInterval)
	}
	return nil
}

// StoreOptions returns the metadata store options selected by c.
func (c *Config) StoreOptions() metadata.Options {
	return metadata.Options{
		MaxRecords: c.MaxRecords,
		Degree:     c.BTreeDegree,
	}
}

// EPTOptions returns the simulated page table options selected by c.
func (c *Config) EPTOptions() ept.Options {
	return ept.Options{
		Slots: c.EPTSlots,
		Limit: gpa.Addr(c.GuestMemory),
	}
}

// FaultLogger returns the logger to use on fault paths.
func (c *Config) FaultLogger() log.Logger {
	if c.FaultLogInterval == 0 {
		return log.Log()
	}
	return log.BasicRateLimitedLogger(c.FaultLogInterval)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
	log.Infof("\t(all other flags at their defaults)")
}
