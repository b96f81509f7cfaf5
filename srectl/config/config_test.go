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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"sre.dev/sre/pkg/sre/ept"
	"sre.dev/sre/pkg/sre/metadata"
	"sre.dev/sre/srectl/flag"
)

func newTestFlags() *flag.FlagSet {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newTestFlags())
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if diff := cmp.Diff(metadata.Options{Degree: metadata.DefaultDegree}, c.StoreOptions()); diff != "" {
		t.Errorf("StoreOptions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ept.Options{Slots: ept.DefaultSlots}, c.EPTOptions()); diff != "" {
		t.Errorf("EPTOptions mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newTestFlags()
	for name, val := range map[string]string{
		"debug":              "true",
		"max-records":        "123",
		"guest-memory":       "0x100000",
		"fault-log-interval": "1s",
	} {
		if err := testFlags.Set(name, val); err != nil {
			t.Fatalf("Flag set %s=%s: %v", name, val, err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := 123; c.MaxRecords != want {
		t.Errorf("MaxRecords=%v, want: %v", c.MaxRecords, want)
	}
	if want := uint64(0x100000); c.GuestMemory != want {
		t.Errorf("GuestMemory=%v, want: %v", c.GuestMemory, want)
	}
	if want := time.Second; c.FaultLogInterval != want {
		t.Errorf("FaultLogInterval=%v, want: %v", c.FaultLogInterval, want)
	}

	flags := c.ToFlags()
	want := []string{
		"--debug=true",
		"--max-records=123",
		"--guest-memory=1048576",
		"--fault-log-interval=1s",
	}
	if diff := cmp.Diff(want, flags); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestToFlagsRoundTrip(t *testing.T) {
	c := &Config{
		LogFormat:        "json",
		Debug:            true,
		BTreeDegree:      4,
		EPTSlots:         16,
		FaultLogInterval: 0,
	}
	testFlags := newTestFlags()
	if err := testFlags.Parse(c.ToFlags()); err != nil {
		t.Fatalf("Parse(%v) failed: %v", c.ToFlags(), err)
	}
	got, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidFlags(t *testing.T) {
	for _, tc := range []struct {
		name  string
		value string
		error string
	}{
		{name: "log-format", value: "xml", error: "invalid log format"},
		{name: "max-records", value: "-1", error: "max-records must be non-negative"},
		{name: "btree-degree", value: "1", error: "btree-degree must be"},
		{name: "ept-slots", value: "-5", error: "ept-slots must be non-negative"},
		{name: "guest-memory", value: "4097", error: "guest-memory must be a multiple"},
		{name: "fault-log-interval", value: "-1s", error: "fault-log-interval must be non-negative"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newTestFlags()
			if err := testFlags.Set(tc.name, tc.value); err != nil {
				t.Fatalf("Flag set %s=%s: %v", tc.name, tc.value, err)
			}
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() err = %v, want it to contain %q", err, tc.error)
			}
		})
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "srectl.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestConfigFile(t *testing.T) {
	path := writeConfig(t, `
[flags]
debug = true
max-records = 4096
log-format = "json"
fault-log-interval = "250ms"
`)
	testFlags := newTestFlags()
	// Command line flags win over the file.
	if err := testFlags.Parse([]string{"--config=" + path, "--max-records=10"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		ConfigFile:       path,
		LogFormat:        "json",
		Debug:            true,
		MaxRecords:       10,
		BTreeDegree:      metadata.DefaultDegree,
		EPTSlots:         ept.DefaultSlots,
		FaultLogInterval: 250 * time.Millisecond,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		error    string
	}{
		{name: "syntax", contents: "[flags\n", error: "reading config file"},
		{name: "unknown table", contents: "[runtime]\nroot = \"/\"\n", error: "unknown keys"},
		{name: "unknown flag", contents: "[flags]\nroot = \"/\"\n", error: `unknown flag "root"`},
		{name: "recursive", contents: "[flags]\nconfig = \"other.toml\"\n", error: "cannot be set from a config file"},
		{name: "bad value", contents: "[flags]\nmax-records = \"many\"\n", error: "error setting flag max-records"},
		{name: "invalid value", contents: "[flags]\nlog-format = \"xml\"\n", error: "invalid log format"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newTestFlags()
			if err := testFlags.Set("config", writeConfig(t, tc.contents)); err != nil {
				t.Fatalf("Flag set: %v", err)
			}
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() err = %v, want it to contain %q", err, tc.error)
			}
		})
	}

	testFlags := newTestFlags()
	if err := testFlags.Set("config", filepath.Join(t.TempDir(), "missing.toml")); err != nil {
		t.Fatalf("Flag set: %v", err)
	}
	if _, err := NewFromFlags(testFlags); err == nil {
		t.Errorf("NewFromFlags() with missing config file succeeded")
	}
}
