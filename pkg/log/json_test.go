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

package log

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// Tests that Level can marshal/unmarshal properly.
func TestLevelMarshal(t *testing.T) {
	for _, lv := range []Level{Warning, Info, Debug} {
		bs, err := lv.MarshalJSON()
		if err != nil {
			t.Errorf("error marshaling %v: %v", lv, err)
		}
		var lv2 Level
		if err := lv2.UnmarshalJSON(bs); err != nil {
			t.Errorf("error unmarshaling %v: %v", bs, err)
		}
		if lv != lv2 {
			t.Errorf("marshal/unmarshal level got %v wanted %v", lv2, lv)
		}
	}
}

// Test that integers can be properly unmarshaled.
func TestUnmarshalFromInt(t *testing.T) {
	for i, want := range []Level{Warning, Info, Debug} {
		j, err := json.Marshal(i)
		if err != nil {
			t.Errorf("error marshaling %v: %v", i, err)
		}
		var lv Level
		if err := lv.UnmarshalJSON(j); err != nil {
			t.Errorf("error unmarshaling %v: %v", j, err)
		}
		if lv != want {
			t.Errorf("marshal/unmarshal %v got %v want %v", i, lv, want)
		}
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{Writer: &Writer{Next: tw}}
	ts := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)
	e.Emit(0, Info, ts, "suppressed gpa=%#x", 0x3000)
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(tw.lines))
	}

	var got jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("bad JSON %q: %v", tw.lines[0], err)
	}
	if got.Level != Info {
		t.Errorf("level = %v, want %v", got.Level, Info)
	}
	if !got.Time.Equal(ts) {
		t.Errorf("time = %v, want %v", got.Time, ts)
	}
	if want := "suppressed gpa=0x3000"; got.Msg != want {
		t.Errorf("msg = %q, want %q", got.Msg, want)
	}
	if want := "json_test.go:"; !strings.HasPrefix(got.Caller, want) {
		t.Errorf("caller = %q, want prefix %q", got.Caller, want)
	}
	if got.TID == 0 {
		t.Errorf("tid missing from %q", tw.lines[0])
	}
}

func TestJSONEmitterOmitThread(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{Writer: &Writer{Next: tw}, OmitThread: true}
	e.Emit(0, Warning, time.Now(), "zap")
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(tw.lines))
	}
	if strings.Contains(tw.lines[0], `"tid"`) {
		t.Errorf("line %q has a tid", tw.lines[0])
	}
}
