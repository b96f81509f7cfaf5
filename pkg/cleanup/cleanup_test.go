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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCleanOrder(t *testing.T) {
	var got []string
	func() {
		cu := Make(func() { got = append(got, "log") })
		cu.Add(func() { got = append(got, "store") })
		defer cu.Clean()
	}()
	if want := []string{"store", "log"}; !cmp.Equal(got, want) {
		t.Errorf("cleanup order mismatch (-want +got):\n%s", cmp.Diff(want, got))
	}
}

func TestRelease(t *testing.T) {
	var got []string
	var cleaner func()
	func() {
		cu := Make(func() { got = append(got, "log") })
		cu.Add(func() { got = append(got, "store") })
		defer cu.Clean()
		cleaner = cu.Release()
	}()
	if len(got) != 0 {
		t.Fatalf("cleanup functions ran after Release: %v", got)
	}

	cleaner()
	if want := []string{"store", "log"}; !cmp.Equal(got, want) {
		t.Errorf("released cleaner mismatch (-want +got):\n%s", cmp.Diff(want, got))
	}
}

func TestCleanTwice(t *testing.T) {
	calls := 0
	cu := Make(func() { calls++ })
	cu.Clean()
	cu.Clean()
	if calls != 1 {
		t.Errorf("cleanup ran %d times, want 1", calls)
	}
}
