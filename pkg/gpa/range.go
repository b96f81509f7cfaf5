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

package gpa

import (
	"fmt"
	"math"
)

// Range represents a contiguous range of guest physical addresses.
//
// Range is a half-open interval [Start, End).
type Range struct {
	Start Addr
	End   Addr
}

// WellFormed returns true if r.Start <= r.End. All other methods on a Range
// require that the Range is well-formed.
func (r Range) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the length of the range.
func (r Range) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if r contains x.
func (r Range) Contains(x Addr) bool {
	return r.Start <= x && x < r.End
}

// String implements fmt.Stringer.String.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}

// FrameRange is a half-open interval of guest frame numbers [Start, End), the
// unit in which the hypervisor invalidates mappings.
type FrameRange struct {
	Start GFN
	End   GFN
}

// WellFormed returns true if r.Start <= r.End.
func (r FrameRange) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the number of frames in r.
func (r FrameRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if r contains f.
func (r FrameRange) Contains(f GFN) bool {
	return r.Start <= f && f < r.End
}

// MaxGFN is the highest frame number whose first byte is addressable.
const MaxGFN = GFN(math.MaxUint64 >> PageShift)

// ToRange returns the address range spanned by the frames in r. Since the end
// of the last addressable frame is not representable, frame ranges reaching
// past MaxGFN are clamped to end at the top of the address space and ok is
// false.
func (r FrameRange) ToRange() (ar Range, ok bool) {
	if r.Start > MaxGFN {
		return Range{Start: math.MaxUint64, End: math.MaxUint64}, false
	}
	ar.Start = r.Start.ToAddr()
	if r.End > MaxGFN {
		ar.End = math.MaxUint64
		return ar, false
	}
	ar.End = r.End.ToAddr()
	return ar, true
}

// String implements fmt.Stringer.String.
func (r FrameRange) String() string {
	return fmt.Sprintf("gfn [%#x, %#x)", uint64(r.Start), uint64(r.End))
}
