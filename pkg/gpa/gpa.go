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

// Package gpa provides types for guest physical addresses and guest frame
// numbers.
package gpa

import (
	"fmt"
	"strconv"
)

const (
	// PageShift is the binary log of the guest page size.
	PageShift = 12

	// PageSize is the guest page size.
	PageSize = 1 << PageShift
)

// Addr is a guest physical address.
type Addr uint64

// ParseAddr parses a guest physical address. The usual Go prefixes are
// accepted, so "0x1000" and "4096" are the same address.
func ParseAddr(s string) (Addr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid guest physical address %q: %w", s, err)
	}
	return Addr(v), nil
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// ToGFN returns the frame containing v.
func (v Addr) ToGFN() GFN {
	return GFN(v >> PageShift)
}

// GFN is a guest frame number: a guest physical address divided by PageSize.
type GFN uint64

// ParseGFN parses a guest frame number with the same syntax as ParseAddr.
func ParseGFN(s string) (GFN, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid guest frame number %q: %w", s, err)
	}
	return GFN(v), nil
}

// String implements fmt.Stringer.String.
func (f GFN) String() string {
	return fmt.Sprintf("gfn %#x", uint64(f))
}

// ToAddr returns the address of the first byte of the frame. Frames beyond
// the addressable range wrap; use FrameRange.ToRange for checked conversion.
func (f GFN) ToAddr() Addr {
	return Addr(f) << PageShift
}
