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

// Package metadata implements the store of per-GPA interception state.
//
// The store maps guest physical addresses to Records. Structural changes to
// the index (insertion, deletion, enumeration) serialize on a single mutex;
// the state of a Record is manipulated with atomic operations and needs no
// lock once the Record has been obtained.
package metadata

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"sre.dev/sre/pkg/gpa"
	"sre.dev/sre/pkg/sync"
)

// ErrOutOfMemory is returned when a record cannot be allocated.
var ErrOutOfMemory = errors.New("out of memory for SRE metadata")

// DefaultDegree is the index degree used when Options.Degree is zero.
const DefaultDegree = 32

// Options configures a Store.
type Options struct {
	// MaxRecords bounds the number of tracked addresses. Creating a record
	// beyond the bound fails with ErrOutOfMemory. Zero means unbounded.
	MaxRecords int

	// Degree is the degree of the btree index.
	Degree int
}

// Store is a concurrent map from guest physical address to Record.
//
// The zero value is not usable; use NewStore.
type Store struct {
	opts Options

	// mu guards the structure of records. It does not guard the state of
	// the records themselves.
	mu sync.Mutex

	// records is ordered by GPA so invalidation can walk only the tracked
	// addresses inside a range.
	// +checklocks:mu
	records *btree.BTreeG[*Record]
}

func recordLess(a, b *Record) bool {
	return a.gpa < b.gpa
}

// pivot returns a search key for addr.
func pivot(addr gpa.Addr) *Record {
	return &Record{gpa: addr}
}

// NewStore returns an empty store.
func NewStore(opts Options) *Store {
	if opts.Degree <= 1 {
		opts.Degree = DefaultDegree
	}
	return &Store{
		opts:    opts,
		records: btree.NewG(opts.Degree, recordLess),
	}
}

// LookupOrCreate returns the record for addr, creating it in state EPT if it
// does not exist. Concurrent calls for the same address return the same
// record.
func (s *Store) LookupOrCreate(addr gpa.Addr) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records.Get(pivot(addr)); ok {
		r.noteAccess()
		return r, nil
	}
	if s.opts.MaxRecords > 0 && s.records.Len() >= s.opts.MaxRecords {
		return nil, fmt.Errorf("tracking %v (%d records): %w", addr, s.records.Len(), ErrOutOfMemory)
	}
	r := newRecord(addr)
	r.noteAccess()
	s.records.ReplaceOrInsert(r)
	return r, nil
}

// Lookup returns the record for addr without creating one.
func (s *Store) Lookup(addr gpa.Addr) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records.Get(pivot(addr))
	if ok {
		r.noteAccess()
	}
	return r, ok
}

// Remove deletes the record for addr. It returns false if there was none.
func (s *Store) Remove(addr gpa.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records.Delete(pivot(addr))
	return ok
}

// Teardown removes every record and returns how many there were. The store
// remains usable afterwards and behaves as if newly constructed.
//
// Preconditions: no hook is concurrently using a record obtained from s.
func (s *Store) Teardown() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.records.Len()
	s.records.Clear(false /* addNodesToFreelist */)
	return n
}

// Len returns the number of tracked addresses.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Len()
}

// ForEachInRange calls fn for each record whose GPA is in ar, in ascending
// order, until fn returns false.
//
// fn runs with the store locked and must not call back into s.
func (s *Store) ForEachInRange(ar gpa.Range, fn func(*Record) bool) {
	if !ar.WellFormed() || ar.Length() == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records.AscendRange(pivot(ar.Start), pivot(ar.End), fn)
}

// ForEachFrom calls fn for each record whose GPA is at least start, in
// ascending order, until fn returns false.
//
// fn runs with the store locked and must not call back into s.
func (s *Store) ForEachFrom(start gpa.Addr, fn func(*Record) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records.AscendGreaterOrEqual(pivot(start), fn)
}
