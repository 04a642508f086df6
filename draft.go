// draft.go: Snapshot cells with a single exclusive draft
//
// A Draft holds a committed value published through an atomic pointer and
// at most one in-progress edit. Readers call Latest and never block; the
// single writer edits a private clone and publishes it with Commit.
// Update and Replace wait for an open draft to finish instead of failing,
// so one-shot writers on the same cell are serialized.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
)

// Snapshot is an immutable committed value. Holders of a snapshot keep
// seeing the same value after later commits.
type Snapshot[T any] struct {
	value       T
	version     uint64
	committedAt time.Time
}

// Value returns the committed value. Callers must treat it as read-only.
func (s *Snapshot[T]) Value() T { return s.value }

// Version is incremented on every commit, starting at 0 for the initial value.
func (s *Snapshot[T]) Version() uint64 { return s.version }

// CommittedAt returns the commit timestamp.
func (s *Snapshot[T]) CommittedAt() time.Time { return s.committedAt }

// Draft is a transactional cell over T.
type Draft[T any] struct {
	committed atomic.Pointer[Snapshot[T]]

	mu       sync.Mutex
	released *sync.Cond // signalled when the draft slot frees up
	draft    *T
	owner    *Edit[T]
	clone    func(T) T
}

// Edit is the exclusive handle to an open draft.
type Edit[T any] struct {
	cell *Draft[T]
	done bool
}

// NewDraft creates a cell holding initial as the committed value. clone must
// return a deep copy; a nil clone copies by value.
func NewDraft[T any](initial T, clone func(T) T) *Draft[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	d := &Draft[T]{clone: clone}
	d.released = sync.NewCond(&d.mu)
	d.committed.Store(&Snapshot[T]{value: initial, committedAt: timecache.CachedTime()})
	return d
}

// Latest returns the committed snapshot. It never observes a draft.
func (d *Draft[T]) Latest() *Snapshot[T] {
	return d.committed.Load()
}

// Edit opens the draft, cloning the committed value. A second Edit while a
// draft is outstanding fails with ErrCodeDraftInProgress.
func (d *Draft[T]) Edit() (*Edit[T], error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.owner != nil {
		return nil, errors.New(ErrCodeDraftInProgress, "draft in progress")
	}
	return d.openLocked(), nil
}

// waitEdit opens the draft, waiting for an outstanding one to be committed
// or discarded first.
func (d *Draft[T]) waitEdit() *Edit[T] {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.owner != nil {
		d.released.Wait()
	}
	return d.openLocked()
}

func (d *Draft[T]) openLocked() *Edit[T] {
	v := d.clone(d.committed.Load().value)
	d.draft = &v
	d.owner = &Edit[T]{cell: d}
	return d.owner
}

// HasDraft reports whether a draft is open.
func (d *Draft[T]) HasDraft() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owner != nil
}

// Commit publishes the open draft, whoever owns it. Without an open draft
// it is a no-op returning the current snapshot.
func (d *Draft[T]) Commit() *Snapshot[T] {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commitLocked(d.owner)
}

// Discard drops the open draft, if any. The committed value is untouched.
func (d *Draft[T]) Discard() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discardLocked(d.owner)
}

// Update runs fn against a fresh draft and commits it, or discards it when
// fn fails. It waits while another draft is open.
func (d *Draft[T]) Update(fn func(*T) error) (*Snapshot[T], error) {
	e := d.waitEdit()
	// A panicking fn must not leave the slot held.
	defer e.Discard()
	if err := fn(e.Value()); err != nil {
		return nil, err
	}
	return e.Commit(), nil
}

// Replace commits v as the new value in a single step.
func (d *Draft[T]) Replace(v T) (*Snapshot[T], error) {
	return d.Update(func(draft *T) error {
		*draft = v
		return nil
	})
}

func (d *Draft[T]) commitLocked(owner *Edit[T]) *Snapshot[T] {
	current := d.committed.Load()
	if owner == nil || owner != d.owner || d.draft == nil {
		return current
	}

	next := &Snapshot[T]{
		value:       *d.draft,
		version:     current.version + 1,
		committedAt: timecache.CachedTime(),
	}
	d.committed.Store(next)

	owner.done = true
	d.draft = nil
	d.owner = nil
	d.released.Broadcast()
	return next
}

func (d *Draft[T]) discardLocked(owner *Edit[T]) {
	if owner == nil || owner != d.owner {
		return
	}
	owner.done = true
	d.draft = nil
	d.owner = nil
	d.released.Broadcast()
}

// Value returns the draft value. Repeated calls return the same pointer until
// the edit is committed or discarded; after that it returns nil.
func (e *Edit[T]) Value() *T {
	e.cell.mu.Lock()
	defer e.cell.mu.Unlock()
	if e.done || e.cell.owner != e {
		return nil
	}
	return e.cell.draft
}

// Commit publishes this edit. Committing a finished edit is a no-op.
func (e *Edit[T]) Commit() *Snapshot[T] {
	e.cell.mu.Lock()
	defer e.cell.mu.Unlock()
	return e.cell.commitLocked(e)
}

// Discard abandons this edit.
func (e *Edit[T]) Discard() {
	e.cell.mu.Lock()
	defer e.cell.mu.Unlock()
	e.cell.discardLocked(e)
}
