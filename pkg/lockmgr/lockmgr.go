// Package lockmgr provides a hierarchical lock manager over named
// resources, built on top of rwlock.RWLock.
//
// Resources are identified by a (kind, id) pair. Kinds have a strict
// acquisition order — STORE < LIBRARY < DOCUMENT < CHUNK < INDEX — and
// any operation that needs more than one lock must request them in
// that order and release in reverse, mirroring the teacher's
// apoc/lock package (a map of per-resource sync.RWMutex guarded by one
// global mutex) generalized with fairness, deadlines, and hierarchy
// enforcement.
package lockmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/orneryd/vectorlib/pkg/apperr"
	"github.com/orneryd/vectorlib/pkg/rwlock"
)

// Kind identifies a class of resource in the lock hierarchy. Numeric
// values encode acquisition order: a Kind with a lower value must
// always be locked before one with a higher value within one operation.
type Kind int

const (
	Store Kind = iota
	Library
	Document
	Chunk
	Index
)

func (k Kind) String() string {
	switch k {
	case Store:
		return "STORE"
	case Library:
		return "LIBRARY"
	case Document:
		return "DOCUMENT"
	case Chunk:
		return "CHUNK"
	case Index:
		return "INDEX"
	default:
		return "UNKNOWN"
	}
}

// ErrLockOrder is returned when a caller requests resources out of
// hierarchy order within a single AcquireMany/Guard call.
var ErrLockOrder = apperr.ErrLockOrder

// ErrLockTimeout wraps apperr.ErrLockTimeout with the resource that timed out.
type ErrLockTimeout struct {
	Kind Kind
	ID   string
}

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("lockmgr: timed out acquiring %s lock on %q", e.Kind, e.ID)
}

func (e *ErrLockTimeout) Unwrap() error { return apperr.ErrLockTimeout }

// Mode is the lock mode requested for a single resource.
type Mode int

const (
	Read Mode = iota
	Write
)

// Ref names one resource to lock.
type Ref struct {
	Kind Kind
	ID   string
	Mode Mode
}

// R builds a read Ref.
func R(kind Kind, id string) Ref { return Ref{Kind: kind, ID: id, Mode: Read} }

// W builds a write Ref.
func W(kind Kind, id string) Ref { return Ref{Kind: kind, ID: id, Mode: Write} }

type entry struct {
	lock *rwlock.RWLock
	refs int // outstanding holders + in-flight acquire attempts
}

// Manager owns one RWLock per (kind, id) pair, garbage collecting them
// once their reference count drops to zero.
type Manager struct {
	mu    sync.Mutex
	locks map[Kind]map[string]*entry
}

// New creates an empty Manager.
func New() *Manager {
	m := &Manager{locks: make(map[Kind]map[string]*entry)}
	return m
}

func (m *Manager) acquireEntry(kind Kind, id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.locks[kind]
	if !ok {
		byID = make(map[string]*entry)
		m.locks[kind] = byID
	}
	e, ok := byID[id]
	if !ok {
		e = &entry{lock: rwlock.New()}
		byID[id] = e
	}
	e.refs++
	return e
}

func (m *Manager) releaseEntry(kind Kind, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.locks[kind]
	if !ok {
		return
	}
	e, ok := byID[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(byID, id)
		if len(byID) == 0 {
			delete(m.locks, kind)
		}
	}
}

// Guard holds a set of acquired locks and releases them, in reverse
// acquisition order, exactly once.
type Guard struct {
	mgr  *Manager
	held []heldLock
	once sync.Once
}

type heldLock struct {
	kind    Kind
	id      string
	release rwlock.ReleaseFunc
}

// Release releases every lock held by the guard, in reverse order of
// acquisition. Safe to call more than once.
func (g *Guard) Release() {
	g.once.Do(func() {
		for i := len(g.held) - 1; i >= 0; i-- {
			h := g.held[i]
			h.release()
			g.mgr.releaseEntry(h.kind, h.id)
		}
	})
}

// AcquireMany acquires every Ref in order, validating that Kinds are
// strictly non-decreasing across the list (the hierarchy order from the
// package doc). On any failure — out-of-order request, or a timeout on
// any individual acquisition — every lock acquired so far is released,
// in reverse order, and the error is returned with no Guard.
func (m *Manager) AcquireMany(ctx context.Context, refs ...Ref) (*Guard, error) {
	for i := 1; i < len(refs); i++ {
		if refs[i].Kind < refs[i-1].Kind {
			return nil, ErrLockOrder
		}
	}

	g := &Guard{mgr: m}
	for _, ref := range refs {
		e := m.acquireEntry(ref.Kind, ref.ID)

		var release rwlock.ReleaseFunc
		var err error
		if ref.Mode == Write {
			release, err = e.lock.Lock(ctx)
		} else {
			release, err = e.lock.RLock(ctx)
		}
		if err != nil {
			m.releaseEntry(ref.Kind, ref.ID)
			g.Release()
			return nil, &ErrLockTimeout{Kind: ref.Kind, ID: ref.ID}
		}
		g.held = append(g.held, heldLock{kind: ref.Kind, id: ref.ID, release: release})
	}
	return g, nil
}

// Acquire is a convenience wrapper for a single resource.
func (m *Manager) Acquire(ctx context.Context, ref Ref) (*Guard, error) {
	return m.AcquireMany(ctx, ref)
}

// Len reports the number of distinct (kind,id) locks currently tracked,
// for tests and diagnostics; it does not reflect lock ownership.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, byID := range m.locks {
		n += len(byID)
	}
	return n
}
