// Package memory implements an exclusive ownership discipline for values
// shared across goroutines without resorting to shared_ptr-style shared
// ownership: an Owner holds the only live copy of a value and a Close call
// blocks until every outstanding Borrower has released it.
package memory

import (
	"runtime"
	"sync/atomic"

	"github.com/hivecore/hive/kernel/utils"
)

// ownershipState is the state shared between an Owner and every Borrower and
// Reference derived from it.
type ownershipState struct {
	borrows atomic.Int64
	alive   atomic.Bool
	lock    spinLock
}

// spinLock is a cooperative, allocation-free lock for the short critical
// sections guarding ownership state transitions. It never parks a goroutine
// on a channel; it spins and yields, since the sections it guards are a
// handful of atomic/field operations.
type spinLock struct {
	held atomic.Bool
}

func (s *spinLock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinLock) Unlock() {
	s.held.Store(false)
}

// Owner holds exclusive access to a value of type T. Other goroutines may
// temporarily borrow it through Borrower or hold a weak Reference to it, but
// Close will not return until every live Borrower has called Close itself.
//
// Borrowing is meant for short-lived, scoped access. Holding a Borrower for
// longer than required risks deadlocking Close; long-lived holders should
// keep a Reference instead and re-borrow when they actually need access.
type Owner[T any] struct {
	value *T
	state *ownershipState
}

// NewOwner takes ownership of value.
func NewOwner[T any](value T) *Owner[T] {
	state := &ownershipState{}
	state.alive.Store(true)
	return &Owner[T]{value: &value, state: state}
}

// Get returns the owned value directly. It must only be called by the
// goroutine that holds the Owner itself, never through a Borrower or
// Reference.
func (o *Owner[T]) Get() *T {
	return o.value
}

// Borrow creates a Borrower of the owned value. The returned Borrower keeps
// Close from completing until it is itself closed.
func (o *Owner[T]) Borrow() *Borrower[T] {
	o.state.lock.Lock()
	defer o.state.lock.Unlock()
	return o.performBorrow()
}

func (o *Owner[T]) performBorrow() *Borrower[T] {
	o.state.borrows.Add(1)
	return &Borrower[T]{value: o.value, state: o.state}
}

// Reference creates a weak Reference to the owned value, valid even after
// the Owner has been closed (though borrowing from it will then fail).
func (o *Owner[T]) Reference() *Reference[T] {
	return &Reference[T]{value: o.value, state: o.state}
}

// Close blocks until every outstanding Borrower has released the value, then
// marks the Owner dead. After Close returns, Reference.TryBorrow reports
// false and Reference.Borrow fails with ErrBorrowFailed; Owner.Borrow does
// not check liveness.
func (o *Owner[T]) Close() {
	for o.state.borrows.Load() > 0 {
		runtime.Gosched()
	}
	o.state.alive.Store(false)
}

// Reference is a weak handle to an Owner's value. Unlike Borrower, holding a
// Reference never blocks the Owner's Close; the Owner may die while
// References to it are still held, so data can only be accessed by first
// converting the Reference into a Borrower, which can fail.
type Reference[T any] struct {
	value *T
	state *ownershipState
}

// CanBorrow reports whether the referenced Owner is still alive.
func (r *Reference[T]) CanBorrow() bool {
	if r == nil || r.state == nil {
		return false
	}
	return r.state.alive.Load()
}

// TryBorrow attempts to borrow from the referenced Owner. ok is false if the
// Owner has already been closed.
func (r *Reference[T]) TryBorrow() (borrower *Borrower[T], ok bool) {
	if r == nil || r.state == nil {
		return nil, false
	}
	r.state.lock.Lock()
	defer r.state.lock.Unlock()
	if !r.state.alive.Load() {
		return nil, false
	}
	r.state.borrows.Add(1)
	return &Borrower[T]{value: r.value, state: r.state}, true
}

// Borrow forces a borrow from the referenced Owner, returning
// utils.ErrBorrowFailed if the Owner is no longer alive.
func (r *Reference[T]) Borrow() (*Borrower[T], error) {
	if b, ok := r.TryBorrow(); ok {
		return b, nil
	}
	return nil, utils.WrapError(utils.ErrBorrowFailed, "reference borrow")
}

// Borrower grants temporary access to an Owner's value. A live Borrower
// blocks its Owner's Close from returning, so it must be closed as soon as
// the caller is done with it.
type Borrower[T any] struct {
	value  *T
	state  *ownershipState
	closed atomic.Bool
}

// Get returns the borrowed value.
func (b *Borrower[T]) Get() *T {
	return b.value
}

// ToReference converts this Borrower into a Reference sharing the same
// ownership state, without releasing the current borrow.
func (b *Borrower[T]) ToReference() *Reference[T] {
	return &Reference[T]{value: b.value, state: b.state}
}

// Close releases this borrow. It is safe to call more than once; only the
// first call has an effect.
func (b *Borrower[T]) Close() {
	if b.closed.CompareAndSwap(false, true) {
		b.state.borrows.Add(-1)
	}
}

// EnableBorrowFromThis lets a type owned by an Owner borrow or reference
// itself, the exclusive-ownership analogue of C++'s enable_shared_from_this.
// Embed it in T and call SetOwnerOfThis once the Owner[T] exists.
type EnableBorrowFromThis[T any] struct {
	self *Reference[T]
}

// SetOwnerOfThis records the Owner that now holds this value. It must be
// called exactly once, immediately after the Owner is constructed.
func (e *EnableBorrowFromThis[T]) SetOwnerOfThis(owner *Owner[T]) {
	e.self = owner.Reference()
}

// HasOwner reports whether this instance currently has a live owner.
func (e *EnableBorrowFromThis[T]) HasOwner() bool {
	return e.self != nil && e.self.CanBorrow()
}

// BorrowFromThis borrows the value from its own Owner.
func (e *EnableBorrowFromThis[T]) BorrowFromThis() (*Borrower[T], error) {
	if e.self == nil {
		return nil, utils.WrapError(utils.ErrBorrowFailed, "not currently owned")
	}
	return e.self.Borrow()
}

// ReferenceFromThis returns a Reference to this value's own Owner.
func (e *EnableBorrowFromThis[T]) ReferenceFromThis() *Reference[T] {
	return e.self
}
