package refcount

import (
	"github.com/joeycumines/go-callcore/internal/spin"
	"golang.org/x/exp/constraints"
)

// LockedCounter is a spinlock protected counter, of any signed integer
// type. The zero value is a counter with the value 0. It must not be copied
// after first use.
//
// Unlike [Counter], Destroy should be called once the counter is no longer
// needed. Any use after Destroy is undefined.
type LockedCounter[T constraints.Signed] struct {
	lock spin.Lock
	v    T
}

// Set initializes the counter (and the backing lock) to i. It is not safe to
// call concurrently with any other method.
func (x *LockedCounter[T]) Set(i T) {
	x.lock = spin.Lock{}
	x.v = i
}

// Read returns the current value.
func (x *LockedCounter[T]) Read() T {
	x.lock.Lock()
	v := x.v
	x.lock.Unlock()
	return v
}

func (x *LockedCounter[T]) add(delta T) T {
	x.lock.Lock()
	x.v += delta
	v := x.v
	x.lock.Unlock()
	return v
}

// Inc increments the counter.
func (x *LockedCounter[T]) Inc() { x.add(1) }

// Dec decrements the counter.
func (x *LockedCounter[T]) Dec() { x.add(-1) }

// IncAndTest increments the counter, returning true if the result is
// exactly zero.
func (x *LockedCounter[T]) IncAndTest() bool { return x.add(1) == 0 }

// DecAndTest decrements the counter, returning true if the result is
// exactly zero.
func (x *LockedCounter[T]) DecAndTest() bool { return x.add(-1) == 0 }

// CompareAndSwap sets the counter to new if it is currently old, returning
// the prior value.
func (x *LockedCounter[T]) CompareAndSwap(old, new T) T {
	x.lock.Lock()
	prior := x.v
	if prior == old {
		x.v = new
	}
	x.lock.Unlock()
	return prior
}

// FetchAndAdd adds delta, returning the value prior to the addition.
func (x *LockedCounter[T]) FetchAndAdd(delta T) T { return fetchAndAdd[T](x, delta) }

// FetchAndSub subtracts delta, returning the value prior to the subtraction.
func (x *LockedCounter[T]) FetchAndSub(delta T) T { return fetchAndAdd[T](x, -delta) }

// Destroy releases the backing lock, and zeroes the counter.
func (x *LockedCounter[T]) Destroy() {
	x.lock = spin.Lock{}
	x.v = 0
}
