package refcount

import (
	"sync/atomic"

	"golang.org/x/exp/constraints"
)

type (
	// Counter is a signed counter backed by native atomics. The zero value
	// is a counter with the value 0. It must not be copied after first use.
	Counter struct {
		_ [0]func()
		v atomic.Int64
	}

	// cmpxchg is the primitive that both counter variants provide, used to
	// implement everything that isn't provided natively.
	cmpxchg[T any] interface {
		Read() T
		CompareAndSwap(old, new T) T
	}
)

var (
	_ cmpxchg[int64] = (*Counter)(nil)
	_ cmpxchg[int32] = (*LockedCounter[int32])(nil)
)

// Set initializes the counter to i. It is not safe to call concurrently with
// any other method.
func (x *Counter) Set(i int64) { x.v.Store(i) }

// Read returns the current value.
func (x *Counter) Read() int64 { return x.v.Load() }

// Inc atomically increments the counter.
func (x *Counter) Inc() { x.v.Add(1) }

// Dec atomically decrements the counter.
func (x *Counter) Dec() { x.v.Add(-1) }

// IncAndTest atomically increments the counter, returning true if the result
// is exactly zero.
func (x *Counter) IncAndTest() bool { return x.v.Add(1) == 0 }

// DecAndTest atomically decrements the counter, returning true if the result
// is exactly zero.
func (x *Counter) DecAndTest() bool { return x.v.Add(-1) == 0 }

// CompareAndSwap sets the counter to new if it is currently old, returning
// the value prior to the operation. The swap succeeded if the return value
// equals old.
func (x *Counter) CompareAndSwap(old, new int64) int64 {
	for {
		if x.v.CompareAndSwap(old, new) {
			return old
		}
		// the swap failed, but the value may have changed back since
		if prior := x.v.Load(); prior != old {
			return prior
		}
	}
}

// FetchAndAdd adds delta, returning the value prior to the addition.
func (x *Counter) FetchAndAdd(delta int64) int64 { return fetchAndAdd[int64](x, delta) }

// FetchAndSub subtracts delta, returning the value prior to the subtraction.
func (x *Counter) FetchAndSub(delta int64) int64 { return fetchAndAdd[int64](x, -delta) }

// fetchAndAdd is deliberately built on cmpxchg rather than any native add,
// so both variants behave identically.
func fetchAndAdd[T constraints.Signed](x cmpxchg[T], delta T) T {
	for {
		old := x.Read()
		if x.CompareAndSwap(old, old+delta) == old {
			return old
		}
	}
}
