// Package spin implements a small spinlock, for critical sections that only
// relink a handful of pointers.
package spin

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// maxBackoff caps the number of yields between attempts.
const maxBackoff = 16

// Lock is a spinlock, implementing [sync.Locker]. The zero value is an
// unlocked Lock. It must not be copied after first use.
//
// Holders must not block, or call anything that may block, while the Lock
// is held.
type Lock struct {
	_     [0]func()
	state atomic.Uint32
}

var _ sync.Locker = (*Lock)(nil)

// Lock acquires the lock, spinning (with exponential backoff via
// [runtime.Gosched]) until it is available.
func (x *Lock) Lock() {
	backoff := 1
	for !x.state.CompareAndSwap(0, 1) {
		for i := 0; i < backoff; i++ {
			runtime.Gosched()
		}
		if backoff < maxBackoff {
			backoff <<= 1
		}
	}
}

// TryLock attempts to acquire the lock without spinning.
func (x *Lock) TryLock() bool {
	return x.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock. Unlocking an unlocked Lock panics.
func (x *Lock) Unlock() {
	if !x.state.CompareAndSwap(1, 0) {
		panic(`spin: unlock of unlocked lock`)
	}
}
