package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/joeycumines/go-callcore/internal/spin"
	"github.com/joeycumines/go-callcore/object"
	"github.com/joeycumines/go-callcore/refcount"
	"github.com/joeycumines/logiface"
)

const (
	stateLive uint32 = iota
	statePending
	stateFreed
)

var (
	// ErrInvalidSize is returned by New if the bucket count isn't positive.
	ErrInvalidSize = errors.New(`registry: size must be positive`)

	// ErrDestroyed is returned by Add on a destroyed registry.
	ErrDestroyed = errors.New(`registry: destroyed`)

	// ErrNoCompare is returned by IterateOrdered if no ordering is
	// available, see Config.Compare.
	ErrNoCompare = errors.New(`registry: no compare function`)
)

type (
	// Config models optional configuration, for New.
	Config[T object.Counted, P any] struct {
		// OnChange is called after every add or delete, outside the
		// registry lock.
		OnChange func()

		// Compare orders objects, for IterateOrdered.
		// **Defaults to object.Comparer[T], if T implements it.**
		Compare func(a, b T) int

		// Match reports whether obj matches pattern, for Find, FindAny,
		// Replace and Remove.
		// **Defaults to object.Matcher[P], if T implements it.**
		Match func(obj T, pattern P) bool

		// Logger is used for diagnostics, and may be nil.
		Logger *logiface.Logger[logiface.Event]
	}

	// Registry is a fixed size, hash bucketed collection of reference
	// counted objects, of type T, searchable by patterns of type P.
	// Instances must be initialized using New.
	Registry[T object.Counted, P any] struct {
		// betteralign:ignore

		_        [0]func()
		name     string
		buckets  []atomic.Pointer[Entry[T]]
		onChange func()
		compare  func(a, b T) int
		match    func(obj T, pattern P) bool
		logger   *logiface.Logger[logiface.Event]

		// inUse pins the registry, see pin and unpin
		inUse refcount.Counter

		// destroyed is only set with the lock held
		destroyed atomic.Bool

		// guarded by lock
		lock      spin.Lock
		del       *Entry[T]
		live      int
		pending   int
	}

	// Entry is a registry's handle on an object, returned by Add. Entries
	// aren't reference counted, they are valid for as long as they remain
	// linked, and may be safely passed to Del at any time.
	Entry[T object.Counted] struct {
		// links are atomic so that they may be walked without the lock,
		// they are only modified with the lock held
		next atomic.Pointer[Entry[T]]
		prev atomic.Pointer[Entry[T]]

		// delNext links the pending deletion list, guarded by the lock
		delNext *Entry[T]

		obj   T
		hash  uint64
		state atomic.Uint32
	}

	// Stats is a point in time snapshot of a registry's counters.
	Stats struct {
		Live    int
		Pending int
		InUse   int64
	}
)

// New initializes a registry with size buckets. The name is used for
// diagnostics only. The config may be nil.
func New[T object.Counted, P any](name string, size int, config *Config[T, P]) (*Registry[T, P], error) {
	var logger *logiface.Logger[logiface.Event]
	if config != nil {
		logger = config.Logger
	}

	if size <= 0 {
		logger.Err().
			Str(`registry`, name).
			Int(`size`, size).
			Log(`registry init failed`)
		return nil, fmt.Errorf(`%w: %d`, ErrInvalidSize, size)
	}

	r := Registry[T, P]{
		name:    name,
		buckets: make([]atomic.Pointer[Entry[T]], size),
		logger:  logger,
	}

	if config != nil {
		r.onChange = config.OnChange
		r.compare = config.Compare
		r.match = config.Match
	}

	return &r, nil
}

// Name returns the name provided to New.
func (x *Registry[T, P]) Name() string { return x.name }

// Size returns the number of buckets.
func (x *Registry[T, P]) Size() int { return len(x.buckets) }

// Len returns the number of live entries.
func (x *Registry[T, P]) Len() int {
	x.lock.Lock()
	v := x.live
	x.lock.Unlock()
	return v
}

// Stats returns the current live, pending and in-use counts.
func (x *Registry[T, P]) Stats() Stats {
	x.lock.Lock()
	s := Stats{Live: x.live, Pending: x.pending}
	x.lock.Unlock()
	s.InUse = x.inUse.Read()
	return s
}

// Add links obj into the bucket for hash, acquiring a new reference to it,
// which will be released after the entry is deleted.
func (x *Registry[T, P]) Add(hash uint64, obj T) (*Entry[T], error) {
	if x.destroyed.Load() {
		return nil, ErrDestroyed
	}

	e := &Entry[T]{obj: obj, hash: hash}

	// the first reference may retain the owner, which mustn't happen under
	// the spinlock
	object.Get(obj)

	x.lock.Lock()
	if x.destroyed.Load() {
		// raced with Destroy
		x.lock.Unlock()
		object.Put(obj)
		return nil, ErrDestroyed
	}
	bucket := x.bucket(hash)
	if head := bucket.Load(); head != nil {
		e.next.Store(head)
		head.prev.Store(e)
	}
	bucket.Store(e)
	x.live++
	x.lock.Unlock()

	x.changed()

	return e, nil
}

// Del unlinks entry, deferring the release of the object until the registry
// is no longer in use. False is returned if the entry had already been
// deleted.
func (x *Registry[T, P]) Del(entry *Entry[T]) bool {
	x.pin()
	defer x.unpin()

	x.lock.Lock()
	ok := x.unlink(entry)
	x.lock.Unlock()

	if ok {
		x.changed()
	}

	return ok
}

// Replace adds obj, then deletes every other entry in the same bucket that
// matches pattern, i.e. an upsert. See also Remove.
func (x *Registry[T, P]) Replace(hash uint64, pattern P, obj T) (*Entry[T], error) {
	e, err := x.Add(hash, obj)
	if err != nil {
		return nil, err
	}
	x.remove(hash, pattern, e)
	return e, nil
}

// Remove deletes every entry in the bucket for hash that matches pattern,
// returning the number of entries deleted.
func (x *Registry[T, P]) Remove(hash uint64, pattern P) int {
	return x.remove(hash, pattern, nil)
}

func (x *Registry[T, P]) remove(hash uint64, pattern P, keep *Entry[T]) (n int) {
	x.pin()
	defer x.unpin()
	for e := x.bucket(hash).Load(); e != nil; e = e.next.Load() {
		if e != keep && e.hash == hash && e.Live() && x.matches(e.obj, pattern) && x.Del(e) {
			n++
		}
	}
	return n
}

// Find searches the bucket for hash, returning a new reference to the first
// object matching pattern, which the caller must release via object.Put.
func (x *Registry[T, P]) Find(hash uint64, pattern P) (obj T, ok bool) {
	x.pin()
	defer x.unpin()
	return x.find(x.bucket(hash), pattern)
}

// FindAny is like Find, but searches every bucket.
func (x *Registry[T, P]) FindAny(pattern P) (obj T, ok bool) {
	x.pin()
	defer x.unpin()
	for i := range x.buckets {
		if obj, ok = x.find(&x.buckets[i], pattern); ok {
			break
		}
	}
	return
}

func (x *Registry[T, P]) find(bucket *atomic.Pointer[Entry[T]], pattern P) (obj T, ok bool) {
	for e := bucket.Load(); e != nil; e = e.next.Load() {
		if e.Live() && x.matches(e.obj, pattern) {
			// safe, as the registry's own reference can't be released while pinned
			return object.Dup(e.obj), true
		}
	}
	return
}

// Iterate calls fn for every live object, walking the buckets in order,
// stopping early if fn returns false. The registry isn't locked while fn
// runs, and fn may add or delete entries.
func (x *Registry[T, P]) Iterate(fn func(obj T) bool) {
	x.pin()
	defer x.unpin()
	for i := range x.buckets {
		for e := x.buckets[i].Load(); e != nil; e = e.next.Load() {
			if e.Live() && !fn(e.obj) {
				return
			}
		}
	}
}

// IterateRev is like Iterate, but walks the buckets, and each bucket, in
// reverse.
func (x *Registry[T, P]) IterateRev(fn func(obj T) bool) {
	x.pin()
	defer x.unpin()
	for i := len(x.buckets) - 1; i >= 0; i-- {
		tail := x.buckets[i].Load()
		if tail == nil {
			continue
		}
		for next := tail.next.Load(); next != nil; next = tail.next.Load() {
			tail = next
		}
		for e := tail; e != nil; e = e.prev.Load() {
			if e.Live() && !fn(e.obj) {
				return
			}
		}
	}
}

// IterateOrdered snapshots every live object, sorts them, then calls fn for
// each, stopping early if fn returns false. The snapshot holds a reference
// to each object, meaning they remain valid even if deleted while fn runs,
// and the order is independent of the bucket layout.
func (x *Registry[T, P]) IterateOrdered(fn func(obj T) bool) error {
	compare := x.compare
	if compare == nil {
		var zero T
		if _, ok := any(zero).(object.Comparer[T]); !ok {
			return ErrNoCompare
		}
		compare = func(a, b T) int {
			return any(a).(object.Comparer[T]).Compare(b)
		}
	}

	var snapshot []T
	func() {
		x.pin()
		defer x.unpin()
		for i := range x.buckets {
			for e := x.buckets[i].Load(); e != nil; e = e.next.Load() {
				if e.Live() {
					snapshot = append(snapshot, object.Dup(e.obj))
				}
			}
		}
	}()

	defer func() {
		for _, obj := range snapshot {
			object.Put(obj)
		}
	}()

	slices.SortStableFunc(snapshot, compare)

	for _, obj := range snapshot {
		if !fn(obj) {
			break
		}
	}

	return nil
}

// Flush deletes every entry.
func (x *Registry[T, P]) Flush() {
	x.pin()
	defer x.unpin()

	var n int
	x.lock.Lock()
	for i := range x.buckets {
		for e := x.buckets[i].Load(); e != nil; e = e.next.Load() {
			if x.unlink(e) {
				n++
			}
		}
	}
	x.lock.Unlock()

	if n != 0 {
		x.changed()
	}
}

// Destroy flushes the registry, after which Add will fail. Any other use
// after Destroy is undefined.
func (x *Registry[T, P]) Destroy() {
	x.lock.Lock()
	x.destroyed.Store(true)
	x.lock.Unlock()

	x.Flush()

	x.logger.Debug().
		Str(`registry`, x.name).
		Log(`registry destroyed`)
}

func (x *Registry[T, P]) bucket(hash uint64) *atomic.Pointer[Entry[T]] {
	return &x.buckets[hash%uint64(len(x.buckets))]
}

// unlink moves entry to the pending deletion list, and must be called with
// the lock held. Entry.next is left as-is, so any concurrent walk that is
// positioned on the entry may continue.
func (x *Registry[T, P]) unlink(entry *Entry[T]) bool {
	if !entry.state.CompareAndSwap(stateLive, statePending) {
		return false
	}

	next := entry.next.Load()
	prev := entry.prev.Load()
	if prev == nil {
		x.bucket(entry.hash).Store(next)
	} else {
		prev.next.Store(next)
	}
	if next != nil {
		next.prev.Store(prev)
	}

	entry.delNext = x.del
	x.del = entry
	x.live--
	x.pending++

	return true
}

func (x *Registry[T, P]) pin() { x.inUse.Inc() }

func (x *Registry[T, P]) unpin() {
	if x.inUse.DecAndTest() {
		x.purge()
	}
}

// purge releases all pending entries, provided the registry isn't in use.
func (x *Registry[T, P]) purge() {
	x.lock.Lock()
	if x.inUse.Read() != 0 {
		// re-pinned, whoever holds it will purge
		x.lock.Unlock()
		return
	}
	list := x.del
	n := x.pending
	x.del = nil
	x.pending = 0
	x.lock.Unlock()

	if list == nil {
		return
	}

	for e := list; e != nil; {
		next := e.delNext
		e.delNext = nil
		e.state.Store(stateFreed)
		object.Put(e.obj)
		e = next
	}

	x.logger.Trace().
		Str(`registry`, x.name).
		Int(`purged`, n).
		Log(`registry purged`)
}

func (x *Registry[T, P]) changed() {
	if x.onChange != nil {
		x.onChange()
	}
}

func (x *Registry[T, P]) matches(obj T, pattern P) bool {
	if x.match != nil {
		return x.match(obj, pattern)
	}
	if m, ok := any(obj).(object.Matcher[P]); ok {
		return m.Match(pattern)
	}
	return false
}

// Object returns the object the entry references.
func (x *Entry[T]) Object() T { return x.obj }

// Hash returns the hash the entry was added with.
func (x *Entry[T]) Hash() uint64 { return x.hash }

// Live returns true until the entry is deleted.
func (x *Entry[T]) Live() bool { return x.state.Load() == stateLive }
