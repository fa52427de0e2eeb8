// Package object implements reference counted objects, intended to be
// embedded into container structs, and tracked by registries.
//
// An [Object] carries an atomic reference count, an optional release
// callback (run when the last reference is released), and an optional
// [Owner], which is pinned for as long as the object is referenced. The
// owner stands in for whatever must outlive the object, e.g. the [Module]
// that created it.
//
// Polymorphic behavior (naming, matching, ordering) is provided by the
// container type itself, via the [Namer], [Matcher] and [Comparer]
// interfaces.
package object

import (
	"github.com/joeycumines/go-callcore/refcount"
)

// Implicit may be passed as the refs argument to Init, to indicate that one
// reference already exists, and is not being explicitly acquired, i.e. the
// caller must eventually Put it.
const Implicit = -1

type (
	// Object is the reference counting header. The zero value is an
	// uncounted object with no owner or release callback. It must not be
	// copied after first use.
	Object struct {
		_       [0]func()
		refs    refcount.Counter
		owner   Owner
		release func()
	}

	// Counted is implemented by containers embedding an Object.
	Counted interface {
		CountedObject() *Object
	}

	// Owner models the owner of an object, pinned while any of the objects
	// it owns are referenced. Implementations must be safe for concurrent
	// use.
	Owner interface {
		Retain()
		Release()
	}

	// Namer may be implemented by containers, to provide a diagnostic name.
	Namer interface {
		Name() string
	}

	// Matcher may be implemented by containers, to support pattern based
	// lookup.
	Matcher[P any] interface {
		Match(pattern P) bool
	}

	// Comparer may be implemented by containers, to support ordered
	// iteration, returning a negative number, zero, or a positive number.
	Comparer[T any] interface {
		Compare(other T) int
	}
)

// CountedObject implements Counted, allowing any struct that embeds Object
// to be used directly.
func (x *Object) CountedObject() *Object { return x }

// Init initializes obj, and must be called prior to any other use. If refs
// is non-zero, a reference to owner (which may be nil) is acquired, and the
// count is set to refs, or to 1, if refs is Implicit. The release function
// (which may be nil) is called exactly once, when the count returns to
// zero.
//
// It is not safe to call Init concurrently with any other function, for the
// same object.
func Init(obj Counted, owner Owner, refs int64, release func()) {
	o := obj.CountedObject()
	o.owner = owner
	o.release = release
	if refs == Implicit {
		refs = 1
	}
	if refs < 0 {
		panic(`object: invalid initial reference count`)
	}
	if refs != 0 && owner != nil {
		owner.Retain()
	}
	o.refs.Set(refs)
}

// Get acquires a reference. If the object had no references, a reference
// to its owner is also acquired.
//
// WARNING: Get is only safe if the object cannot be concurrently released,
// e.g. the caller holds a lock that also guards Put, or the object was
// reached via a registry (which holds its own reference). Calling Get on a
// pointer of unknown liveness, from multiple goroutines, races with the
// final Put. Prefer Dup for references known to be counted.
func Get[T Counted](obj T) T {
	o := obj.CountedObject()
	if o.refs.FetchAndAdd(1) == 0 && o.owner != nil {
		o.owner.Retain()
	}
	return obj
}

// Dup acquires an additional reference, given an already counted reference.
func Dup[T Counted](obj T) T {
	obj.CountedObject().refs.Inc()
	return obj
}

// Put releases a reference, returning true if it was the last, in which
// case the release callback has been called, and the owner released. A put
// that would make the count negative panics.
func Put(obj Counted) bool {
	o := obj.CountedObject()
	switch v := o.refs.FetchAndSub(1); {
	case v > 1:
		return false
	case v == 1:
		if o.release != nil {
			o.release()
		}
		if o.owner != nil {
			o.owner.Release()
		}
		return true
	default:
		o.refs.Inc()
		panic(`object: negative reference count`)
	}
}

// Refs returns the current reference count, for diagnostic purposes.
func Refs(obj Counted) int64 {
	return obj.CountedObject().refs.Read()
}

// Name returns the result of the Namer implementation, if any, otherwise an
// empty string.
func Name(obj any) string {
	if v, ok := obj.(Namer); ok {
		return v.Name()
	}
	return ``
}
