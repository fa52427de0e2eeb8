package object

import (
	"github.com/joeycumines/go-callcore/refcount"
)

// Module is an Owner that simply counts the references held against it,
// e.g. to decide whether the subsystem that created a set of objects may be
// torn down. The zero value is not usable, use NewModule.
type Module struct {
	name string
	refs refcount.Counter
}

var _ Owner = (*Module)(nil)

// NewModule returns a new Module with no references.
func NewModule(name string) *Module {
	return &Module{name: name}
}

// Name returns the name provided to NewModule.
func (x *Module) Name() string { return x.name }

// Retain implements Owner.
func (x *Module) Retain() { x.refs.Inc() }

// Release implements Owner.
func (x *Module) Release() {
	if x.refs.FetchAndSub(1) <= 0 {
		x.refs.Inc()
		panic(`object: module ` + x.name + `: released more than retained`)
	}
}

// Refs returns the number of outstanding references.
func (x *Module) Refs() int64 { return x.refs.Read() }

// Busy returns true if any objects owned by the module are still
// referenced.
func (x *Module) Busy() bool { return x.Refs() != 0 }
