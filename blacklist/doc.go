// Package blacklist tracks temporarily blocked network addresses.
//
// Each listed address expires after a duration, which starts at
// Config.InitialDuration, and doubles (up to Config.MaxDuration) every time
// the address is listed again before it expires. Addresses may also be
// listed automatically, by recording offences via [Blacklist.Strike].
//
// Entries are reference counted objects, held in a [registry.Registry], and
// expired by jobs on a [sched.Context].
package blacklist
