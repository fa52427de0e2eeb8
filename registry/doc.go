// Package registry implements a hash bucketed store of reference counted
// objects, supporting concurrent add, delete, lookup and iteration.
//
// Lookups and iteration don't hold the registry lock while walking buckets.
// Instead, they "pin" the registry, via an activity counter. Deleted entries
// are unlinked immediately, but their reference to the object is only
// released once nothing is pinning the registry, meaning an object reached
// mid-iteration remains valid even if it's concurrently deleted. Entries are
// never relinked once deleted.
//
// Within a bucket, entries are ordered most recently added first. Use
// [Registry.IterateOrdered] where a stable order matters.
package registry
