// Package refcount implements the atomic counters used to track references
// to shared objects.
//
// Two variants are provided, with the same method set. [Counter] uses native
// atomic instructions, and is what almost everything should use.
// [LockedCounter] guards a plain integer of any signed type with a spinlock,
// for platforms or widths where native atomics aren't available, and must be
// released via [LockedCounter.Destroy].
//
// In both cases the zero value is valid, and reads are always safe, even
// prior to the first write.
package refcount
