// Package sched implements a timer queue, serviced by a pool of worker
// goroutines.
//
// Events are kept in a single list, sorted soonest first. Each worker fires
// every event that is due (within a small coalescing window, see
// [WithCoalesce]), invoking callbacks without holding the context lock, then
// waits. At most one worker waits on a timer for the head of the queue, the
// rest wait to be signalled, e.g. by an [Context.Add] that changes the head.
//
// Events may be rescheduled, either at a fixed interval (from the time they
// were scheduled to fire, see [Context.Add]), or at a variable interval,
// returned by the callback, measured from the time it actually fired (see
// [Context.AddVariable]).
package sched
