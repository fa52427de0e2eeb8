package sched

import (
	"errors"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

type (
	// Func is an event callback. For events added via AddVariable with
	// variable set, a positive return value is the delay until the event
	// fires again, and zero (or less) releases it. Otherwise, any non-zero
	// return value reschedules the event at its fixed interval, and zero
	// releases it.
	Func func() time.Duration

	// Context is a timer queue, serviced by one or more worker goroutines.
	// Instances must be initialized using New, and should be closed, to
	// stop the workers.
	Context struct {
		_        [0]func()
		logger   *logiface.Logger[logiface.Event]
		name     string
		coalesce time.Duration

		// timedCh wakes the worker waiting on the timer, untimedCh wakes
		// exactly one of the rest, both are only sent to with mu held
		timedCh   chan struct{}
		untimedCh chan struct{}
		done      chan struct{}
		wg        sync.WaitGroup
		pool      sync.Pool

		// guarded by mu
		mu     sync.Mutex
		queue  *event
		length int
		lastID int
		// firing tracks events with a running callback, by ID
		firing       map[int]*event
		timedPresent bool
		closed       bool
	}

	event struct {
		next     *event
		fn       Func
		when     time.Time
		interval time.Duration
		id       int
		variable bool
		// cancelled is set by Del while the callback is running
		cancelled bool
	}
)

// New starts a context with the given number of workers.
func New(workers int, opts ...Option) (*Context, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	if workers <= 0 {
		cfg.logger.Err().
			Str(`sched`, cfg.name).
			Int(`workers`, workers).
			Log(`sched context init failed`)
		return nil, ErrNoWorkers
	}

	x := &Context{
		logger:    cfg.logger,
		name:      cfg.name,
		coalesce:  cfg.coalesce,
		timedCh:   make(chan struct{}, 1),
		untimedCh: make(chan struct{}, 1),
		done:      make(chan struct{}),
		firing:    make(map[int]*event),
	}
	x.pool.New = func() any { return new(event) }

	x.wg.Add(workers)
	for range workers {
		go x.worker()
	}

	x.logger.Debug().
		Str(`sched`, x.name).
		Int(`workers`, workers).
		Log(`sched context started`)

	return x, nil
}

// Add schedules fn to be called after when. If fn returns a non-zero value,
// and when is positive, it will be called again, when after the time it was
// scheduled for, i.e. at a fixed interval. The returned ID may be used to
// cancel the event, via Del.
func (x *Context) Add(when time.Duration, fn Func) (int, error) {
	return x.AddVariable(when, fn, false)
}

// AddVariable is like Add, but if variable is true, the duration returned
// by fn is used as the delay until the next call, measured from the time fn
// was called.
func (x *Context) AddVariable(when time.Duration, fn Func, variable bool) (int, error) {
	if fn == nil {
		panic(`sched: nil func`)
	}

	now := time.Now()

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return 0, ErrClosed
	}

	ev := x.pool.Get().(*event)
	x.lastID++
	ev.id = x.lastID
	ev.fn = fn
	ev.when = now.Add(when)
	ev.interval = when
	ev.variable = variable

	x.insert(ev)

	return ev.id, nil
}

// Del cancels the event with the given ID. ErrNotFound is returned if the
// event isn't queued, e.g. because it already fired. If the callback is
// running, it will complete, and Del still returns ErrNotFound, but the
// event won't be rescheduled.
func (x *Context) Del(id int) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return ErrClosed
	}

	for prev, ev := (*event)(nil), x.queue; ev != nil; prev, ev = ev, ev.next {
		if ev.id != id {
			continue
		}
		if prev == nil {
			x.queue = ev.next
		} else {
			prev.next = ev.next
		}
		x.length--
		x.release(ev)
		return nil
	}

	if ev := x.firing[id]; ev != nil {
		ev.cancelled = true
	}

	x.logger.Debug().
		Str(`sched`, x.name).
		Int(`id`, id).
		Log(`sched event not found`)

	return ErrNotFound
}

// Modify reschedules the event with the given ID, see ModifyVariable.
func (x *Context) Modify(id int, when time.Duration, fn Func) (int, error) {
	return x.ModifyVariable(id, when, fn, false)
}

// ModifyVariable deletes the event with the given ID, then adds a new one,
// returning its ID. The new event is added even if the old one was not
// found.
func (x *Context) ModifyVariable(id int, when time.Duration, fn Func, variable bool) (int, error) {
	if err := x.Del(id); errors.Is(err, ErrClosed) {
		return 0, err
	}
	return x.AddVariable(when, fn, variable)
}

// When returns the time remaining until the event with the given ID fires,
// or false if there is no such event queued. The result is a snapshot, the
// event may fire at any time.
func (x *Context) When(id int) (time.Duration, bool) {
	now := time.Now()
	x.mu.Lock()
	defer x.mu.Unlock()
	for ev := x.queue; ev != nil; ev = ev.next {
		if ev.id == id {
			return ev.when.Sub(now), true
		}
	}
	return 0, false
}

// Len returns the number of queued events, excluding any that are firing.
func (x *Context) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.length
}

// Close stops the workers, and releases all queued events. Callbacks that
// are already running will complete, before Close returns. Close must not
// be called from a callback.
func (x *Context) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return ErrClosed
	}
	x.closed = true
	n := x.length
	for ev := x.queue; ev != nil; {
		next := ev.next
		x.release(ev)
		ev = next
	}
	x.queue = nil
	x.length = 0
	close(x.done)
	x.mu.Unlock()

	x.wg.Wait()

	x.logger.Debug().
		Str(`sched`, x.name).
		Int(`dropped`, n).
		Log(`sched context closed`)

	return nil
}

// insert links ev into the queue, after any events with the same wake
// time, signalling a worker if it became the head. Must be called with mu
// held.
func (x *Context) insert(ev *event) {
	x.length++

	if x.queue == nil || ev.when.Before(x.queue.when) {
		ev.next = x.queue
		x.queue = ev
		if x.timedPresent {
			notify(x.timedCh)
		} else {
			notify(x.untimedCh)
		}
		return
	}

	prev := x.queue
	for prev.next != nil && !ev.when.Before(prev.next.when) {
		prev = prev.next
	}
	ev.next = prev.next
	prev.next = ev
}

func (x *Context) release(ev *event) {
	*ev = event{}
	x.pool.Put(ev)
}

func (x *Context) worker() {
	defer x.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	x.mu.Lock()
	for {
		x.runDue()

		if x.closed {
			x.mu.Unlock()
			return
		}

		if x.queue != nil && !x.timedPresent {
			// take ownership of the timed wait, any pending signal is stale,
			// as the deadline is computed from the current head
			select {
			case <-x.timedCh:
			default:
			}
			x.timedPresent = true
			deadline := x.queue.when
			x.mu.Unlock()

			timer.Reset(time.Until(deadline))
			select {
			case <-timer.C:
			case <-x.timedCh:
				timer.Stop()
			case <-x.done:
				timer.Stop()
			}

			x.mu.Lock()
			x.timedPresent = false
			continue
		}

		x.mu.Unlock()
		select {
		case <-x.untimedCh:
		case <-x.done:
		}
		x.mu.Lock()
	}
}

// runDue fires every event due within the coalescing window, and must be
// called with mu held, which is released while each callback runs.
func (x *Context) runDue() {
	for !x.closed && x.queue != nil {
		ev := x.queue
		now := time.Now()
		if ev.when.After(now.Add(x.coalesce)) {
			return
		}

		x.queue = ev.next
		ev.next = nil
		x.length--
		x.firing[ev.id] = ev

		if x.queue != nil && !x.timedPresent {
			// hand the remaining events to another worker while this one is busy
			notify(x.untimedCh)
		}

		x.mu.Unlock()
		fired := time.Now()
		next, ok := x.invoke(ev)
		x.mu.Lock()

		delete(x.firing, ev.id)

		if !ok || next == 0 || ev.cancelled || x.closed {
			x.release(ev)
			continue
		}

		if ev.variable {
			if next < 0 {
				x.release(ev)
				continue
			}
			ev.when = fired.Add(next)
		} else if ev.interval > 0 {
			ev.when = ev.when.Add(ev.interval)
		} else {
			x.release(ev)
			continue
		}

		x.insert(ev)
	}
}

func (x *Context) invoke(ev *event) (next time.Duration, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Err().
				Str(`sched`, x.name).
				Int(`id`, ev.id).
				Err(PanicError{Value: r}).
				Log(`sched callback panicked`)
		}
	}()
	next = ev.fn()
	ok = true
	return
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
