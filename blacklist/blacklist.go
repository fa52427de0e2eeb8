package blacklist

import (
	"errors"
	"fmt"
	"hash/maphash"
	"net/netip"
	"sync"
	"time"

	"github.com/joeycumines/go-callcore/object"
	"github.com/joeycumines/go-callcore/registry"
	"github.com/joeycumines/go-callcore/sched"
	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

var (
	// ErrClosed is returned by operations on a closed Blacklist.
	ErrClosed = errors.New(`blacklist: closed`)

	// ErrInvalidConfig is returned by New, wrapped with detail.
	ErrInvalidConfig = errors.New(`blacklist: invalid config`)

	// ErrInvalidAddr is returned for the zero netip.Addr.
	ErrInvalidAddr = errors.New(`blacklist: invalid address`)
)

type (
	// Config models optional configuration, for New.
	Config struct {
		// Scheduler runs the expiry jobs. It will not be closed by the
		// blacklist. **Defaults to a new scheduler, with Workers workers,
		// owned by the blacklist.**
		Scheduler *sched.Context

		// StrikeRates configures the number of offences allowed by Strike,
		// within each window, before an address is listed.
		// **Defaults to 10 per minute, if nil, and DisableStrikes is false.**
		StrikeRates map[time.Duration]int

		// OnChange is called for every change to the list, with the list's
		// lock held, meaning it must not call the Blacklist.
		OnChange func(Change)

		Logger *logiface.Logger[logiface.Event]

		// Buckets is the registry size.
		// **Defaults to 64, if 0, or Config is nil.**
		Buckets int

		// InitialDuration is how long an address is first listed for.
		// **Defaults to 1m, if 0, or Config is nil.**
		InitialDuration time.Duration

		// MaxDuration caps the doubling of the duration on repeat offences.
		// **Defaults to 24h, if 0, or Config is nil.**
		MaxDuration time.Duration

		// Workers is the number of scheduler workers, if Scheduler is nil.
		// **Defaults to 1, if 0, or Config is nil.**
		Workers int

		// DisableStrikes disables Strike, which will never list an address.
		DisableStrikes bool
	}

	// Blacklist is a set of temporarily blocked addresses, safe for
	// concurrent use. Instances must be initialized using New.
	Blacklist struct {
		// betteralign:ignore

		_               [0]func()
		module          *object.Module
		reg             *registry.Registry[*entry, netip.Addr]
		sched           *sched.Context
		ownSched        bool
		limiter         *catrate.Limiter
		onChange        func(Change)
		logger          *logiface.Logger[logiface.Event]
		seed            maphash.Seed
		initialDuration time.Duration
		maxDuration     time.Duration

		// mu serializes changes, including expiry
		mu     sync.Mutex
		closed bool
	}

	entry struct {
		object.Object
		expires  time.Time
		addr     netip.Addr
		duration time.Duration

		// guarded by Blacklist.mu
		handle *registry.Entry[*entry]
		job    int
	}
)

// New initializes a Blacklist. The config may be nil.
func New(config *Config) (*Blacklist, error) {
	var c Config
	if config != nil {
		c = *config
	}
	if c.Buckets == 0 {
		c.Buckets = 64
	}
	if c.InitialDuration == 0 {
		c.InitialDuration = time.Minute
	}
	if c.MaxDuration == 0 {
		c.MaxDuration = 24 * time.Hour
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.StrikeRates == nil && !c.DisableStrikes {
		c.StrikeRates = map[time.Duration]int{time.Minute: 10}
	}

	if c.InitialDuration < 0 || c.MaxDuration < c.InitialDuration {
		return nil, fmt.Errorf(`%w: durations: initial %s, max %s`, ErrInvalidConfig, c.InitialDuration, c.MaxDuration)
	}

	x := &Blacklist{
		module:          object.NewModule(`blacklist`),
		onChange:        c.OnChange,
		logger:          c.Logger,
		seed:            maphash.MakeSeed(),
		initialDuration: c.InitialDuration,
		maxDuration:     c.MaxDuration,
	}

	if !c.DisableStrikes {
		var err error
		if x.limiter, err = newLimiter(c.StrikeRates); err != nil {
			return nil, err
		}
	}

	var err error
	x.reg, err = registry.New[*entry, netip.Addr](`blacklist`, c.Buckets, &registry.Config[*entry, netip.Addr]{
		Logger: c.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf(`%w: %w`, ErrInvalidConfig, err)
	}

	if c.Scheduler != nil {
		x.sched = c.Scheduler
	} else {
		x.sched, err = sched.New(c.Workers, sched.WithLogger(c.Logger), sched.WithName(`blacklist`))
		if err != nil {
			x.reg.Destroy()
			return nil, fmt.Errorf(`%w: %w`, ErrInvalidConfig, err)
		}
		x.ownSched = true
	}

	return x, nil
}

func newLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf(`%w: strike rates: %v`, ErrInvalidConfig, r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// Add lists addr for the initial duration, or, if it is already listed,
// for double its previous duration (capped at the max duration).
func (x *Blacklist) Add(addr netip.Addr) (Info, error) {
	if !addr.IsValid() {
		return Info{}, ErrInvalidAddr
	}
	addr = addr.Unmap()

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return Info{}, ErrClosed
	}

	hash := x.hash(addr)
	old, ok := x.reg.Find(hash, addr)
	if !ok {
		return x.set(hash, addr, x.initialDuration, time.Time{}, nil, ChangeAdd)
	}
	defer object.Put(old)

	return x.set(hash, addr, min(old.duration*2, x.maxDuration), time.Time{}, old, ChangeExtend)
}

// Set lists addr for exactly d, replacing any existing entry.
func (x *Blacklist) Set(addr netip.Addr, d time.Duration) (Info, error) {
	if !addr.IsValid() {
		return Info{}, ErrInvalidAddr
	}
	if d <= 0 {
		return Info{}, fmt.Errorf(`blacklist: invalid duration: %s`, d)
	}
	addr = addr.Unmap()

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return Info{}, ErrClosed
	}

	hash := x.hash(addr)
	old, ok := x.reg.Find(hash, addr)
	if ok {
		defer object.Put(old)
	}

	return x.set(hash, addr, d, time.Time{}, old, ChangeSet)
}

// Restore relists an address from a previous snapshot (e.g. from List),
// preserving its duration and expiry time, returning false if it has
// already expired.
func (x *Blacklist) Restore(info Info) (bool, error) {
	if !info.Addr.IsValid() {
		return false, ErrInvalidAddr
	}
	if info.Duration <= 0 {
		return false, fmt.Errorf(`blacklist: invalid duration: %s`, info.Duration)
	}
	if !info.Expires.After(time.Now()) {
		return false, nil
	}
	addr := info.Addr.Unmap()

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return false, ErrClosed
	}

	hash := x.hash(addr)
	old, ok := x.reg.Find(hash, addr)
	if ok {
		defer object.Put(old)
	}

	if _, err := x.set(hash, addr, min(info.Duration, x.maxDuration), info.Expires, old, ChangeRestore); err != nil {
		return false, err
	}
	return true, nil
}

// set must be called with mu held, expires is derived from d if zero, and
// old may be nil
func (x *Blacklist) set(hash uint64, addr netip.Addr, d time.Duration, expires time.Time, old *entry, kind ChangeKind) (Info, error) {
	if expires.IsZero() {
		expires = time.Now().Add(d)
	}
	e := &entry{
		expires:  expires,
		addr:     addr,
		duration: d,
	}
	object.Init(e, x.module, 0, nil)

	handle, err := x.reg.Replace(hash, addr, e)
	if err != nil {
		return Info{}, err
	}

	delay := max(time.Until(expires), 0)
	var job int
	if old != nil {
		job, err = x.sched.Modify(old.job, delay, x.expire(e))
	} else {
		job, err = x.sched.Add(delay, x.expire(e))
	}
	if err != nil {
		x.reg.Del(handle)
		return Info{}, fmt.Errorf(`blacklist: schedule expiry: %w`, err)
	}

	e.handle = handle
	e.job = job

	info := e.info()

	x.logger.Info().
		Str(`addr`, addr.String()).
		Str(`change`, kind.String()).
		Dur(`duration`, d).
		Log(`blacklisted`)

	x.changed(kind, info)

	return info, nil
}

// expire returns the expiry job for e
func (x *Blacklist) expire(e *entry) sched.Func {
	return func() time.Duration {
		x.mu.Lock()
		defer x.mu.Unlock()

		// the handle is nil if e failed to schedule, and if e was replaced,
		// it's no longer linked
		if x.closed || e.handle == nil || !x.reg.Del(e.handle) {
			return 0
		}

		x.logger.Debug().
			Str(`addr`, e.addr.String()).
			Log(`blacklist entry expired`)

		x.changed(ChangeExpire, e.info())

		return 0
	}
}

// Remove unlists addr, returning false if it wasn't listed.
func (x *Blacklist) Remove(addr netip.Addr) bool {
	addr = addr.Unmap()

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return false
	}

	old, ok := x.reg.Find(x.hash(addr), addr)
	if !ok {
		return false
	}
	defer object.Put(old)

	if !x.reg.Del(old.handle) {
		return false
	}

	if err := x.sched.Del(old.job); err != nil && !errors.Is(err, sched.ErrNotFound) {
		x.logger.Warning().
			Str(`addr`, addr.String()).
			Err(err).
			Log(`blacklist failed to cancel expiry`)
	}

	x.changed(ChangeRemove, old.info())

	return true
}

// Check returns true if addr is listed.
func (x *Blacklist) Check(addr netip.Addr) bool {
	_, ok := x.Lookup(addr)
	return ok
}

// Lookup returns the entry for addr, if it is listed.
func (x *Blacklist) Lookup(addr netip.Addr) (Info, bool) {
	addr = addr.Unmap()
	e, ok := x.reg.Find(x.hash(addr), addr)
	if !ok {
		return Info{}, false
	}
	defer object.Put(e)
	return e.info(), true
}

// Strike records an offence by addr, listing it (see Add) if it has exceeded
// the configured strike rates, in which case blocked will be true.
func (x *Blacklist) Strike(addr netip.Addr) (blocked bool, err error) {
	if !addr.IsValid() {
		return false, ErrInvalidAddr
	}
	addr = addr.Unmap()

	if x.limiter == nil {
		return false, nil
	}

	if _, ok := x.limiter.Allow(addr); ok {
		return false, nil
	}

	info, err := x.Add(addr)
	if err != nil {
		return false, err
	}

	x.logger.Warning().
		Str(`addr`, addr.String()).
		Dur(`duration`, info.Duration).
		Log(`blacklist strike limit exceeded`)

	return true, nil
}

// List returns every listed address, in address order.
func (x *Blacklist) List() []Info {
	var list []Info
	// *entry implements object.Comparer, so this can't fail
	_ = x.reg.IterateOrdered(func(e *entry) bool {
		list = append(list, e.info())
		return true
	})
	return list
}

// Len returns the number of listed addresses.
func (x *Blacklist) Len() int { return x.reg.Len() }

// Close cancels all expiry jobs, and empties the list. The scheduler is
// also closed, unless it was provided via Config.
func (x *Blacklist) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return ErrClosed
	}
	x.closed = true
	x.reg.Iterate(func(e *entry) bool {
		_ = x.sched.Del(e.job)
		return true
	})
	n := x.reg.Len()
	x.reg.Destroy()
	x.mu.Unlock()

	var err error
	if x.ownSched {
		err = x.sched.Close()
	}

	if x.module.Busy() {
		x.logger.Warning().
			Int64(`refs`, x.module.Refs()).
			Log(`blacklist closed with entries still referenced`)
	}

	x.logger.Debug().
		Int(`dropped`, n).
		Log(`blacklist closed`)

	return err
}

func (x *Blacklist) hash(addr netip.Addr) uint64 {
	return maphash.Comparable(x.seed, addr)
}

func (x *Blacklist) changed(kind ChangeKind, info Info) {
	if x.onChange != nil {
		x.onChange(Change{Kind: kind, Info: info})
	}
}

func (x *entry) Match(addr netip.Addr) bool { return x.addr == addr }

func (x *entry) Compare(other *entry) int { return x.addr.Compare(other.addr) }

func (x *entry) Name() string { return x.addr.String() }

func (x *entry) info() Info {
	return Info{
		Expires:  x.expires,
		Addr:     x.addr,
		Duration: x.duration,
	}
}
