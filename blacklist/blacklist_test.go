package blacklist

import (
	"bytes"
	"math/rand/v2"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-callcore/sched"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (x *changeRecorder) record(c Change) {
	x.mu.Lock()
	x.changes = append(x.changes, c)
	x.mu.Unlock()
}

func (x *changeRecorder) kinds() (kinds []ChangeKind) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range x.changes {
		kinds = append(kinds, c.Kind)
	}
	return
}

func newTestBlacklist(t *testing.T, config *Config) *Blacklist {
	t.Helper()
	x, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = x.Close() })
	return x
}

func TestNew_defaults(t *testing.T) {
	x, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, 64, x.reg.Size())
	assert.Equal(t, time.Minute, x.initialDuration)
	assert.Equal(t, 24*time.Hour, x.maxDuration)
	assert.NotNil(t, x.limiter)
	assert.True(t, x.ownSched)
	assert.Equal(t, 0, x.Len())
	require.NoError(t, x.Close())
	assert.ErrorIs(t, x.Close(), ErrClosed)
}

func TestNew_invalid(t *testing.T) {
	for _, tc := range [...]struct {
		name   string
		config Config
	}{
		{`max below initial`, Config{InitialDuration: time.Hour, MaxDuration: time.Minute}},
		{`negative initial`, Config{InitialDuration: -time.Second}},
		{`buckets`, Config{Buckets: -1}},
		{`workers`, Config{Workers: -1}},
		{`rates`, Config{StrikeRates: map[time.Duration]int{time.Minute: 0}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			x, err := New(&tc.config)
			assert.Nil(t, x)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestBlacklist_Add_doubles(t *testing.T) {
	var rec changeRecorder
	x := newTestBlacklist(t, &Config{
		InitialDuration: time.Hour,
		MaxDuration:     3 * time.Hour,
		OnChange:        rec.record,
	})
	addr := netip.MustParseAddr(`192.0.2.1`)

	for _, expected := range [...]time.Duration{time.Hour, 2 * time.Hour, 3 * time.Hour, 3 * time.Hour} {
		before := time.Now()
		info, err := x.Add(addr)
		require.NoError(t, err)
		assert.Equal(t, addr, info.Addr)
		assert.Equal(t, expected, info.Duration)
		assert.False(t, info.Expires.Before(before.Add(expected)))
	}

	assert.Equal(t, 1, x.Len())
	assert.Equal(t, 1, x.sched.Len(), `previous expiry jobs are cancelled`)
	assert.Equal(t, []ChangeKind{ChangeAdd, ChangeExtend, ChangeExtend, ChangeExtend}, rec.kinds())
	assert.Equal(t, int64(1), x.module.Refs())
}

func TestBlacklist_expire(t *testing.T) {
	var rec changeRecorder
	x := newTestBlacklist(t, &Config{
		InitialDuration: 20 * time.Millisecond,
		OnChange:        rec.record,
	})
	addr := netip.MustParseAddr(`2001:db8::1`)

	_, err := x.Add(addr)
	require.NoError(t, err)
	require.True(t, x.Check(addr))

	require.Eventually(t, func() bool { return !x.Check(addr) }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.kinds()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []ChangeKind{ChangeAdd, ChangeExpire}, rec.kinds())
	assert.Equal(t, 0, x.Len())
	assert.False(t, x.module.Busy())
}

func TestBlacklist_Add_reschedulesExpiry(t *testing.T) {
	x := newTestBlacklist(t, &Config{InitialDuration: 50 * time.Millisecond})
	addr := netip.MustParseAddr(`198.51.100.7`)

	_, err := x.Add(addr)
	require.NoError(t, err)
	info, err := x.Add(addr)
	require.NoError(t, err)
	require.Equal(t, 100*time.Millisecond, info.Duration)

	time.Sleep(75 * time.Millisecond)
	assert.True(t, x.Check(addr), `expired by the cancelled job`)

	require.Eventually(t, func() bool { return !x.Check(addr) }, 2*time.Second, 5*time.Millisecond)
}

func TestBlacklist_Set(t *testing.T) {
	var rec changeRecorder
	x := newTestBlacklist(t, &Config{OnChange: rec.record})
	addr := netip.MustParseAddr(`203.0.113.9`)

	info, err := x.Set(addr, 5*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Hour, info.Duration)

	info, err = x.Set(addr, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, info.Duration)

	got, ok := x.Lookup(addr)
	require.True(t, ok)
	assert.Equal(t, info, got)
	assert.Equal(t, 1, x.Len())
	assert.Equal(t, 1, x.sched.Len())

	// doubles from the explicit duration
	info, err = x.Add(addr)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Minute, info.Duration)

	_, err = x.Set(addr, 0)
	assert.EqualError(t, err, `blacklist: invalid duration: 0s`)

	assert.Equal(t, []ChangeKind{ChangeSet, ChangeSet, ChangeExtend}, rec.kinds())
}

func TestBlacklist_Remove(t *testing.T) {
	var rec changeRecorder
	x := newTestBlacklist(t, &Config{OnChange: rec.record})
	addr := netip.MustParseAddr(`192.0.2.44`)

	assert.False(t, x.Remove(addr))

	_, err := x.Add(addr)
	require.NoError(t, err)
	require.Equal(t, 1, x.sched.Len())

	assert.True(t, x.Remove(addr))
	assert.False(t, x.Remove(addr))
	assert.False(t, x.Check(addr))
	assert.Equal(t, 0, x.sched.Len())
	assert.Equal(t, []ChangeKind{ChangeAdd, ChangeRemove}, rec.kinds())
	assert.False(t, x.module.Busy())

	// starts again from the initial duration
	info, err := x.Add(addr)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, info.Duration)
}

func TestBlacklist_mappedAddr(t *testing.T) {
	x := newTestBlacklist(t, nil)
	_, err := x.Add(netip.MustParseAddr(`::ffff:192.0.2.1`))
	require.NoError(t, err)
	assert.True(t, x.Check(netip.MustParseAddr(`192.0.2.1`)))
	info, ok := x.Lookup(netip.MustParseAddr(`::ffff:192.0.2.1`))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr(`192.0.2.1`), info.Addr)
}

func TestBlacklist_invalidAddr(t *testing.T) {
	x := newTestBlacklist(t, nil)
	_, err := x.Add(netip.Addr{})
	assert.ErrorIs(t, err, ErrInvalidAddr)
	_, err = x.Set(netip.Addr{}, time.Second)
	assert.ErrorIs(t, err, ErrInvalidAddr)
	_, err = x.Strike(netip.Addr{})
	assert.ErrorIs(t, err, ErrInvalidAddr)
	assert.False(t, x.Check(netip.Addr{}))
}

func TestBlacklist_Strike(t *testing.T) {
	x := newTestBlacklist(t, &Config{
		StrikeRates: map[time.Duration]int{time.Minute: 3},
	})
	addr := netip.MustParseAddr(`192.0.2.99`)
	other := netip.MustParseAddr(`192.0.2.100`)

	for i := range 3 {
		blocked, err := x.Strike(addr)
		require.NoError(t, err)
		require.False(t, blocked, i)
	}
	blocked, err := x.Strike(other)
	require.NoError(t, err)
	require.False(t, blocked)
	require.False(t, x.Check(addr))

	blocked, err = x.Strike(addr)
	require.NoError(t, err)
	require.True(t, blocked)
	assert.True(t, x.Check(addr))
	assert.False(t, x.Check(other))
}

func TestBlacklist_Strike_disabled(t *testing.T) {
	x := newTestBlacklist(t, &Config{DisableStrikes: true})
	addr := netip.MustParseAddr(`192.0.2.1`)
	for range 100 {
		blocked, err := x.Strike(addr)
		require.NoError(t, err)
		require.False(t, blocked)
	}
	assert.Equal(t, 0, x.Len())
}

func TestBlacklist_ListShow(t *testing.T) {
	x := newTestBlacklist(t, &Config{Buckets: 3})

	addrs := []netip.Addr{
		netip.MustParseAddr(`10.0.0.1`),
		netip.MustParseAddr(`10.0.0.2`),
		netip.MustParseAddr(`10.0.0.10`),
		netip.MustParseAddr(`192.168.1.1`),
		netip.MustParseAddr(`2001:db8::1`),
		netip.MustParseAddr(`2001:db8::2`),
	}
	for _, i := range rand.Perm(len(addrs)) {
		_, err := x.Add(addrs[i])
		require.NoError(t, err)
	}

	list := x.List()
	require.Len(t, list, len(addrs))
	for i, info := range list {
		assert.Equal(t, addrs[i], info.Addr)
	}

	var buf bytes.Buffer
	require.NoError(t, x.Show(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, len(addrs)+2)
	assert.True(t, strings.HasPrefix(lines[0], `ADDRESS`))
	assert.True(t, strings.HasPrefix(lines[1], `10.0.0.1 `))
	assert.Contains(t, lines[1], `1m0s`)
	assert.Equal(t, `6 blacklisted`, lines[len(lines)-1])
}

func TestBlacklist_sharedScheduler(t *testing.T) {
	s, err := sched.New(2)
	require.NoError(t, err)
	defer s.Close()

	x, err := New(&Config{Scheduler: s})
	require.NoError(t, err)
	for i := range 5 {
		_, err := x.Add(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}))
		require.NoError(t, err)
	}
	require.Equal(t, 5, s.Len())

	require.NoError(t, x.Close())
	assert.Equal(t, 0, s.Len())
	assert.False(t, x.module.Busy())

	// still usable
	_, err = s.Add(time.Hour, func() time.Duration { return 0 })
	assert.NoError(t, err)
}

func TestBlacklist_Close(t *testing.T) {
	x, err := New(nil)
	require.NoError(t, err)
	addr := netip.MustParseAddr(`192.0.2.1`)
	_, err = x.Add(addr)
	require.NoError(t, err)

	require.NoError(t, x.Close())
	assert.Equal(t, 0, x.Len())
	assert.False(t, x.Check(addr))
	assert.False(t, x.Remove(addr))
	assert.False(t, x.module.Busy())
	_, err = x.Add(addr)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = x.Set(addr, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBlacklist_concurrent(t *testing.T) {
	x, err := New(&Config{
		InitialDuration: 2 * time.Millisecond,
		MaxDuration:     20 * time.Millisecond,
		StrikeRates:     map[time.Duration]int{10 * time.Millisecond: 2},
		Workers:         4,
		Buckets:         5,
	})
	require.NoError(t, err)

	addrs := make([]netip.Addr, 16)
	for i := range addrs {
		addrs[i] = netip.AddrFrom4([4]byte{10, 1, 0, byte(i)})
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 300 {
				addr := addrs[rand.IntN(len(addrs))]
				switch rand.IntN(6) {
				case 0:
					if _, err := x.Add(addr); err != nil {
						t.Error(err)
					}
				case 1:
					if _, err := x.Set(addr, time.Duration(1+rand.IntN(5))*time.Millisecond); err != nil {
						t.Error(err)
					}
				case 2:
					x.Remove(addr)
				case 3:
					if _, err := x.Strike(addr); err != nil {
						t.Error(err)
					}
				case 4:
					_ = x.List()
				default:
					x.Check(addr)
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, x.Close())
	assert.Equal(t, 0, x.Len())
	assert.False(t, x.module.Busy())
}

func TestChangeKind(t *testing.T) {
	assert.Equal(t, `expire`, ChangeExpire.String())
	assert.Equal(t, `ChangeKind(0)`, ChangeKind(0).String())
	b, err := ChangeExtend.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, `extend`, string(b))
	_, err = ChangeKind(99).MarshalText()
	assert.Error(t, err)
}

func TestInfo_Remaining(t *testing.T) {
	now := time.Now()
	info := Info{Expires: now.Add(time.Minute)}
	assert.Equal(t, time.Minute, info.Remaining(now))
	assert.Equal(t, time.Duration(0), info.Remaining(now.Add(time.Hour)))
}

func TestBlacklist_Restore(t *testing.T) {
	var rec changeRecorder
	x := newTestBlacklist(t, &Config{OnChange: rec.record, MaxDuration: 2 * time.Hour})
	addr := netip.MustParseAddr(`192.0.2.5`)
	expires := time.Now().Add(30 * time.Minute)

	ok, err := x.Restore(Info{Addr: addr, Duration: time.Hour, Expires: expires})
	require.NoError(t, err)
	require.True(t, ok)

	info, found := x.Lookup(addr)
	require.True(t, found)
	assert.Equal(t, time.Hour, info.Duration)
	assert.True(t, info.Expires.Equal(expires))
	d, found := x.sched.When(1)
	require.True(t, found)
	assert.InDelta(t, float64(30*time.Minute), float64(d), float64(time.Second))

	// doubles from the restored duration
	info, err = x.Add(addr)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, info.Duration)

	ok, err = x.Restore(Info{Addr: netip.MustParseAddr(`192.0.2.6`), Duration: time.Hour, Expires: time.Now().Add(-time.Second)})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = x.Restore(Info{Addr: addr, Expires: expires})
	assert.Error(t, err)

	assert.Equal(t, []ChangeKind{ChangeRestore, ChangeExtend}, rec.kinds())
	assert.Equal(t, 1, x.Len())
}
