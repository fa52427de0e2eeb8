package refcount

import (
	"sync"
	"testing"
)

// counter is the method set shared by both variants.
type counter[T any] interface {
	cmpxchg[T]
	Set(i T)
	Inc()
	Dec()
	IncAndTest() bool
	DecAndTest() bool
	FetchAndAdd(delta T) T
	FetchAndSub(delta T) T
}

var (
	_ counter[int64] = (*Counter)(nil)
	_ counter[int8]  = (*LockedCounter[int8])(nil)
)

func testCounterSequential[T int8 | int32 | int64](t *testing.T, c counter[T]) {
	if v := c.Read(); v != 0 {
		t.Fatalf(`zero value read: %d`, v)
	}

	c.Set(-1)
	if !c.IncAndTest() {
		t.Fatal(`expected -1 + 1 to be zero`)
	}
	if c.IncAndTest() {
		t.Fatal(`expected 0 + 1 to be non-zero`)
	}
	if !c.DecAndTest() {
		t.Fatal(`expected 1 - 1 to be zero`)
	}

	c.Inc()
	c.Inc()
	c.Dec()
	if v := c.Read(); v != 1 {
		t.Fatalf(`expected 1, got %d`, v)
	}

	if prior := c.CompareAndSwap(5, 9); prior != 1 {
		t.Fatalf(`failed swap should return prior 1, got %d`, prior)
	}
	if v := c.Read(); v != 1 {
		t.Fatalf(`failed swap modified value: %d`, v)
	}
	if prior := c.CompareAndSwap(1, 7); prior != 1 {
		t.Fatalf(`successful swap should return old, got %d`, prior)
	}
	if v := c.Read(); v != 7 {
		t.Fatalf(`expected 7, got %d`, v)
	}

	if prior := c.FetchAndAdd(3); prior != 7 {
		t.Fatalf(`fetch and add prior: %d`, prior)
	}
	if prior := c.FetchAndSub(4); prior != 10 {
		t.Fatalf(`fetch and sub prior: %d`, prior)
	}
	if v := c.Read(); v != 6 {
		t.Fatalf(`expected 6, got %d`, v)
	}
}

func TestCounter_sequential(t *testing.T) {
	testCounterSequential[int64](t, new(Counter))
}

func TestLockedCounter_sequential(t *testing.T) {
	t.Run(`int8`, func(t *testing.T) {
		c := new(LockedCounter[int8])
		testCounterSequential[int8](t, c)
		c.Destroy()
		if v := c.Read(); v != 0 {
			t.Fatalf(`expected destroyed counter to be reset, got %d`, v)
		}
	})
	t.Run(`int32`, func(t *testing.T) {
		c := new(LockedCounter[int32])
		defer c.Destroy()
		testCounterSequential[int32](t, c)
	})
}

func testCounterConcurrent(t *testing.T, c counter[int64]) {
	const (
		goroutines = 8
		iterations = 2000
	)
	c.Set(0)
	var wg sync.WaitGroup
	wg.Add(goroutines * 2)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				c.Inc()
				c.FetchAndAdd(2)
			}
		}()
		go func() {
			defer wg.Done()
			for range iterations {
				c.Dec()
				c.FetchAndSub(1)
			}
		}()
	}
	wg.Wait()
	// each pair of goroutines nets +1 per iteration
	if v, want := c.Read(), int64(goroutines*iterations); v != want {
		t.Fatalf(`expected %d, got %d`, want, v)
	}
}

func TestCounter_concurrent(t *testing.T) {
	testCounterConcurrent(t, new(Counter))
}

func TestLockedCounter_concurrent(t *testing.T) {
	c := new(LockedCounter[int64])
	defer c.Destroy()
	testCounterConcurrent(t, c)
}

func TestCounter_DecAndTest_lastRelease(t *testing.T) {
	const refs = 64
	var c Counter
	c.Set(refs)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		zeros int
	)
	wg.Add(refs)
	for range refs {
		go func() {
			defer wg.Done()
			if c.DecAndTest() {
				mu.Lock()
				zeros++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if zeros != 1 {
		t.Fatalf(`expected exactly one transition to zero, got %d`, zeros)
	}
}
