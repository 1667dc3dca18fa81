package adapter_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matt-riley/gatez/internal/adapter"
	"github.com/matt-riley/gatez/internal/adapter/adaptertest"
	"github.com/matt-riley/gatez/internal/core"
)

type countingAdapter struct {
	*adapter.Memory
	mu    sync.Mutex
	gets  int
	multi [][]string
	err   error
}

func (c *countingAdapter) Get(ctx context.Context, key string) (core.GateValues, error) {
	c.mu.Lock()
	c.gets++
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return core.GateValues{}, err
	}
	return c.Memory.Get(ctx, key)
}

func (c *countingAdapter) GetMulti(ctx context.Context, keys []string) (map[string]core.GateValues, error) {
	c.mu.Lock()
	c.multi = append(c.multi, keys)
	c.mu.Unlock()
	return c.Memory.GetMulti(ctx, keys)
}

// pausingAdapter parks the next Get after it has read from memory until
// resume is closed.
type pausingAdapter struct {
	*adapter.Memory
	pause  atomic.Bool
	read   chan struct{}
	resume chan struct{}
}

func (p *pausingAdapter) Get(ctx context.Context, key string) (core.GateValues, error) {
	values, err := p.Memory.Get(ctx, key)
	if p.pause.CompareAndSwap(true, false) {
		close(p.read)
		<-p.resume
	}
	return values, err
}

type subscribingAdapter struct {
	*adapter.Memory
	ch chan struct{}
}

func (s *subscribingAdapter) SubscribeInvalidation(context.Context) (<-chan struct{}, error) {
	return s.ch, nil
}

type hitCounter struct {
	mu           sync.Mutex
	hits, misses int
}

func (h *hitCounter) ObserveCache(hit bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hit {
		h.hits++
	} else {
		h.misses++
	}
}

func TestCachedConformance(t *testing.T) {
	adaptertest.Run(t, func(t *testing.T) adapter.Adapter {
		return adapter.NewCached(adapter.NewMemory(), time.Minute)
	})
}

func TestCachedServesFromCacheUntilExpiry(t *testing.T) {
	ctx := context.Background()
	inner := &countingAdapter{Memory: adapter.NewMemory()}
	now := time.Unix(1700000000, 0)
	observer := &hitCounter{}
	cached := adapter.NewCached(inner, time.Second,
		adapter.WithCacheClock(func() time.Time { return now }),
		adapter.WithCacheObserver(observer),
	)

	if err := inner.Memory.Enable(ctx, "search", core.MustGate(core.GateBoolean), adapter.BooleanTrue); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	for range 3 {
		values, err := cached.Get(ctx, "search")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !values.Boolean {
			t.Fatal("expected boolean gate on")
		}
	}
	if inner.gets != 1 {
		t.Fatalf("inner Get() calls = %d, want 1", inner.gets)
	}
	if observer.hits != 2 || observer.misses != 1 {
		t.Fatalf("hits=%d misses=%d, want 2/1", observer.hits, observer.misses)
	}

	// A write that bypasses the cache is visible once the entry expires.
	if err := inner.Memory.Clear(ctx, "search"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if values, _ := cached.Get(ctx, "search"); !values.Boolean {
		t.Fatal("expected the cached value before expiry")
	}
	now = now.Add(2 * time.Second)
	if values, _ := cached.Get(ctx, "search"); values.Boolean {
		t.Fatal("expected a fresh read after expiry")
	}
}

func TestCachedWriteInvalidatesKey(t *testing.T) {
	ctx := context.Background()
	inner := &countingAdapter{Memory: adapter.NewMemory()}
	cached := adapter.NewCached(inner, time.Hour)

	if _, err := cached.Get(ctx, "search"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := cached.Enable(ctx, "search", core.MustGate(core.GateActors), "user-1"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	values, err := cached.Get(ctx, "search")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !values.HasActor("user-1") {
		t.Fatalf("write through the cache not visible: %+v", values)
	}
	if inner.gets != 2 {
		t.Fatalf("inner Get() calls = %d, want 2", inner.gets)
	}
}

func TestCachedGetMultiFetchesOnlyMisses(t *testing.T) {
	ctx := context.Background()
	inner := &countingAdapter{Memory: adapter.NewMemory()}
	cached := adapter.NewCached(inner, time.Hour)

	if _, err := cached.Get(ctx, "a"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got, err := cached.GetMulti(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("GetMulti() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("GetMulti() = %v", got)
	}
	if len(inner.multi) != 1 || len(inner.multi[0]) != 2 {
		t.Fatalf("inner GetMulti() calls = %v, want one call for [b c]", inner.multi)
	}

	if _, err := cached.GetMulti(ctx, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("GetMulti() error = %v", err)
	}
	if len(inner.multi) != 1 {
		t.Fatalf("expected the second GetMulti() to be served from cache")
	}
}

func TestCachedPropagatesErrors(t *testing.T) {
	inner := &countingAdapter{Memory: adapter.NewMemory(), err: errors.New("connection reset")}
	cached := adapter.NewCached(inner, time.Hour)

	if _, err := cached.Get(context.Background(), "search"); err == nil {
		t.Fatal("expected the inner error")
	}
}

func TestCachedInvalidationSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := &subscribingAdapter{Memory: adapter.NewMemory(), ch: make(chan struct{}, 1)}
	cached := adapter.NewCached(inner, time.Hour)
	if err := cached.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := cached.Get(ctx, "search"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := inner.Memory.Enable(ctx, "search", core.MustGate(core.GateBoolean), adapter.BooleanTrue); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	inner.ch <- struct{}{}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		values, err := cached.Get(ctx, "search")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if values.Boolean {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("invalidation did not purge the cache")
}

func TestCachedStartWithoutSubscriber(t *testing.T) {
	cached := adapter.NewCached(adapter.NewInstrumented(adapter.NewMemory(), nil), time.Hour)
	if err := cached.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func TestCachedReadOverlappingWriteIsNotCached(t *testing.T) {
	ctx := context.Background()
	inner := &pausingAdapter{
		Memory: adapter.NewMemory(),
		read:   make(chan struct{}),
		resume: make(chan struct{}),
	}
	inner.pause.Store(true)
	cached := adapter.NewCached(inner, time.Hour)

	done := make(chan core.GateValues, 1)
	go func() {
		values, _ := cached.Get(ctx, "search")
		done <- values
	}()

	<-inner.read
	if err := cached.Enable(ctx, "search", core.MustGate(core.GateBoolean), adapter.BooleanTrue); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	close(inner.resume)
	if stale := <-done; stale.Boolean {
		t.Fatal("the overlapping read should return what it read before the write")
	}

	values, err := cached.Get(ctx, "search")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !values.Boolean {
		t.Fatal("Get() after Enable() served the value read before the write")
	}
}

func TestCachedPurgeDropsInFlightFill(t *testing.T) {
	ctx := context.Background()
	inner := &pausingAdapter{
		Memory: adapter.NewMemory(),
		read:   make(chan struct{}),
		resume: make(chan struct{}),
	}
	inner.pause.Store(true)
	cached := adapter.NewCached(inner, time.Hour)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cached.Get(ctx, "search")
	}()

	<-inner.read
	if err := inner.Memory.Enable(ctx, "search", core.MustGate(core.GateBoolean), adapter.BooleanTrue); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	cached.Purge()
	close(inner.resume)
	<-done

	values, err := cached.Get(ctx, "search")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !values.Boolean {
		t.Fatal("Get() after Purge() served the value read before the remote write")
	}
}
