package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"inferd/internal/config"
	"inferd/internal/types"
)

func testLifecycleConfig() config.LifecycleConfig {
	cfg := config.DefaultConfig().Lifecycle
	cfg.MaxMemoryGB = 32
	cfg.ReservedMarginGB = 2
	return cfg
}

func spec(name string, memGB float64, opts ...func(*ModuleSpec)) ModuleSpec {
	s := ModuleSpec{Name: name, Category: "general", Version: "1.0", MemoryGB: memGB, Priority: 10}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func withDeps(deps ...string) func(*ModuleSpec) {
	return func(s *ModuleSpec) { s.Dependencies = deps }
}

func withPriority(p int) func(*ModuleSpec) {
	return func(s *ModuleSpec) { s.Priority = p }
}

func withTier(t string) func(*ModuleSpec) {
	return func(s *ModuleSpec) { s.Tier = t }
}

func mustRegister(t *testing.T, m *Manager, specs ...ModuleSpec) {
	t.Helper()
	for _, s := range specs {
		if err := m.Register(s); err != nil {
			t.Fatalf("Register(%s): %v", s.Name, err)
		}
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	m := NewManager(testLifecycleConfig())
	mustRegister(t, m, spec("alpha", 4))

	first, err := m.Load(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	second, err := m.Load(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if second.UsageCount != first.UsageCount+1 {
		t.Fatalf("usage = %d, want %d", second.UsageCount, first.UsageCount+1)
	}
	if got := m.Stats().AllocatedGB; got != 4 {
		t.Fatalf("allocated = %v, want 4 (no duplicate load)", got)
	}
}

func TestLoadUnknownModule(t *testing.T) {
	m := NewManager(testLifecycleConfig())
	if _, err := m.Load(context.Background(), "ghost"); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("err = %v, want ErrUnknownModule", err)
	}
}

func TestLoadInsufficientMemory(t *testing.T) {
	m := NewManager(testLifecycleConfig())
	mustRegister(t, m, spec("huge", 40))

	_, err := m.Load(context.Background(), "huge")
	if !errors.Is(err, ErrInsufficientMemory) {
		t.Fatalf("err = %v, want ErrInsufficientMemory", err)
	}
	if got := m.Stats().AllocatedGB; got != 0 {
		t.Fatalf("allocated = %v after failed load, want 0", got)
	}
	if got := m.Stats().Resident; got != 0 {
		t.Fatalf("resident = %d after failed load, want 0", got)
	}
}

func TestReservedMarginRespected(t *testing.T) {
	// Budget is 30 (32 total minus 2 reserved): 31 must not fit.
	m := NewManager(testLifecycleConfig())
	mustRegister(t, m, spec("fat", 31))

	if _, err := m.Load(context.Background(), "fat"); !errors.Is(err, ErrInsufficientMemory) {
		t.Fatalf("err = %v, want ErrInsufficientMemory at the margin", err)
	}
}

func TestLoadDependencies(t *testing.T) {
	m := NewManager(testLifecycleConfig())
	mustRegister(t, m,
		spec("tokenizer", 1),
		spec("model", 8, withDeps("tokenizer")),
	)

	if _, err := m.Load(context.Background(), "model"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	resident := m.Resident()
	if len(resident) != 2 {
		t.Fatalf("resident = %d modules, want 2", len(resident))
	}
	if got := m.Stats().AllocatedGB; got != 9 {
		t.Fatalf("allocated = %v, want 9", got)
	}
}

// failingFetcher fails for a specific artifact URI.
type failingFetcher struct{ failURI string }

func (f failingFetcher) Fetch(_ context.Context, uri string) error {
	if uri == f.failURI {
		return errors.New("fetch refused")
	}
	return nil
}

func TestLoadRollbackOnFetchFailure(t *testing.T) {
	m := NewManager(testLifecycleConfig(), WithFetcher(failingFetcher{failURI: "bad://weights"}))
	broken := spec("broken", 8)
	broken.ArtifactURI = "bad://weights"
	mustRegister(t, m, broken)

	if _, err := m.Load(context.Background(), "broken"); err == nil {
		t.Fatal("Load should fail when the fetch fails")
	}
	if got := m.Stats().AllocatedGB; got != 0 {
		t.Fatalf("allocated = %v after rollback, want 0", got)
	}
	if len(m.Resident()) != 0 {
		t.Fatal("failed entry must be removed so the caller can retry")
	}

	// A retry after the failure sees clean state.
	if _, err := m.Load(context.Background(), "broken"); err == nil {
		t.Fatal("retry should fail the same way, not trip on stale state")
	}
}

func TestDependencyFailureWrapped(t *testing.T) {
	m := NewManager(testLifecycleConfig())
	mustRegister(t, m, spec("model", 8, withDeps("missing-dep")))

	_, err := m.Load(context.Background(), "model")
	if !errors.Is(err, ErrDependencyLoad) {
		t.Fatalf("err = %v, want ErrDependencyLoad", err)
	}
	if !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("err = %v, should carry the underlying cause", err)
	}
	if got := m.Stats().AllocatedGB; got != 0 {
		t.Fatalf("allocated = %v after dependency failure, want 0", got)
	}
}

func TestUnload(t *testing.T) {
	m := NewManager(testLifecycleConfig())
	mustRegister(t, m,
		spec("base", 2),
		spec("pinned", 2, withPriority(95)),
		spec("top", 4, withDeps("base")),
	)
	ctx := context.Background()
	for _, name := range []string{"pinned", "top"} {
		if _, err := m.Load(ctx, name); err != nil {
			t.Fatalf("Load(%s): %v", name, err)
		}
	}

	if m.Unload("absent") {
		t.Fatal("unload of an absent module must refuse")
	}
	if m.Unload("pinned") {
		t.Fatal("unload of a pinned module must refuse")
	}
	if m.Unload("base") {
		t.Fatal("unload of a depended-on module must refuse")
	}

	if !m.Unload("top") {
		t.Fatal("unload of a free module should succeed")
	}
	if !m.Unload("base") {
		t.Fatal("base should be unloadable once its dependent is gone")
	}
	if got := m.Stats().AllocatedGB; got != 2 {
		t.Fatalf("allocated = %v, want 2 (only pinned left)", got)
	}
}

func TestUnloadConcurrentWithLoad(t *testing.T) {
	m := NewManager(testLifecycleConfig())
	mustRegister(t, m, spec("alpha", 4))
	ctx := context.Background()

	// Loaders that observe the UNLOADING phase must wait for the entry to
	// clear and then load fresh, never racing the release.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := m.Load(ctx, "alpha"); err != nil {
				t.Errorf("Load: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			m.Unload("alpha")
		}
	}()
	wg.Wait()

	stats := m.Stats()
	switch stats.Resident {
	case 0:
		if stats.AllocatedGB != 0 {
			t.Fatalf("allocated = %v with nothing resident", stats.AllocatedGB)
		}
	case 1:
		if stats.AllocatedGB != 4 {
			t.Fatalf("allocated = %v with alpha resident, want 4", stats.AllocatedGB)
		}
	default:
		t.Fatalf("resident = %d, want 0 or 1", stats.Resident)
	}
}

func TestEvictionLRUThenPriority(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	cfg := testLifecycleConfig()
	m := NewManager(cfg, withManagerClock(clock))
	mustRegister(t, m,
		spec("old-low", 10, withPriority(5)),
		spec("old-high", 10, withPriority(50)),
		spec("fresh", 8, withPriority(5)),
		spec("incoming", 10),
	)

	ctx := context.Background()
	// old-low and old-high share a timestamp; fresh is used later.
	if _, err := m.Load(ctx, "old-low"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := m.Load(ctx, "old-high"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	now = now.Add(time.Minute)
	if _, err := m.Load(ctx, "fresh"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// 28 of 30 allocated; loading 10 more must evict. LRU tie between
	// old-low and old-high breaks toward the lower priority.
	now = now.Add(time.Minute)
	if _, err := m.Load(ctx, "incoming"); err != nil {
		t.Fatalf("Load(incoming): %v", err)
	}

	resident := map[string]bool{}
	for _, info := range m.Resident() {
		resident[info.Name] = true
	}
	if resident["old-low"] {
		t.Fatal("old-low should have been evicted first (oldest, lowest priority)")
	}
	if !resident["fresh"] || !resident["incoming"] {
		t.Fatalf("resident = %v, fresh and incoming must survive", resident)
	}
	if m.Stats().Evictions == 0 {
		t.Fatal("eviction counter not bumped")
	}
}

func TestEvictionSkipsPinnedAndDependedOn(t *testing.T) {
	cfg := testLifecycleConfig()
	m := NewManager(cfg)
	mustRegister(t, m,
		spec("pinned", 12, withPriority(95)),
		spec("base", 6),
		spec("user", 6, withDeps("base")),
		spec("incoming", 12),
	)

	ctx := context.Background()
	for _, name := range []string{"pinned", "user"} {
		if _, err := m.Load(ctx, name); err != nil {
			t.Fatalf("Load(%s): %v", name, err)
		}
	}

	// 24 allocated of 30. incoming needs 12: only "user" (6GB) is evictable,
	// since pinned is protected and base has a dependent. After evicting
	// user, base loses its dependent and becomes evictable too.
	if _, err := m.Load(ctx, "incoming"); err != nil {
		t.Fatalf("Load(incoming): %v", err)
	}

	resident := map[string]bool{}
	for _, info := range m.Resident() {
		resident[info.Name] = true
	}
	if !resident["pinned"] {
		t.Fatal("pinned module must never be evicted")
	}
	if !resident["incoming"] {
		t.Fatal("incoming load should have succeeded")
	}
}

func TestEnsureReady(t *testing.T) {
	m := NewManager(testLifecycleConfig())
	mustRegister(t, m,
		spec("medium-a", 8, withTier("medium"), withPriority(10)),
		spec("medium-b", 8, withTier("medium"), withPriority(40)),
	)

	info, err := m.EnsureReady(context.Background(), types.ModelTierMedium)
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if info.Name != "medium-b" {
		t.Fatalf("loaded %s, want the higher-priority medium-b", info.Name)
	}

	if _, err := m.EnsureReady(context.Background(), types.ModelTierMax); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("err = %v, want ErrUnknownModule for an unserved tier", err)
	}
}

// slowFetcher blocks until released, to hold a load in LOADING state.
type slowFetcher struct{ release chan struct{} }

func (f slowFetcher) Fetch(ctx context.Context, _ string) error {
	select {
	case <-f.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestConcurrentLoadSingleAllocation(t *testing.T) {
	release := make(chan struct{})
	m := NewManager(testLifecycleConfig(), WithFetcher(slowFetcher{release: release}))
	s := spec("shared", 8)
	s.ArtifactURI = "file://weights"
	mustRegister(t, m, s)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Load(context.Background(), "shared")
		}(i)
	}

	// Let the loaders pile up on the in-flight load, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := m.Stats().AllocatedGB; got != 8 {
		t.Fatalf("allocated = %v, want 8 (exactly one allocation)", got)
	}
	if got := m.Stats().Loads; got != 1 {
		t.Fatalf("loads = %d, want 1", got)
	}
}

func TestMidLoadUnloadRefused(t *testing.T) {
	release := make(chan struct{})
	m := NewManager(testLifecycleConfig(), WithFetcher(slowFetcher{release: release}))
	s := spec("inflight", 8)
	s.ArtifactURI = "file://weights"
	mustRegister(t, m, s)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Load(context.Background(), "inflight")
	}()

	time.Sleep(50 * time.Millisecond)
	if m.Unload("inflight") {
		t.Fatal("unload must refuse a mid-load module")
	}

	close(release)
	<-done
}

func TestSelfDependencyRejectedAtRegistration(t *testing.T) {
	m := NewManager(testLifecycleConfig())
	if err := m.Register(spec("loop", 4, withDeps("loop"))); err == nil {
		t.Fatal("self-dependency must fail validation")
	}
}
