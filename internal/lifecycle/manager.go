package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"inferd/internal/config"
	"inferd/internal/logging"
	"inferd/internal/types"
)

// Manager owns module residency. A single mutex guards the spec registry,
// the loaded-module map, and memory accounting; artifact fetch and
// quantization I/O run outside the lock against a reserved allocation.
type Manager struct {
	cfg config.LifecycleConfig

	fetcher   ArtifactFetcher
	quantizer Quantizer

	mu        sync.Mutex
	specs     map[string]ModuleSpec
	loaded    map[string]*LoadedModule
	allocated float64

	evictions int
	loads     int
	loadFails int

	now func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithFetcher installs an artifact fetcher.
func WithFetcher(f ArtifactFetcher) ManagerOption { return func(m *Manager) { m.fetcher = f } }

// WithQuantizer installs a quantization backend.
func WithQuantizer(q Quantizer) ManagerOption { return func(m *Manager) { m.quantizer = q } }

func withManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager with null boundary capabilities by default.
func NewManager(cfg config.LifecycleConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:       cfg,
		fetcher:   nullFetcher{},
		quantizer: nullQuantizer{},
		specs:     make(map[string]ModuleSpec),
		loaded:    make(map[string]*LoadedModule),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// budget is the allocatable ceiling: total minus the reserved margin.
func (m *Manager) budget() float64 {
	return m.cfg.MaxMemoryGB - m.cfg.ReservedMarginGB
}

// Register adds or replaces a module spec. A resident READY entry keeps
// running under its original spec; the replacement applies to future loads.
func (m *Manager) Register(spec ModuleSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.specs[spec.Name] = spec
	m.mu.Unlock()
	logging.LifecycleDebug("registered module %s category=%s mem=%.1fGB", spec.Name, spec.Category, spec.MemoryGB)
	return nil
}

// RegisterCatalog registers every spec in a catalog.
func (m *Manager) RegisterCatalog(cat *Catalog) error {
	for _, spec := range cat.Modules {
		if err := m.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// Load brings a module to READY, loading declared dependencies first.
// Idempotent: a READY module gets its usage bumped and is returned as is.
func (m *Manager) Load(ctx context.Context, name string) (ModuleInfo, error) {
	for {
		info, wait, err := m.beginLoad(name)
		if err != nil {
			return ModuleInfo{}, err
		}
		if wait != nil {
			// Another goroutine is mid-load. Wait out its attempt, then
			// re-evaluate from scratch: it may have failed.
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ModuleInfo{}, ctx.Err()
			}
		}
		if info != nil {
			return *info, nil
		}
		return m.performLoad(ctx, name)
	}
}

// beginLoad resolves the fast paths under the lock: READY hit, unknown
// module, or an in-flight load to wait on. A (nil, nil, nil) return means
// the caller reserved the LOADING slot and must run performLoad.
func (m *Manager) beginLoad(name string) (*ModuleInfo, chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.loaded[name]; ok {
		switch entry.State {
		case StateReady:
			entry.UsageCount++
			entry.LastUsedAt = m.now()
			info := entry.info()
			return &info, nil, nil
		case StateLoading, StateUnloading:
			return nil, entry.ready, nil
		}
	}

	spec, ok := m.specs[name]
	if !ok {
		return nil, nil, fmt.Errorf("load %s: %w", name, ErrUnknownModule)
	}

	if m.pressure() >= m.cfg.HighWaterMark {
		m.evictLocked(spec.MemoryGB)
	}

	if m.allocated+spec.MemoryGB > m.budget() {
		// Pressure below high water but the requirement still does not fit.
		m.evictLocked(m.allocated + spec.MemoryGB - m.budget())
	}
	if m.allocated+spec.MemoryGB > m.budget() {
		m.loadFails++
		return nil, nil, fmt.Errorf("load %s needs %.1fGB, %.1fGB allocated of %.1fGB budget: %w",
			name, spec.MemoryGB, m.allocated, m.budget(), ErrInsufficientMemory)
	}

	// Reserve memory and the LOADING slot before dropping the lock.
	m.allocated += spec.MemoryGB
	m.loaded[name] = &LoadedModule{
		Spec:        spec,
		State:       StateLoading,
		AllocatedGB: spec.MemoryGB,
		ready:       make(chan struct{}),
	}
	return nil, nil, nil
}

// performLoad runs the I/O phase for a reserved LOADING entry: dependency
// loads, artifact fetch, quantization. The lock is held only to finalize.
func (m *Manager) performLoad(ctx context.Context, name string) (ModuleInfo, error) {
	m.mu.Lock()
	entry := m.loaded[name]
	spec := entry.Spec
	m.mu.Unlock()

	fail := func(err error) (ModuleInfo, error) {
		m.mu.Lock()
		m.allocated -= entry.AllocatedGB
		entry.State = StateError
		delete(m.loaded, name)
		m.loadFails++
		close(entry.ready)
		m.mu.Unlock()

		logging.Get(logging.CategoryLifecycle).Error("load %s failed: %v", name, err)
		logging.AuditModule("module_error", name, spec.MemoryGB, false, err.Error())
		return ModuleInfo{}, err
	}

	// Dependencies are cycle-free by registration contract.
	for _, dep := range spec.Dependencies {
		if _, err := m.Load(ctx, dep); err != nil {
			return fail(fmt.Errorf("load %s: %w: %w", name, ErrDependencyLoad, err))
		}
	}

	if spec.ArtifactURI != "" {
		if err := m.fetcher.Fetch(ctx, spec.ArtifactURI); err != nil {
			return fail(fmt.Errorf("load %s: fetch artifact: %w", name, err))
		}
	}

	quantized := false
	if spec.Quantizable {
		if err := m.quantizer.Quantize(ctx, name); err != nil {
			return fail(fmt.Errorf("load %s: quantize: %w", name, err))
		}
		quantized = true
	}

	m.mu.Lock()
	entry.State = StateReady
	entry.Quantized = quantized
	entry.LoadedAt = m.now()
	entry.LastUsedAt = m.now()
	entry.UsageCount = 1
	m.loads++
	close(entry.ready)
	info := entry.info()
	allocated := m.allocated
	m.mu.Unlock()

	logging.Lifecycle("module %s ready mem=%.1fGB quantized=%v allocated=%.1fGB",
		name, spec.MemoryGB, quantized, allocated)
	logging.AuditModule("module_ready", name, spec.MemoryGB, true, "")
	return info, nil
}

// Unload releases a module. Returns false without mutating state when the
// module is absent, mid-transition, pinned by priority, or still depended on.
// Like loading, unloading is two-phase: the entry is marked UNLOADING under
// the lock, the audit and file logging I/O runs outside it, then accounting
// is finalized. Concurrent loaders that observe UNLOADING wait for the entry
// to clear and start a fresh load.
func (m *Manager) Unload(name string) bool {
	m.mu.Lock()
	entry, ok := m.loaded[name]
	if !ok || entry.State != StateReady {
		m.mu.Unlock()
		return false
	}
	if entry.Spec.Priority >= m.cfg.NonEvictablePriority {
		m.mu.Unlock()
		logging.LifecycleDebug("unload %s refused: pinned priority %d", name, entry.Spec.Priority)
		return false
	}
	if deps := m.dependentsLocked(name); len(deps) > 0 {
		m.mu.Unlock()
		logging.LifecycleDebug("unload %s refused: dependents %v", name, deps)
		return false
	}
	entry.State = StateUnloading
	entry.ready = make(chan struct{})
	m.mu.Unlock()

	logging.Lifecycle("module_unload name=%s freed=%.1fGB", name, entry.AllocatedGB)
	logging.AuditModule("module_unload", name, entry.AllocatedGB, true, "")

	m.mu.Lock()
	m.allocated -= entry.AllocatedGB
	delete(m.loaded, name)
	close(entry.ready)
	m.mu.Unlock()
	return true
}

// EnsureReady loads the best registered module serving the decision's model
// tier. Among matching specs the highest priority wins.
func (m *Manager) EnsureReady(ctx context.Context, tier types.ModelTier) (ModuleInfo, error) {
	m.mu.Lock()
	var best *ModuleSpec
	for name := range m.specs {
		spec := m.specs[name]
		if spec.Tier != tier.String() {
			continue
		}
		if best == nil || spec.Priority > best.Priority {
			best = &spec
		}
	}
	m.mu.Unlock()

	if best == nil {
		return ModuleInfo{}, fmt.Errorf("no module registered for tier %s: %w", tier, ErrUnknownModule)
	}
	return m.Load(ctx, best.Name)
}

// pressure is allocated over total capacity. Caller holds the lock.
func (m *Manager) pressure() float64 {
	if m.cfg.MaxMemoryGB <= 0 {
		return 1
	}
	return m.allocated / m.cfg.MaxMemoryGB
}

// evictLocked frees at least neededGB by evicting READY, evictable,
// dependent-free modules in LRU order, ties broken by lowest priority.
// Caller holds the lock. Running out of candidates is not an error; the
// subsequent allocation check fails on its own.
func (m *Manager) evictLocked(neededGB float64) {
	candidates := make([]*LoadedModule, 0, len(m.loaded))
	for _, entry := range m.loaded {
		if entry.State != StateReady {
			continue
		}
		if entry.Spec.Priority >= m.cfg.NonEvictablePriority {
			continue
		}
		if len(m.dependentsLocked(entry.Spec.Name)) > 0 {
			continue
		}
		candidates = append(candidates, entry)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].LastUsedAt.Equal(candidates[j].LastUsedAt) {
			return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
		}
		return candidates[i].Spec.Priority < candidates[j].Spec.Priority
	})

	freed := 0.0
	for _, entry := range candidates {
		if freed >= neededGB {
			break
		}
		// Dependents may have appeared since candidate selection; re-check
		// immediately before release.
		if len(m.dependentsLocked(entry.Spec.Name)) > 0 {
			continue
		}
		freed += entry.AllocatedGB
		m.evictions++
		m.releaseLocked(entry, "module_evict")
	}
}

// releaseLocked frees an entry's memory and removes it. Caller holds the lock.
func (m *Manager) releaseLocked(entry *LoadedModule, event logging.AuditEventType) {
	m.allocated -= entry.AllocatedGB
	delete(m.loaded, entry.Spec.Name)
	logging.Lifecycle("%s name=%s freed=%.1fGB allocated=%.1fGB",
		event, entry.Spec.Name, entry.AllocatedGB, m.allocated)
	logging.AuditModule(event, entry.Spec.Name, entry.AllocatedGB, true, "")
}

// dependentsLocked lists loaded modules that declare name as a dependency.
// Caller holds the lock.
func (m *Manager) dependentsLocked(name string) []string {
	var out []string
	for _, entry := range m.loaded {
		for _, dep := range entry.Spec.Dependencies {
			if dep == name {
				out = append(out, entry.Spec.Name)
			}
		}
	}
	return out
}

// Resident returns a snapshot of loaded modules, name-sorted.
func (m *Manager) Resident() []ModuleInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ModuleInfo, 0, len(m.loaded))
	for _, entry := range m.loaded {
		out = append(out, entry.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SpecsByCategory returns registered module names in a category.
func (m *Manager) SpecsByCategory(category string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for name, spec := range m.specs {
		if spec.Category == category {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Stats reports accounting counters.
type Stats struct {
	AllocatedGB float64
	BudgetGB    float64
	Pressure    float64
	Resident    int
	Loads       int
	LoadFails   int
	Evictions   int
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		AllocatedGB: m.allocated,
		BudgetGB:    m.budget(),
		Pressure:    m.pressure(),
		Resident:    len(m.loaded),
		Loads:       m.loads,
		LoadFails:   m.loadFails,
		Evictions:   m.evictions,
	}
}
