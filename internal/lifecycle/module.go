// Package lifecycle manages inference module residency: registration,
// loading with memory accounting, dependency resolution, eviction under
// pressure, and predictive preloading.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"inferd/internal/types"
)

var (
	// ErrUnknownModule is returned when a load names an unregistered module.
	ErrUnknownModule = errors.New("unknown module")

	// ErrInsufficientMemory is returned when the requirement cannot be
	// satisfied even after eviction. Registry state is unchanged.
	ErrInsufficientMemory = errors.New("insufficient memory")

	// ErrDependencyLoad wraps a failure while loading a declared dependency.
	ErrDependencyLoad = errors.New("dependency load failed")
)

// ModuleState is the lifecycle state of one loaded module entry.
type ModuleState int

const (
	StateNotLoaded ModuleState = iota
	StateLoading
	StateReady
	StateUnloading
	StateError
)

func (s ModuleState) String() string {
	switch s {
	case StateNotLoaded:
		return "not_loaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateUnloading:
		return "unloading"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ModuleSpec describes a registered module. Specs are immutable after
// registration; re-registering a name replaces the spec for future loads
// without touching a resident entry.
type ModuleSpec struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Version  string `yaml:"version"`

	// Tier is the model tier this module serves, used to satisfy routing
	// decisions. Empty for support modules (tokenizers, adapters).
	Tier string `yaml:"tier"`

	// Priority orders eviction (lowest first) and gates unload: modules at
	// or above the manager's non-evictable threshold are pinned.
	Priority int `yaml:"priority"`

	MemoryGB     float64  `yaml:"memory_gb"`
	Dependencies []string `yaml:"dependencies"`
	Quantizable  bool     `yaml:"quantizable"`
	ArtifactURI  string   `yaml:"artifact"`
}

// Validate checks a spec for registration.
func (s ModuleSpec) Validate() error {
	if s.Name == "" {
		return errors.New("module spec missing name")
	}
	if s.MemoryGB <= 0 {
		return fmt.Errorf("module %s: memory_gb must be positive", s.Name)
	}
	for _, dep := range s.Dependencies {
		if dep == s.Name {
			return fmt.Errorf("module %s depends on itself", s.Name)
		}
	}
	if s.Tier != "" {
		if _, err := ParseModelTier(s.Tier); err != nil {
			return fmt.Errorf("module %s: %w", s.Name, err)
		}
	}
	return nil
}

// ParseModelTier maps a catalog tier name to its ModelTier.
func ParseModelTier(name string) (types.ModelTier, error) {
	for _, t := range types.AllModelTiers() {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown model tier %q", name)
}

// LoadedModule is the resident entry for one module. All fields are guarded
// by the manager's lock; callers receive copies via Info.
type LoadedModule struct {
	Spec  ModuleSpec
	State ModuleState

	AllocatedGB float64
	Quantized   bool

	LoadedAt   time.Time
	LastUsedAt time.Time
	UsageCount int

	// ready is closed when the load completes, success or failure. Waiters
	// re-check State afterwards.
	ready chan struct{}
}

// ModuleInfo is an immutable snapshot of a resident module.
type ModuleInfo struct {
	Name        string
	Category    string
	Tier        string
	State       ModuleState
	Priority    int
	AllocatedGB float64
	Quantized   bool
	LoadedAt    time.Time
	LastUsedAt  time.Time
	UsageCount  int
}

func (m *LoadedModule) info() ModuleInfo {
	return ModuleInfo{
		Name:        m.Spec.Name,
		Category:    m.Spec.Category,
		Tier:        m.Spec.Tier,
		State:       m.State,
		Priority:    m.Spec.Priority,
		AllocatedGB: m.AllocatedGB,
		Quantized:   m.Quantized,
		LoadedAt:    m.LoadedAt,
		LastUsedAt:  m.LastUsedAt,
		UsageCount:  m.UsageCount,
	}
}
