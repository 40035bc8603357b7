package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testCatalog = `
modules:
  - name: llama-mini
    category: general
    version: "1.0"
    tier: mini
    priority: 50
    memory_gb: 1
    quantizable: true
    artifact: file:///models/llama-mini.gguf
  - name: coder-medium
    category: code
    version: "2.1"
    tier: medium
    priority: 30
    memory_gb: 8
    dependencies: [tokenizer-base]
  - name: tokenizer-base
    category: support
    version: "1.0"
    priority: 95
    memory_gb: 0.5
`

func writeCatalog(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "modules.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadCatalog(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), testCatalog)

	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(cat.Modules) != 3 {
		t.Fatalf("modules = %d, want 3", len(cat.Modules))
	}
	if cat.Modules[1].Dependencies[0] != "tokenizer-base" {
		t.Fatalf("dependencies not parsed: %+v", cat.Modules[1])
	}

	m := NewManager(testLifecycleConfig())
	if err := m.RegisterCatalog(cat); err != nil {
		t.Fatalf("RegisterCatalog: %v", err)
	}
	if _, err := m.Load(context.Background(), "coder-medium"); err != nil {
		t.Fatalf("Load from catalog: %v", err)
	}
}

func TestLoadCatalogRejectsBadSpecs(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing_name", "modules:\n  - category: general\n    memory_gb: 1\n"},
		{"zero_memory", "modules:\n  - name: x\n    memory_gb: 0\n"},
		{"bad_tier", "modules:\n  - name: x\n    memory_gb: 1\n    tier: gigantic\n"},
		{"duplicate", "modules:\n  - name: x\n    memory_gb: 1\n  - name: x\n    memory_gb: 2\n"},
		{"self_dep", "modules:\n  - name: x\n    memory_gb: 1\n    dependencies: [x]\n"},
		{"not_yaml", "{{{{"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeCatalog(t, t.TempDir(), tc.content)
			if _, err := LoadCatalog(path); err == nil {
				t.Fatal("LoadCatalog should reject the catalog")
			}
		})
	}
}

func TestCatalogWatcherHotReload(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, testCatalog)

	m := NewManager(testLifecycleConfig())
	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if err := m.RegisterCatalog(cat); err != nil {
		t.Fatalf("RegisterCatalog: %v", err)
	}

	w, err := NewCatalogWatcher(path, m)
	if err != nil {
		t.Fatalf("NewCatalogWatcher: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// A resident module must survive the reload.
	if _, err := m.Load(context.Background(), "llama-mini"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	writeCatalog(t, dir, testCatalog+`
  - name: reasoner-max
    category: math
    version: "1.0"
    tier: max
    priority: 20
    memory_gb: 26
`)

	deadline := time.After(5 * time.Second)
	for w.Reloads() == 0 {
		select {
		case <-deadline:
			t.Fatal("catalog reload did not happen")
		case <-time.After(50 * time.Millisecond):
		}
	}

	if _, err := m.Load(context.Background(), "reasoner-max"); err != nil {
		t.Fatalf("hot-registered module failed to load: %v", err)
	}
	found := false
	for _, info := range m.Resident() {
		if info.Name == "llama-mini" {
			found = true
		}
	}
	if !found {
		t.Fatal("resident module removed by catalog reload")
	}
}

func TestCatalogWatcherKeepsRegistryOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, testCatalog)

	m := NewManager(testLifecycleConfig())
	cat, _ := LoadCatalog(path)
	if err := m.RegisterCatalog(cat); err != nil {
		t.Fatalf("RegisterCatalog: %v", err)
	}

	w, err := NewCatalogWatcher(path, m)
	if err != nil {
		t.Fatalf("NewCatalogWatcher: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeCatalog(t, dir, "{{{{ not yaml")

	// Give the watcher time to attempt the reload, then confirm the old
	// registry still serves loads.
	time.Sleep(time.Second)
	if _, err := m.Load(context.Background(), "llama-mini"); err != nil {
		t.Fatalf("registry lost after bad reload: %v", err)
	}
}
