package core

import (
	"context"
	"errors"
	"testing"

	"inferd/internal/config"
	"inferd/internal/lifecycle"
	"inferd/internal/routing"
	"inferd/internal/types"
	"inferd/internal/verification"
)

type stubClassifier struct{}

func (stubClassifier) Classify(string, []string) (types.ComplexityTier, float64) {
	return types.ComplexityModerate, 0.7
}

func (stubClassifier) AssessRisk(string, string) types.RiskTier { return types.RiskStandard }

type stubMonitor struct{ snap types.CapabilitySnapshot }

func (s stubMonitor) Capture(context.Context) types.CapabilitySnapshot { return s.snap }

func testSnapshot() types.CapabilitySnapshot {
	return types.CapabilitySnapshot{
		CPUCores: 8, RAMTotalGB: 64, RAMFreeGB: 48,
		AcceleratorPresent: true, NetworkAvailable: true,
	}
}

func testManager(t *testing.T, maxGB float64) *lifecycle.Manager {
	t.Helper()
	cfg := config.DefaultConfig().Lifecycle
	cfg.MaxMemoryGB = maxGB
	m := lifecycle.NewManager(cfg)
	for tier, mem := range map[string]float64{"mini": 1, "small": 4, "medium": 8, "large": 16, "max": 26} {
		err := m.Register(lifecycle.ModuleSpec{
			Name: "model-" + tier, Category: "general", Tier: tier, MemoryGB: mem, Priority: 10,
		})
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return m
}

func newTestHandler(t *testing.T, maxGB float64, opts ...HandlerOption) (*Handler, *lifecycle.Manager) {
	t.Helper()
	cfg := config.DefaultConfig()
	router := routing.New(cfg.Routing, stubClassifier{}, stubMonitor{snap: testSnapshot()})
	manager := testManager(t, maxGB)
	verifier := verification.NewEngine(cfg.Verification)
	return NewHandler(router, manager, verifier, opts...), manager
}

func TestHandleRoutesAndReadies(t *testing.T) {
	h, manager := newTestHandler(t, 32)

	decision, err := h.Handle(context.Background(), types.NewRequest("chat", "summarize the logs from last night", nil))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if decision.ModelTier != types.ModelTierMedium {
		t.Fatalf("tier = %s, want medium", decision.ModelTier)
	}

	resident := manager.Resident()
	if len(resident) != 1 || resident[0].Name != "model-medium" {
		t.Fatalf("resident = %v, want model-medium ready", resident)
	}
}

func TestHandleResultVerifies(t *testing.T) {
	h, _ := newTestHandler(t, 32)

	decision := &types.RoutingDecision{RequestID: "req-9", Risk: types.RiskStandard}
	result, err := h.HandleResult(context.Background(), "a perfectly ordinary answer about databases and indexes", decision)
	if err != nil {
		t.Fatalf("HandleResult: %v", err)
	}
	if !result.Verified {
		t.Fatalf("result = %+v, want verified", result)
	}
}

// recordingInvoker returns canned output and records the modes tried.
type recordingInvoker struct {
	failModes map[types.ExecutionMode]bool
	tried     []types.ExecutionMode
}

func (r *recordingInvoker) Invoke(_ context.Context, mode types.ExecutionMode, _ *types.RoutingDecision, _ types.Request) (string, error) {
	r.tried = append(r.tried, mode)
	if r.failModes[mode] {
		return "", errors.New("backend unavailable")
	}
	return "the answer is forty two give or take a rounding error", nil
}

func TestExecuteFullPath(t *testing.T) {
	inv := &recordingInvoker{}
	h, _ := newTestHandler(t, 32, WithInvoker(inv))

	decision, result, output, err := h.Execute(context.Background(), types.NewRequest("chat", "what changed in the release", nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if output == "" || !result.Verified {
		t.Fatalf("output=%q result=%+v", output, result)
	}
	if len(inv.tried) != 1 || inv.tried[0] != decision.Mode {
		t.Fatalf("tried = %v, want single call in %s", inv.tried, decision.Mode)
	}
}

func TestExecuteWithoutInvoker(t *testing.T) {
	h, _ := newTestHandler(t, 32)
	if _, _, _, err := h.Execute(context.Background(), types.NewRequest("chat", "hello there", nil)); !errors.Is(err, ErrNoInvoker) {
		t.Fatalf("err = %v, want ErrNoInvoker", err)
	}
}

func TestExecuteInvokeFallsBackAlongChain(t *testing.T) {
	// Default decision is hybrid_local_first with fallback [offline_local];
	// the primary invoke fails, the fallback succeeds.
	inv := &recordingInvoker{failModes: map[types.ExecutionMode]bool{types.ModeHybridLocalFirst: true}}
	h, _ := newTestHandler(t, 32, WithInvoker(inv))

	_, result, output, err := h.Execute(context.Background(), types.NewRequest("chat", "describe the deployment", nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if output == "" || !result.Verified {
		t.Fatalf("fallback path failed: output=%q result=%+v", output, result)
	}
	want := []types.ExecutionMode{types.ModeHybridLocalFirst, types.ModeOfflineLocal}
	if len(inv.tried) != 2 || inv.tried[0] != want[0] || inv.tried[1] != want[1] {
		t.Fatalf("tried = %v, want %v", inv.tried, want)
	}
}

func TestExecuteAllModesFail(t *testing.T) {
	inv := &recordingInvoker{failModes: map[types.ExecutionMode]bool{
		types.ModeHybridLocalFirst: true,
		types.ModeOfflineLocal:     true,
	}}
	h, _ := newTestHandler(t, 32, WithInvoker(inv))

	_, _, _, err := h.Execute(context.Background(), types.NewRequest("chat", "describe the deployment", nil))
	if err == nil {
		t.Fatal("Execute should fail when every mode fails")
	}
}

func TestHandleSurfacesMemoryExhaustion(t *testing.T) {
	// A 6GB budget cannot hold the medium module (8GB). Handle reports it.
	h, _ := newTestHandler(t, 8) // budget 6 after the 2GB margin

	_, err := h.Handle(context.Background(), types.NewRequest("chat", "summarize the incident review", nil))
	if !errors.Is(err, lifecycle.ErrInsufficientMemory) {
		t.Fatalf("err = %v, want ErrInsufficientMemory", err)
	}
}

type recordingSink struct {
	kinds []string
	fail  bool
}

func (r *recordingSink) AppendEvent(kind, _ string, _ bool, _ map[string]interface{}) error {
	r.kinds = append(r.kinds, kind)
	if r.fail {
		return errors.New("disk full")
	}
	return nil
}

func TestHandlerEmitsEvents(t *testing.T) {
	sink := &recordingSink{}
	inv := &recordingInvoker{}
	h, _ := newTestHandler(t, 32, WithInvoker(inv), WithEventSink(sink))

	if _, _, _, err := h.Execute(context.Background(), types.NewRequest("chat", "what changed in the release", nil)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []string{"route_decided", "verification"}
	if len(sink.kinds) != 2 || sink.kinds[0] != want[0] || sink.kinds[1] != want[1] {
		t.Fatalf("events = %v, want %v", sink.kinds, want)
	}
}

func TestHandlerSinkFailureDoesNotFailRequest(t *testing.T) {
	sink := &recordingSink{fail: true}
	h, _ := newTestHandler(t, 32, WithEventSink(sink))

	if _, err := h.Handle(context.Background(), types.NewRequest("chat", "summarize the logs", nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func TestExecutePreloadHintObserved(t *testing.T) {
	cfg := config.DefaultConfig()
	router := routing.New(cfg.Routing, stubClassifier{}, stubMonitor{snap: testSnapshot()})
	manager := testManager(t, 32)

	lcfg := cfg.Lifecycle
	lcfg.PreloadConfidence = 0.1
	pre := lifecycle.NewPreloader(lcfg, manager)
	// Not started: hints stay in the queue where we can count them.

	h := NewHandler(router, manager, verification.NewEngine(cfg.Verification), WithPreloader(pre))
	if _, err := h.Handle(context.Background(), types.NewRequest("chat", "explain what this does", nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	accepted, _ := pre.Enqueued()
	if accepted == 0 {
		t.Fatal("preload hint not enqueued")
	}
}
