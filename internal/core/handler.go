// Package core wires the request path end to end: classification, capability
// capture, routing, module readiness, and result verification. Inference
// execution itself lives behind the Invoker boundary.
package core

import (
	"context"
	"errors"
	"fmt"

	"inferd/internal/lifecycle"
	"inferd/internal/logging"
	"inferd/internal/routing"
	"inferd/internal/types"
	"inferd/internal/verification"
)

// Invoker executes an inference call in a given mode. The core never
// interprets the output; it routes, readies, and verifies around it.
type Invoker interface {
	Invoke(ctx context.Context, mode types.ExecutionMode, decision *types.RoutingDecision, req types.Request) (string, error)
}

// EventSink persists core events for later inspection. The store package
// satisfies this; a nil sink disables persistence. Emission is
// fire-and-forget: sink failures never fail the request path.
type EventSink interface {
	AppendEvent(kind, subject string, success bool, detail map[string]interface{}) error
}

// Handler owns the request path.
type Handler struct {
	router   *routing.Router
	manager  *lifecycle.Manager
	preload  *lifecycle.Preloader
	verifier *verification.Engine
	invoker  Invoker
	events   EventSink
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithInvoker installs the inference backend used by Execute.
func WithInvoker(inv Invoker) HandlerOption { return func(h *Handler) { h.invoker = inv } }

// WithPreloader attaches a preloader for demand hints.
func WithPreloader(p *lifecycle.Preloader) HandlerOption { return func(h *Handler) { h.preload = p } }

// WithEventSink attaches a persistent event sink.
func WithEventSink(s EventSink) HandlerOption { return func(h *Handler) { h.events = s } }

// NewHandler creates a Handler.
func NewHandler(router *routing.Router, manager *lifecycle.Manager, verifier *verification.Engine, opts ...HandlerOption) *Handler {
	h := &Handler{router: router, manager: manager, verifier: verifier}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle routes a request and brings the decided module tier to READY.
// The preload hint is enqueued after routing so background warming never
// delays the synchronous path.
func (h *Handler) Handle(ctx context.Context, req types.Request) (*types.RoutingDecision, error) {
	decision, err := h.router.Route(ctx, req)
	if err != nil {
		return nil, err
	}

	if _, err := h.manager.EnsureReady(ctx, decision.ModelTier); err != nil {
		return nil, fmt.Errorf("ready tier %s for %s: %w", decision.ModelTier, req.ID, err)
	}

	if h.preload != nil {
		h.preload.Observe(req, decision.Complexity)
	}

	logging.Core("handled request=%s mode=%s tier=%s", req.ID, decision.Mode, decision.ModelTier)
	h.emit("route_decided", req.ID, true, map[string]interface{}{
		"mode": string(decision.Mode),
		"tier": decision.ModelTier.String(),
		"risk": decision.Risk.String(),
	})
	return decision, nil
}

// HandleResult verifies an inference output against its decision's risk tier.
func (h *Handler) HandleResult(ctx context.Context, output string, decision *types.RoutingDecision) (*verification.Result, error) {
	result, err := h.verifier.Verify(ctx, verification.Input{
		RequestID: decision.RequestID,
		Content:   output,
		Risk:      decision.Risk,
	})
	if err != nil {
		return nil, err
	}
	h.emit("verification", decision.RequestID, result.Verified, map[string]interface{}{
		"confidence":     result.Confidence,
		"recommendation": string(result.Recommendation),
	})
	return result, nil
}

func (h *Handler) emit(kind, subject string, success bool, detail map[string]interface{}) {
	if h.events == nil {
		return
	}
	if err := h.events.AppendEvent(kind, subject, success, detail); err != nil {
		logging.CoreWarn("event sink append failed kind=%s subject=%s: %v", kind, subject, err)
	}
}

// ErrNoInvoker is returned by Execute when no backend is installed.
var ErrNoInvoker = errors.New("no invoker configured")

// Execute runs the full path: route, ready, invoke, verify. When the decided
// mode cannot be served because module memory ran out, it walks the
// decision's fallback chain in order before giving up.
func (h *Handler) Execute(ctx context.Context, req types.Request) (*types.RoutingDecision, *verification.Result, string, error) {
	if h.invoker == nil {
		return nil, nil, "", ErrNoInvoker
	}

	decision, err := h.Handle(ctx, req)
	if err != nil && !errors.Is(err, lifecycle.ErrInsufficientMemory) {
		return nil, nil, "", err
	}
	if err != nil {
		// Tier module would not fit: re-route along the fallback chain by
		// forcing each fallback mode in turn.
		decision, err = h.routeFallback(ctx, req)
		if err != nil {
			return nil, nil, "", err
		}
	}

	output, err := h.invokeWithFallback(ctx, decision, req)
	if err != nil {
		return decision, nil, "", err
	}

	result, err := h.HandleResult(ctx, output, decision)
	if err != nil {
		return decision, nil, output, err
	}
	return decision, result, output, nil
}

// routeFallback retries Handle with each fallback mode forced, for the case
// where the primary decision's module cannot be made resident.
func (h *Handler) routeFallback(ctx context.Context, req types.Request) (*types.RoutingDecision, error) {
	primary, err := h.router.Route(ctx, req)
	if err != nil {
		return nil, err
	}

	for _, mode := range primary.FallbackChain {
		forced, err := h.Handle(ctx, req.WithOverride(mode))
		if err == nil {
			logging.CoreWarn("request=%s fell back to mode=%s after memory pressure", req.ID, mode)
			return forced, nil
		}
		if !errors.Is(err, lifecycle.ErrInsufficientMemory) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("request %s: all fallbacks exhausted: %w", req.ID, lifecycle.ErrInsufficientMemory)
}

// invokeWithFallback tries the decided mode, then the fallback chain, on
// invocation failure.
func (h *Handler) invokeWithFallback(ctx context.Context, decision *types.RoutingDecision, req types.Request) (string, error) {
	output, err := h.invoker.Invoke(ctx, decision.Mode, decision, req)
	if err == nil {
		return output, nil
	}

	lastErr := err
	for _, mode := range decision.FallbackChain {
		logging.CoreWarn("request=%s invoke failed in %s, trying %s: %v", req.ID, decision.Mode, mode, lastErr)
		output, err = h.invoker.Invoke(ctx, mode, decision, req)
		if err == nil {
			return output, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("request %s: invocation failed in all modes: %w", req.ID, lastErr)
}
