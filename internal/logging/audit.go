// Package logging - audit logging for structured core events. Audit entries
// are JSON lines capturing routing decisions, module lifecycle transitions,
// risk matches, and verification outcomes. The audit file is strictly
// append-only; emission failures never fail the primary operation.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Routing events
	AuditRouteDecided AuditEventType = "route_decided"

	// Risk classification events
	AuditRiskMatch AuditEventType = "risk_match"

	// Module lifecycle events
	AuditModuleLoad    AuditEventType = "module_load"
	AuditModuleReady   AuditEventType = "module_ready"
	AuditModuleUnload  AuditEventType = "module_unload"
	AuditModuleEvict   AuditEventType = "module_evict"
	AuditModuleError   AuditEventType = "module_error"
	AuditModulePreload AuditEventType = "module_preload"

	// Verification events
	AuditVerification AuditEventType = "verification"
)

// AuditEvent represents a structured audit log entry.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	RequestID  string                 `json:"req,omitempty"`
	Target     string                 `json:"target,omitempty"` // Module/decision/pattern target
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// InitAudit initializes the audit logging system
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit writes an audit event. Silently drops the event if auditing is not
// initialized; audit emission is fire-and-forget by contract.
func Audit(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// AuditRoute logs a routing decision
func AuditRoute(requestID, mode, tier string, confidence float64) {
	Audit(AuditEvent{
		EventType: AuditRouteDecided,
		RequestID: requestID,
		Target:    mode,
		Success:   true,
		Fields:    map[string]interface{}{"model_tier": tier, "confidence": confidence},
		Message:   fmt.Sprintf("Routed %s -> %s (%s, conf=%.2f)", requestID, mode, tier, confidence),
	})
}

// AuditRisk logs a risk pattern match
func AuditRisk(operation, tier, pattern string) {
	Audit(AuditEvent{
		EventType: AuditRiskMatch,
		Target:    pattern,
		Success:   true,
		Fields:    map[string]interface{}{"operation": operation, "tier": tier},
		Message:   fmt.Sprintf("Risk %s: op=%s pattern=%s", tier, operation, pattern),
	})
}

// AuditModule logs a module lifecycle transition
func AuditModule(event AuditEventType, name string, allocatedGB float64, success bool, errMsg string) {
	Audit(AuditEvent{
		EventType: event,
		Target:    name,
		Success:   success,
		Error:     errMsg,
		Fields:    map[string]interface{}{"allocated_gb": allocatedGB},
		Message:   fmt.Sprintf("Module %s: %s (%.1fGB, success=%v)", event, name, allocatedGB, success),
	})
}

// AuditVerify logs a verification outcome
func AuditVerify(requestID string, verified bool, confidence float64, recommendation string) {
	Audit(AuditEvent{
		EventType: AuditVerification,
		RequestID: requestID,
		Target:    recommendation,
		Success:   verified,
		Fields:    map[string]interface{}{"confidence": confidence},
		Message:   fmt.Sprintf("Verification %s: verified=%v conf=%.2f rec=%s", requestID, verified, confidence, recommendation),
	})
}
