package model

import (
	"encoding/json"
	"time"
)

const (
	AuditModeTransition   = "mode_transition"
	AuditCriticalFailure  = "critical_failure"
	AuditConflictEscalate = "conflict_escalated"
)

// AuditEntry is an append-only record of a mode transition or a terminal failure.
type AuditEntry struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	NodeID    *int64          `json:"node_id,omitempty"`
	EntityRef string          `json:"entity_ref,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
