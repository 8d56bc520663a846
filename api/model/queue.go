package model

import (
	"encoding/json"

	"github.com/storesync/replicator/model"
)

type EnqueueItem struct {
	Kind        string          `json:"kind"`
	NodeID      int64           `json:"node_id"`
	EntityTable string          `json:"entity_table"`
	RecordID    string          `json:"record_id"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
}

func (e *EnqueueItem) ToEnqueueRequest() model.EnqueueRequest {
	return model.EnqueueRequest{
		Kind:        model.QueueKind(e.Kind),
		NodeID:      e.NodeID,
		EntityTable: e.EntityTable,
		RecordID:    e.RecordID,
		Payload:     e.Payload,
		Priority:    e.Priority,
	}
}

// FanOut replicates one operation to every SYNC node except its origin.
type FanOut struct {
	Kind         string          `json:"kind"`
	SourceNodeID int64           `json:"source_node_id"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
}

type Prioritize struct {
	Priority int `json:"priority"`
}

type ProcessQueue struct {
	NodeID *int64 `json:"node_id"`
	Limit  int    `json:"limit"`
}
