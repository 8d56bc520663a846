package model

import "time"

type NodeMode string

const (
	NodeModeDirect NodeMode = "DIRECT"
	NodeModeSync   NodeMode = "SYNC"
)

func (m NodeMode) Valid() bool {
	return m == NodeModeDirect || m == NodeModeSync
}

// Node is a store deployment.
type Node struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Mode         NodeMode   `json:"mode"`
	IsCentral    bool       `json:"is_central"`
	BackfilledAt *time.Time `json:"backfilled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Watermark is the last distributed timestamp for a (node, category) pair.
type Watermark struct {
	NodeID            int64     `json:"node_id"`
	Category          string    `json:"category"`
	LastDistributedAt time.Time `json:"last_distributed_at"`
	LastStatus        string    `json:"last_status"`
	LastError         string    `json:"last_error,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

const (
	WatermarkStatusOK      = "ok"
	WatermarkStatusPartial = "partial"
	WatermarkStatusFailed  = "failed"
)

// ModeSwitchStep is one audited stage of a DIRECT -> SYNC transition.
type ModeSwitchStep struct {
	Step      string    `json:"step"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ModeSwitchResult struct {
	NodeID   int64                `json:"node_id"`
	From     NodeMode             `json:"from"`
	To       NodeMode             `json:"to"`
	Success  bool                 `json:"success"`
	Steps    []ModeSwitchStep     `json:"steps"`
	Backfill []DistributionResult `json:"backfill,omitempty"`
	CatchUp  []DistributionResult `json:"catch_up,omitempty"`
}
