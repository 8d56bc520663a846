package model

import "github.com/storesync/replicator/model"

// Distribute sends one category, or "all", to the given nodes. An empty
// target list means every SYNC node.
type Distribute struct {
	Category    string  `json:"category"`
	TargetNodes []int64 `json:"target_nodes"`
	Priority    string  `json:"priority"`
	ForceUpdate bool    `json:"force_update"`
	Async       bool    `json:"async"`
}

func (d *Distribute) ToDistributionRequest() model.DistributionRequest {
	priority := d.Priority
	if priority == "" {
		priority = "normal"
	}
	return model.DistributionRequest{
		Category:    d.Category,
		TargetNodes: d.TargetNodes,
		Priority:    priority,
		ForceUpdate: d.ForceUpdate,
	}
}

type ForceSync struct {
	TargetNodes       []int64 `json:"target_nodes"`
	IncludeHistorical bool    `json:"include_historical"`
	Async             bool    `json:"async"`
}

type EmergencySync struct {
	Type string `json:"type"`
}
