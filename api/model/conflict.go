package model

import "github.com/storesync/replicator/model"

type DetectConflicts struct {
	Categories []string `json:"categories"`
}

func (d *DetectConflicts) ToCategories() []model.ConflictCategory {
	out := make([]model.ConflictCategory, 0, len(d.Categories))
	for _, c := range d.Categories {
		out = append(out, model.ConflictCategory(c))
	}
	return out
}

type AutoResolve struct {
	ConflictIDs []string `json:"conflict_ids"`
}

// ManualResolve picks a strategy for one conflict. Params carry the
// strategy's options, e.g. {"method": "average"} for merge or
// {"action": "reset_stock_to_zero"} for custom_fix.
type ManualResolve struct {
	Strategy   string                 `json:"strategy"`
	Params     map[string]interface{} `json:"params"`
	ResolvedBy string                 `json:"resolved_by"`
}

type BulkCleanup struct {
	OlderThanDays int    `json:"older_than_days"`
	Scope         string `json:"scope"`
}
