package model

import "github.com/storesync/replicator/model"

type UpsertNode struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Mode      string `json:"mode"`
	IsCentral bool   `json:"is_central"`
}

func (n *UpsertNode) ToNode() *model.Node {
	return &model.Node{
		ID:        n.ID,
		Name:      n.Name,
		Mode:      model.NodeMode(n.Mode),
		IsCentral: n.IsCentral,
	}
}

type SetNodeMode struct {
	Mode string `json:"mode"`
}

type SwitchToSync struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}
