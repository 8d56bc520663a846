package model

type RegisterEndpoint struct {
	NodeID int64  `json:"node_id"`
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type RetryDeliveries struct {
	NodeID      *int64 `json:"node_id"`
	MaxAgeHours int    `json:"max_age_hours"`
	MaxRetries  int    `json:"max_retries"`
}
