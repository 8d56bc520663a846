package model

import "time"

type CheckStatus string

const (
	CheckOK      CheckStatus = "ok"
	CheckWarning CheckStatus = "warning"
	CheckError   CheckStatus = "error"
)

// Score is the contribution of one check to the overall health score.
func (s CheckStatus) Score() float64 {
	switch s {
	case CheckOK:
		return 100
	case CheckWarning:
		return 70
	}
	return 0
}

type HealthCheck struct {
	Name    string                 `json:"name"`
	Status  CheckStatus            `json:"status"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type HealthReport struct {
	Score          float64       `json:"score"`
	Label          string        `json:"label"`
	Checks         []HealthCheck `json:"checks"`
	Issues         []string      `json:"issues"`
	CriticalIssues []string      `json:"critical_issues"`
	CheckedAt      time.Time     `json:"checked_at"`
}

// HealthLabel buckets an overall score.
func HealthLabel(score float64) string {
	switch {
	case score >= 90:
		return "excellent"
	case score >= 75:
		return "good"
	case score >= 50:
		return "warning"
	default:
		return "critical"
	}
}
