package model

import "net/http"

// ErrorKind classifies a failure so callers can choose between retry and stop.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
	ErrorKindConflict  ErrorKind = "conflict"
	ErrorKindCapacity  ErrorKind = "capacity"
)

// Final reports whether an item failing with this kind must not be retried
// automatically. Conflicts are handed to the conflict engine instead.
func (k ErrorKind) Final() bool {
	return k == ErrorKindPermanent || k == ErrorKindConflict
}

// DeliveryResult is the outcome of one webhook transmission.
type DeliveryResult struct {
	Success        bool      `json:"success"`
	DeliveryID     string    `json:"delivery_id"`
	NodeID         int64     `json:"node_id"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Error          string    `json:"error,omitempty"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty"`
}

// ClassifyStatus maps an HTTP status code onto an error kind.
func ClassifyStatus(code int) ErrorKind {
	switch {
	case code >= 200 && code < 300:
		return ErrorKindNone
	case code == http.StatusConflict:
		return ErrorKindConflict
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return ErrorKindTransient
	case code >= 500:
		return ErrorKindTransient
	case code >= 400:
		return ErrorKindPermanent
	}
	return ErrorKindTransient
}
