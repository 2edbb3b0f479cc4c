package api

import (
	"time"

	"warden/internal/model"
)

const SchemaVersion = "warden.v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

// StatusEnvelope is the read-only view the presentation layer polls:
// session counters plus per-instance status and per-window heartbeat.
type StatusEnvelope struct {
	SchemaVersion        string                    `json:"schema_version"`
	GeneratedAt          time.Time                 `json:"generated_at"`
	SessionInterventions uint64                    `json:"session_interventions"`
	Instances            []model.MonitoredInstance `json:"instances"`
}

type EventItem struct {
	EventID   string `json:"event_id"`
	PID       int    `json:"pid"`
	WindowID  string `json:"window_id,omitempty"`
	Kind      string `json:"kind"`
	Category  string `json:"category,omitempty"`
	Detail    string `json:"detail"`
	CreatedAt string `json:"created_at"`
}

type EventsEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Events        []EventItem `json:"events"`
}

type ResetResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	PID           int       `json:"pid"`
	ResultCode    string    `json:"result_code"`
}

type InjectResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	WindowID      string    `json:"window_id"`
	Port          int       `json:"port"`
	ResultCode    string    `json:"result_code"`
}

type PauseResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	WindowID      string    `json:"window_id"`
	Paused        bool      `json:"paused"`
	ResultCode    string    `json:"result_code"`
}
