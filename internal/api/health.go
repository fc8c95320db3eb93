package api

import "time"

type HealthResponse struct {
	SchemaVersion   string    `json:"schema_version"`
	GeneratedAt     time.Time `json:"generated_at"`
	Status          string    `json:"status"`
	StreamID        string    `json:"stream_id,omitempty"`
	EngineConnected bool      `json:"engine_connected"`
	StreamClients   int       `json:"stream_clients"`
	ActiveTaskID    string    `json:"active_task_id,omitempty"`
}
