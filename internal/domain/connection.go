package domain

import (
	"time"
)

// SchemaResponse is the backend's answer to a schema connect request.
type SchemaResponse struct {
	Success    bool     `json:"success"`
	Message    string   `json:"message"`
	TableCount int      `json:"table_count"`
	Tables     []string `json:"tables"`
	Timestamp  string   `json:"timestamp"`
}

// Connection records a user's established data-source connection.
// A user without a Connection row has no data source and question
// submission is rejected for them.
type Connection struct {
	UserID      string    `json:"user_id"`
	DatabaseURL string    `json:"database_url"`
	TableCount  int       `json:"table_count"`
	ConnectedAt time.Time `json:"connected_at"`
}

// SavedVisualization is a chart the user pinned from a transcript.
type SavedVisualization struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Title     string            `json:"title"`
	Spec      VisualizationSpec `json:"spec"`
	CreatedAt time.Time         `json:"created_at"`
}
