package database

import "time"

// AuditLog records an operator-facing security or control event.
type AuditLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	EventType string    `gorm:"index;not null" json:"event_type"`
	Username  string    `gorm:"index" json:"username"`
	SourceIP  string    `json:"source_ip"`
	SessionID string    `gorm:"index" json:"session_id,omitempty"`
	Details   string    `json:"details"`
	Duration  int64     `json:"duration_ms"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// ServerRun is one lifetime of the game server process.
type ServerRun struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	PID       int        `json:"pid"`
	StartedAt time.Time  `gorm:"index;not null" json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	// Reason is empty while the run is in progress, then "stopped" or
	// "crashed".
	Reason string `json:"reason,omitempty"`
}
