package database

import "time"

// AuditLog records one shell or binding lifecycle event.
type AuditLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ShellID   int64     `gorm:"index;not null" json:"shell_id"`
	ShellName string    `gorm:"not null;default:''" json:"shell_name"`
	EventType string    `gorm:"index;not null" json:"event_type"`
	BindingID string    `gorm:"default:''" json:"binding_id,omitempty"`
	SourceIP  string    `gorm:"default:''" json:"source_ip,omitempty"`
	Details   string    `gorm:"type:text;default:''" json:"details,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
