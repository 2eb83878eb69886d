package entities

import "time"

// Audit actions recorded for alert lifecycle transitions.
const (
	AlertActionOpened       = "opened"
	AlertActionAcknowledged = "acknowledged"
	AlertActionClosed       = "closed"
)

// AlertStateHistory is one append-only audit row per alert transition.
type AlertStateHistory struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	AlertID    uint      `gorm:"not null;index:idx_alert_state_history_alert,priority:1" json:"alert_id"`
	Action     string    `gorm:"size:20;not null" json:"action"`
	Actor      string    `gorm:"size:100;not null;default:''" json:"actor"`
	FromStatus string    `gorm:"size:20;not null;default:''" json:"from_status"`
	ToStatus   string    `gorm:"size:20;not null" json:"to_status"`
	CreatedAt  time.Time `gorm:"not null;index:idx_alert_state_history_alert,priority:2" json:"created_at"`
}

// TableName returns the table name for GORM.
func (AlertStateHistory) TableName() string {
	return "alert_state_history"
}
