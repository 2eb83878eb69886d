package entities

import "time"

// Alert lifecycle states.
const (
	AlertStatusOpen         = "open"
	AlertStatusAcknowledged = "acknowledged"
	AlertStatusClosed       = "closed"
)

// Alert is a persisted alert produced by a catalog rule. Alerts are never
// deleted; lifecycle transitions are recorded in AlertStateHistory.
type Alert struct {
	ID             uint                `gorm:"primaryKey" json:"id"`
	CatalogID      int                 `gorm:"not null;index:idx_alerts_dedup,priority:1" json:"catalog_id"`
	Name           string              `gorm:"size:255;not null;default:''" json:"name"`
	SensorID       string              `gorm:"size:100;not null;index:idx_alerts_dedup,priority:2" json:"sensor_id"`
	Variable       string              `gorm:"size:50;not null;index:idx_alerts_dedup,priority:3" json:"variable"`
	Level          string              `gorm:"size:10;not null;index:idx_alerts_dedup,priority:4" json:"level"`
	Status         string              `gorm:"size:20;not null;default:'open';index:idx_alerts_dedup,priority:5;index" json:"status"`
	CreatedAt      time.Time           `gorm:"not null;index:idx_alerts_dedup,priority:6;index" json:"created_at"`
	Message        string              `gorm:"size:1000;not null;default:''" json:"message"`
	Value          *float64            `json:"value"`
	Threshold      *float64            `json:"threshold"`
	OpenModal      bool                `gorm:"not null;default:false" json:"open_modal"`
	MeasuredAt     time.Time           `json:"measured_at"`
	AcknowledgedBy *string             `gorm:"size:100" json:"acknowledged_by"`
	AcknowledgedAt *time.Time          `json:"acknowledged_at"`
	ClosedAt       *time.Time          `json:"closed_at"`
	Meta           map[string]any      `gorm:"serializer:json;type:text" json:"meta,omitempty"`
	History        []AlertStateHistory `gorm:"foreignKey:AlertID;constraint:OnDelete:RESTRICT" json:"history,omitempty"`
}

// TableName returns the table name for GORM.
func (Alert) TableName() string {
	return "alerts"
}

// DedupKey returns the composite key used to suppress duplicate alerts.
func (a *Alert) DedupKey() DedupKey {
	return DedupKey{CatalogID: a.CatalogID, SensorID: a.SensorID, Variable: a.Variable, Level: a.Level}
}

// DedupKey identifies equivalent alerts: same rule, sensor, variable and level.
type DedupKey struct {
	CatalogID int
	SensorID  string
	Variable  string
	Level     string
}
