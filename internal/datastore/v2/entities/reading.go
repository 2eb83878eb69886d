package entities

import "time"

// Reading is one stored sensor measurement. A nil Value marks an invalid
// read; BadRead is also set when the sensor flagged the read itself.
type Reading struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SensorID   string    `gorm:"size:100;not null;index:idx_readings_sensor_var_time,priority:1" json:"sensor_id"`
	Variable   string    `gorm:"size:50;not null;index:idx_readings_sensor_var_time,priority:2;index:idx_readings_var_time,priority:1" json:"variable"`
	MeasuredAt time.Time `gorm:"not null;index:idx_readings_sensor_var_time,priority:3;index:idx_readings_var_time,priority:2;index" json:"measured_at"`
	Value      *float64  `json:"value"`
	BadRead    bool      `gorm:"not null;default:false;index" json:"bad_read"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for GORM.
func (Reading) TableName() string {
	return "readings"
}
