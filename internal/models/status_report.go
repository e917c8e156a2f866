package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StatusReport is an append-only observation from an agent working a
// task. Used for progress/ETA only, never for allocation correctness.
type StatusReport struct {
	ID           int64            `json:"id"`
	TaskID       uuid.UUID        `json:"task_id"`
	Progress     int64            `json:"progress"`
	GuessPreview *string          `json:"guess_preview,omitempty"`
	Devices      DeviceStatusList `json:"devices"`
	ReportedAt   time.Time        `json:"reported_at"`
}

// DeviceStatus is one device's utilization snapshot within a status
// report.
type DeviceStatus struct {
	DeviceID    int     `json:"device_id"`
	DeviceName  string  `json:"device_name"`
	Speed       int64   `json:"speed"`
	Utilization float64 `json:"utilization"`
	Temperature float64 `json:"temperature"`
}

// DeviceStatusList is stored as a JSONB array on the report row.
type DeviceStatusList []DeviceStatus

// Value returns the JSON encoding of the device statuses for storage
func (d DeviceStatusList) Value() (driver.Value, error) {
	if d == nil {
		return "[]", nil
	}
	return json.Marshal(d)
}

// Scan decodes a JSONB column into the device status list
func (d *DeviceStatusList) Scan(value interface{}) error {
	if value == nil {
		*d = DeviceStatusList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("unsupported type for device statuses: %T", value)
	}
}

// AggregateSpeed sums the per-device speeds of the report.
func (s *StatusReport) AggregateSpeed() int64 {
	var total int64
	for _, d := range s.Devices {
		total += d.Speed
	}
	return total
}
