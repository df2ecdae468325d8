package storage

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Reading is one poll cycle result. Values holds the snapshot as JSON.
type Reading struct {
	gorm.Model
	Timestamp    time.Time `gorm:"index" json:"timestamp"`
	InverterMode string    `json:"inverter_mode"`
	Values       string    `json:"-"`
}

func (r Reading) Snapshot() (map[string]any, error) {
	out := map[string]any{}
	if r.Values == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(r.Values), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StatisticMetadata describes one imported series.
type StatisticMetadata struct {
	StatisticID string    `gorm:"primaryKey" json:"statistic_id"`
	Name        string    `json:"name"`
	Source      string    `json:"source"`
	Unit        string    `json:"unit"`
	HasMean     bool      `json:"has_mean"`
	HasSum      bool      `json:"has_sum"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StatisticSample is one hourly value of a series.
type StatisticSample struct {
	Start time.Time `json:"start"`
	State float64   `json:"state"`
	Sum   float64   `json:"sum"`
}

// Statistic is the stored row; (statistic_id, start) is unique so
// re-importing a sample overwrites it.
type Statistic struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	StatisticID string    `gorm:"uniqueIndex:idx_statistic_start;not null" json:"statistic_id"`
	Start       time.Time `gorm:"uniqueIndex:idx_statistic_start;not null" json:"start"`
	Day         string    `gorm:"index" json:"day"`
	State       float64   `json:"state"`
	Sum         float64   `json:"sum"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type DailyTotal struct {
	Day    string  `json:"day"`
	Energy float64 `json:"energy_kwh"`
}
