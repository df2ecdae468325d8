package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	dayLayout       = "2006-01-02"
	importBatchSize = 500
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(path string) (*Database, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&Reading{}, &StatisticMetadata{}, &Statistic{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{db: db}, nil
}

func (d *Database) SaveReading(ts time.Time, mode string, values map[string]any) error {
	payload, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}

	return d.db.Create(&Reading{
		Timestamp:    ts,
		InverterMode: mode,
		Values:       string(payload),
	}).Error
}

func (d *Database) GetLatestReading() (*Reading, error) {
	var reading Reading
	result := d.db.Order("timestamp desc").First(&reading)
	if result.Error != nil {
		return nil, result.Error
	}
	return &reading, nil
}

func (d *Database) GetReadingsByRange(from, to time.Time) ([]Reading, error) {
	var readings []Reading
	result := d.db.Where("timestamp BETWEEN ? AND ?", from, to).
		Order("timestamp desc").
		Find(&readings)
	if result.Error != nil {
		return nil, result.Error
	}
	return readings, nil
}

func (d *Database) GetReadingsWithLimit(limit int) ([]Reading, error) {
	var readings []Reading
	result := d.db.Order("timestamp desc").Limit(limit).Find(&readings)
	if result.Error != nil {
		return nil, result.Error
	}
	return readings, nil
}

func (d *Database) CleanOldReadings(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := d.db.Where("timestamp < ?", cutoff).Delete(&Reading{})
	return result.RowsAffected, result.Error
}

// ImportStatistics upserts the series metadata and all samples in one
// transaction. Samples already stored for the same start are overwritten.
func (d *Database) ImportStatistics(ctx context.Context, meta StatisticMetadata, samples []StatisticSample) error {
	if len(samples) == 0 {
		return nil
	}

	rows := make([]Statistic, 0, len(samples))
	for _, s := range samples {
		rows = append(rows, Statistic{
			StatisticID: meta.StatisticID,
			Start:       s.Start.UTC(),
			Day:         s.Start.Format(dayLayout),
			State:       s.State,
			Sum:         s.Sum,
		})
	}

	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&meta).Error; err != nil {
			return fmt.Errorf("failed to store statistic metadata: %w", err)
		}

		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "statistic_id"}, {Name: "start"}},
			DoUpdates: clause.AssignmentColumns([]string{"day", "state", "sum", "updated_at"}),
		}).CreateInBatches(rows, importBatchSize).Error
		if err != nil {
			return fmt.Errorf("failed to store statistics: %w", err)
		}
		return nil
	})
}

func (d *Database) GetStatistics(statisticID string, from, to time.Time) ([]Statistic, error) {
	var stats []Statistic
	result := d.db.Where("statistic_id = ? AND start >= ? AND start < ?", statisticID, from.UTC(), to.UTC()).
		Order("start asc").
		Find(&stats)
	if result.Error != nil {
		return nil, result.Error
	}
	return stats, nil
}

func (d *Database) GetStatisticMetadata(statisticID string) (*StatisticMetadata, error) {
	var meta StatisticMetadata
	if err := d.db.First(&meta, "statistic_id = ?", statisticID).Error; err != nil {
		return nil, err
	}
	return &meta, nil
}

// ImportedDays lists the local dates that have at least one stored sample.
func (d *Database) ImportedDays(ctx context.Context, statisticID string) ([]string, error) {
	var days []string
	result := d.db.WithContext(ctx).Model(&Statistic{}).
		Where("statistic_id = ?", statisticID).
		Distinct().
		Order("day asc").
		Pluck("day", &days)
	if result.Error != nil {
		return nil, result.Error
	}
	return days, nil
}

// DailyTotals sums hourly production per local day.
func (d *Database) DailyTotals(statisticID string, fromDay, toDay string) ([]DailyTotal, error) {
	var totals []DailyTotal
	result := d.db.Model(&Statistic{}).
		Select("day, SUM(state) AS energy").
		Where("statistic_id = ? AND day >= ? AND day <= ?", statisticID, fromDay, toDay).
		Group("day").
		Order("day asc").
		Scan(&totals)
	if result.Error != nil {
		return nil, result.Error
	}
	return totals, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
