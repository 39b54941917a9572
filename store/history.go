// Package store keeps a history of readings in SQLite.
package store

import (
	"fmt"
	"time"

	"github.com/calmh/soilpi"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Sample is one successful reading.
type Sample struct {
	ID      uint64    `json:"-" gorm:"primaryKey"`
	Sensor  string    `json:"sensor" gorm:"index:idx_series"`
	Channel string    `json:"channel" gorm:"index:idx_series"`
	Raw     int       `json:"raw"`
	Value   float64   `json:"value"`
	Time    time.Time `json:"time" gorm:"index"`
}

// History is a chirp.Publisher that stores every good reading. Failed
// readings are not stored; a gap in the series is an absent channel.
type History struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

func Open(file string, log *zap.SugaredLogger) (*History, error) {
	db, err := gorm.Open(sqlite.Open(file), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file, err)
	}
	if err := db.AutoMigrate(&Sample{}); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", file, err)
	}
	return &History{db: db, logger: log}, nil
}

func (h *History) Publish(r chirp.Reading) {
	if !r.OK() {
		return
	}
	s := Sample{
		Sensor:  r.Sensor,
		Channel: r.Channel.String(),
		Raw:     r.Raw,
		Value:   r.Value,
		Time:    r.Time,
	}
	if res := h.db.Create(&s); res.Error != nil {
		h.logger.Warnw("store reading", "sensor", r.Sensor, "channel", r.Channel, "error", res.Error)
	}
}

// Recent returns up to n samples for the sensor and channel, newest first.
func (h *History) Recent(sensor string, ch chirp.Channel, n int) ([]Sample, error) {
	var res []Sample
	err := h.db.
		Where("sensor = ? AND channel = ?", sensor, ch.String()).
		Order("time desc, id desc").
		Limit(n).
		Find(&res).Error
	return res, err
}

// Prune deletes samples older than before and returns how many were
// removed.
func (h *History) Prune(before time.Time) (int64, error) {
	res := h.db.Where("time < ?", before).Delete(&Sample{})
	return res.RowsAffected, res.Error
}

func (h *History) Close() error {
	db, err := h.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
