package history

import (
	"context"
	"time"

	"solarmax-monitor/internal/inverter"

	"go.uber.org/zap"
)

// Monitor watches the collector's mode and imports history when the
// inverter comes online. It also serves manual refresh requests.
type Monitor struct {
	importer *Importer
	modes    ModeSource
	interval time.Duration
	logger   *zap.Logger

	previous    inverter.Mode
	hasPrevious bool
}

func newMonitor(importer *Importer, modes ModeSource, interval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		importer: importer,
		modes:    modes,
		interval: interval,
		logger:   logger.Named("monitor"),
	}
}

func (m *Monitor) seed(mode inverter.Mode) {
	m.previous = mode
	m.hasPrevious = true
}

// Run blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("status monitor started", zap.Duration("interval", m.interval))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("status monitor stopped")
			return
		case <-ticker.C:
			m.observe(ctx)
		case <-m.importer.manual:
			m.logger.Info("manual history import requested")
			if _, err := m.importer.Refresh(ctx); err != nil {
				m.logger.Error("manual history import failed", zap.Error(err))
			}
		}
	}
}

// observe acts on an offline to online transition, the first observation
// included when nothing was seen before.
func (m *Monitor) observe(ctx context.Context) {
	current := m.modes.Mode()
	cameOnline := current.Online() && (!m.hasPrevious || !m.previous.Online())

	if cameOnline {
		m.logger.Info("inverter came online",
			zap.String("previous", string(m.previous)),
			zap.String("current", string(current)))
		m.importer.syncAndRefresh(ctx, true)
	}

	m.previous = current
	m.hasPrevious = true
}
