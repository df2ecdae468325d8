package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"solarmax-monitor/internal/inverter"
	"solarmax-monitor/internal/metrics"
	"solarmax-monitor/internal/modbus"
	"solarmax-monitor/internal/prober"

	"go.uber.org/zap"
)

// Pinger reports whether a host answers an ICMP echo.
type Pinger interface {
	Alive(ctx context.Context, host string) (bool, error)
}

type ReadingStore interface {
	SaveReading(ts time.Time, mode string, values map[string]any) error
}

type SnapshotPublisher interface {
	Publish(snapshot map[string]any) error
}

type Collector struct {
	device           *inverter.SolarMax
	pinger           Pinger
	pingHost         string
	checkStatusFirst bool
	interval         time.Duration
	enabled          bool
	store            ReadingStore
	publisher        SnapshotPublisher
	metrics          *metrics.Metrics
	logger           *zap.Logger

	mu           sync.RWMutex
	snapshot     map[string]any
	lastPoll     time.Time
	lastSuccess  bool
	lastErr      error
	isCollecting bool

	ready     chan struct{}
	readyOnce sync.Once
}

type CollectorConfig struct {
	Device           *inverter.SolarMax
	Pinger           Pinger
	PingHost         string
	CheckStatusFirst bool
	Interval         time.Duration
	Enabled          bool
	Store            ReadingStore
	Publisher        SnapshotPublisher
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
}

func NewCollector(cfg CollectorConfig) *Collector {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		device:           cfg.Device,
		pinger:           cfg.Pinger,
		pingHost:         cfg.PingHost,
		checkStatusFirst: cfg.CheckStatusFirst,
		interval:         cfg.Interval,
		enabled:          cfg.Enabled,
		store:            cfg.Store,
		publisher:        cfg.Publisher,
		metrics:          cfg.Metrics,
		logger:           logger.Named("collector"),
		snapshot:         make(map[string]any),
		ready:            make(chan struct{}),
	}
}

// State summarizes the last poll cycle.
type State struct {
	Mode        inverter.Mode `json:"mode"`
	LastPoll    time.Time     `json:"last_poll"`
	LastSuccess bool          `json:"last_update_success"`
	LastError   string        `json:"last_error,omitempty"`
	Collecting  bool          `json:"collecting"`
}

func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled {
		c.logger.Info("collector is disabled")
		c.readyOnce.Do(func() { close(c.ready) })
		return nil
	}

	c.mu.Lock()
	c.isCollecting = true
	c.mu.Unlock()

	c.logger.Info("starting collector", zap.Duration("interval", c.interval))

	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("collector stopped")
			c.mu.Lock()
			c.isCollecting = false
			c.mu.Unlock()
			return nil
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	started := time.Now()
	values, err := c.Poll(ctx)
	took := time.Since(started)

	mode := c.Mode()
	c.metrics.ObservePoll(values, string(mode), took, err)

	c.readyOnce.Do(func() { close(c.ready) })

	if err != nil {
		c.logger.Warn("poll failed", zap.Error(err), zap.Duration("took", took))
		return
	}

	snapshot := c.Latest()

	if c.store != nil {
		if err := c.store.SaveReading(started, string(mode), snapshot); err != nil {
			c.logger.Error("failed to save reading", zap.Error(err))
		}
	}

	if c.publisher != nil {
		if err := c.publisher.Publish(snapshot); err != nil {
			c.logger.Warn("failed to publish snapshot", zap.Error(err))
		}
	}

	c.logger.Debug("collected",
		zap.String("mode", string(mode)),
		zap.Any("active_power", snapshot["Active_Power"]),
		zap.Any("today_energy", snapshot["Today_Energy"]),
		zap.Any("temperature", snapshot["Temperature"]),
		zap.Duration("took", took))
}

// Poll runs one cycle and returns the values it produced. Early exits
// (ping gate, non-online status, failed bulk read) return only the
// InverterMode entry. The merged snapshot is available from Latest.
func (c *Collector) Poll(ctx context.Context) (map[string]any, error) {
	if c.device == nil {
		return nil, errors.New("collector not initialized")
	}

	values, err := c.poll(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPoll = time.Now()
	c.lastSuccess = err == nil
	c.lastErr = err
	if err != nil {
		return nil, err
	}
	for k, v := range values {
		c.snapshot[k] = v
	}
	return values, nil
}

func (c *Collector) poll(ctx context.Context) (map[string]any, error) {
	if c.pingHost != "" && c.pinger != nil {
		alive, err := c.pinger.Alive(ctx, c.pingHost)
		if errors.Is(err, prober.ErrResolve) {
			c.logger.Warn("cannot resolve ping host", zap.String("host", c.pingHost), zap.Error(err))
			return modeOnly(inverter.ModeResolveError), nil
		}
		if err != nil {
			return nil, fmt.Errorf("ping %s: %w", c.pingHost, err)
		}
		if !alive {
			c.logger.Debug("inverter did not answer ping", zap.String("host", c.pingHost))
			return modeOnly(inverter.ModeOffline), nil
		}
	}

	if err := c.device.Connect(); err != nil {
		return nil, err
	}

	var status inverter.Mode
	if c.checkStatusFirst {
		mode, err := c.device.ReadStatus()
		switch {
		case errors.Is(err, modbus.ErrDeviceException):
			c.logger.Warn("status read returned a device exception", zap.Error(err))
			return modeOnly(inverter.ModeError), nil
		case err != nil:
			c.logger.Warn("status read failed", zap.Error(err))
			return modeOnly(inverter.ModeOffline), nil
		case !mode.Online():
			return modeOnly(mode), nil
		}
		status = mode
	}

	values, err := c.device.ReadBlock()
	if err != nil {
		best := c.bestKnownMode(status)
		c.logger.Warn("bulk read failed", zap.Error(err), zap.String("mode", string(best)))
		return modeOnly(best), nil
	}
	return values, nil
}

// bestKnownMode is this cycle's status, else the last merged mode, else offline.
func (c *Collector) bestKnownMode(status inverter.Mode) inverter.Mode {
	if status != "" {
		return status
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modeLocked()
}

func modeOnly(m inverter.Mode) map[string]any {
	return map[string]any{inverter.ModeKey: string(m)}
}

// Latest returns a copy of the merged snapshot.
func (c *Collector) Latest() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.snapshot))
	for k, v := range c.snapshot {
		out[k] = v
	}
	return out
}

// Mode is the InverterMode of the merged snapshot, or offline before the
// first successful cycle.
func (c *Collector) Mode() inverter.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modeLocked()
}

func (c *Collector) modeLocked() inverter.Mode {
	if m, ok := c.snapshot[inverter.ModeKey].(string); ok && m != "" {
		return inverter.Mode(m)
	}
	return inverter.ModeOffline
}

func (c *Collector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := State{
		Mode:        c.modeLocked(),
		LastPoll:    c.lastPoll,
		LastSuccess: c.lastSuccess,
		Collecting:  c.isCollecting,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Ready is closed once the first poll cycle has finished, successful or not.
func (c *Collector) Ready() <-chan struct{} {
	return c.ready
}

func (c *Collector) IsCollecting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isCollecting
}
