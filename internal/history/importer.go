package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"solarmax-monitor/internal/inverter"
	"solarmax-monitor/internal/metrics"
	"solarmax-monitor/internal/storage"

	"go.uber.org/zap"
)

const (
	dateLayout = "2006-01-02"
	// alwaysRefreshDays are re-read on every refresh since the inverter is
	// still writing today's and yesterday's buffers.
	alwaysRefreshDays = 2

	DefaultMonitorInterval = 60 * time.Second
)

// Metadata describes the hourly production series pushed to the sink.
var Metadata = storage.StatisticMetadata{
	StatisticID: "solarmax:solar_production",
	Name:        "Solar Production History",
	Source:      "solarmax",
	Unit:        "kWh",
	HasMean:     false,
	HasSum:      true,
}

// Sink receives the decoded hourly samples.
type Sink interface {
	ImportStatistics(ctx context.Context, meta storage.StatisticMetadata, samples []storage.StatisticSample) error
}

// DaySource lists dates already present in a sink.
type DaySource interface {
	ImportedDays(ctx context.Context, statisticID string) ([]string, error)
}

type ModeSource interface {
	Mode() inverter.Mode
}

type Result struct {
	Imported   int       `json:"imported"`
	LastImport time.Time `json:"last_import"`
}

type Status struct {
	ImportedDays []string  `json:"imported_days"`
	LastImport   time.Time `json:"last_import"`
	Monitoring   bool      `json:"monitoring"`
}

type Importer struct {
	device          *inverter.SolarMax
	sink            Sink
	modes           ModeSource
	metrics         *metrics.Metrics
	monitorInterval time.Duration
	rememberImports bool
	logger          *zap.Logger
	now             func() time.Time

	// refreshMu serializes Refresh and SyncClock.
	refreshMu sync.Mutex

	mu         sync.RWMutex
	imported   map[string]struct{}
	lastImport time.Time

	manual chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ImporterConfig struct {
	Device          *inverter.SolarMax
	Sink            Sink
	Modes           ModeSource
	Metrics         *metrics.Metrics
	MonitorInterval time.Duration
	// RememberImports seeds the imported date set from the sink at Start.
	RememberImports bool
	Logger          *zap.Logger
}

func NewImporter(cfg ImporterConfig) *Importer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.MonitorInterval
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Importer{
		device:          cfg.Device,
		sink:            cfg.Sink,
		modes:           cfg.Modes,
		metrics:         cfg.Metrics,
		monitorInterval: interval,
		rememberImports: cfg.RememberImports,
		logger:          logger.Named("history"),
		now:             time.Now,
		imported:        make(map[string]struct{}),
		manual:          make(chan struct{}, 1),
	}
}

// Start imports right away when the inverter is online, after syncing its
// clock, and then launches the status monitor. Stop or cancelling ctx ends it.
func (i *Importer) Start(ctx context.Context) {
	if i.rememberImports {
		if err := i.LoadImportedDays(ctx); err != nil {
			i.logger.Warn("failed to load imported days", zap.Error(err))
		}
	}

	m := newMonitor(i, i.modes, i.monitorInterval, i.logger)

	// A failed startup sync or import leaves the monitor unseeded so its
	// first tick retries.
	mode := i.modes.Mode()
	if mode.Online() {
		if i.syncAndRefresh(ctx, false) {
			m.seed(mode)
		}
	} else {
		i.logger.Info("inverter not online, deferring history import", zap.String("mode", string(mode)))
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	i.cancel = cancel
	i.mu.Unlock()

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		m.Run(monitorCtx)
	}()
}

// Stop cancels the monitor and waits for it to return.
func (i *Importer) Stop() {
	i.mu.Lock()
	cancel := i.cancel
	i.cancel = nil
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	i.wg.Wait()
}

// syncAndRefresh syncs the clock and refreshes, logging instead of returning
// errors. With onlyIfMissing the refresh is skipped when today is imported.
// It reports whether both steps succeeded.
func (i *Importer) syncAndRefresh(ctx context.Context, onlyIfMissing bool) bool {
	ok := true
	if err := i.SyncClock(ctx); err != nil {
		i.logger.Warn("clock sync failed", zap.Error(err))
		ok = false
	}
	if onlyIfMissing && i.ImportedToday() {
		return ok
	}
	if _, err := i.Refresh(ctx); err != nil {
		i.logger.Error("history import failed", zap.Error(err))
		ok = false
	}
	return ok
}

// RequestManualRefresh queues a refresh for the monitor goroutine. It
// returns false when one is already queued.
func (i *Importer) RequestManualRefresh() bool {
	select {
	case i.manual <- struct{}{}:
		return true
	default:
		return false
	}
}

func (i *Importer) LoadImportedDays(ctx context.Context) error {
	src, ok := i.sink.(DaySource)
	if !ok {
		return nil
	}
	days, err := src.ImportedDays(ctx, Metadata.StatisticID)
	if err != nil {
		return fmt.Errorf("failed to list imported days: %w", err)
	}

	i.mu.Lock()
	for _, d := range days {
		i.imported[d] = struct{}{}
	}
	i.mu.Unlock()

	i.logger.Info("loaded imported days", zap.Int("days", len(days)))
	return nil
}

// SyncClock writes the current local time to the inverter RTC.
func (i *Importer) SyncClock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	i.refreshMu.Lock()
	defer i.refreshMu.Unlock()

	err := i.syncClock()
	i.metrics.ObserveClockSync(err)
	return err
}

func (i *Importer) syncClock() error {
	if err := i.device.Connect(); err != nil {
		return err
	}
	now := i.now()
	if err := i.device.SyncClock(now); err != nil {
		return err
	}
	i.logger.Info("inverter clock synchronized", zap.Time("time", now))
	return nil
}

// Refresh reads the history buffers that still need importing and pushes
// their hourly samples to the sink in one batch.
func (i *Importer) Refresh(ctx context.Context) (Result, error) {
	i.refreshMu.Lock()
	defer i.refreshMu.Unlock()

	res, err := i.refresh(ctx)
	i.metrics.ObserveImport(res.Imported, res.LastImport, err)
	return res, err
}

func (i *Importer) refresh(ctx context.Context) (Result, error) {
	if err := i.device.Connect(); err != nil {
		return i.result(0), err
	}

	now := i.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var (
		samples []storage.StatisticSample
		decoded []string
		read    int
	)
	for offset := 0; offset < inverter.HistoryDays; offset++ {
		if err := ctx.Err(); err != nil {
			return i.result(0), err
		}

		day := today.AddDate(0, 0, -offset)
		date := day.Format(dateLayout)
		if !i.needsImport(date, offset) {
			continue
		}

		regs, err := i.device.ReadHistoryDay(offset)
		if err != nil {
			i.logger.Warn("skipping history day", zap.Int("offset", offset), zap.String("date", date), zap.Error(err))
			continue
		}
		read++

		dayOfMonth, hourly, err := inverter.DecodeHistoryDay(regs)
		if err != nil {
			i.logger.Warn("skipping history day", zap.Int("offset", offset), zap.String("date", date), zap.Error(err))
			continue
		}
		if dayOfMonth != day.Day() {
			i.logger.Warn("history day mismatch, using local date",
				zap.Int("offset", offset),
				zap.String("date", date),
				zap.Int("inverter_day", dayOfMonth))
		}

		for hour, v := range hourly {
			samples = append(samples, storage.StatisticSample{
				Start: time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, day.Location()),
				State: v,
				Sum:   v,
			})
		}

		decoded = append(decoded, date)
	}

	if len(samples) == 0 {
		i.logger.Info("no history samples to import", zap.Int("days_read", read))
		return i.result(0), nil
	}

	if err := i.sink.ImportStatistics(ctx, Metadata, samples); err != nil {
		return i.result(0), fmt.Errorf("failed to import statistics: %w", err)
	}

	// Dates join the set only once their samples are stored.
	i.mu.Lock()
	for _, date := range decoded {
		i.imported[date] = struct{}{}
	}
	i.lastImport = now
	i.mu.Unlock()

	i.logger.Info("history imported", zap.Int("samples", len(samples)), zap.Int("days_read", read))
	return i.result(len(samples)), nil
}

func (i *Importer) needsImport(date string, offset int) bool {
	if offset < alwaysRefreshDays {
		return true
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	if len(i.imported) == 0 {
		return true
	}
	_, done := i.imported[date]
	return !done
}

func (i *Importer) result(imported int) Result {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return Result{Imported: imported, LastImport: i.lastImport}
}

func (i *Importer) ImportedToday() bool {
	today := i.now().Format(dateLayout)
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.imported[today]
	return ok
}

func (i *Importer) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	days := make([]string, 0, len(i.imported))
	for d := range i.imported {
		days = append(days, d)
	}
	sort.Strings(days)
	return Status{
		ImportedDays: days,
		LastImport:   i.lastImport,
		Monitoring:   i.cancel != nil,
	}
}
