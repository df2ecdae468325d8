package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"solarmax-monitor/internal/inverter"
	"solarmax-monitor/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, time.October, 15, 12, 30, 5, 0, time.Local)

type busWrite struct {
	addr   uint16
	value  uint16
	unitID uint8
}

type historyBus struct {
	mu         sync.Mutex
	connectErr error
	// failConnects refuses that many connects before succeeding.
	failConnects int
	failOffsets  map[int]bool
	wrongDay     map[int]bool
	writeErr     error
	reads        []int
	writes       []busWrite
	// onRead runs after each history read with the number of reads so far.
	onRead func(n int)
}

func (b *historyBus) EnsureConnected() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failConnects > 0 {
		b.failConnects--
		return errors.New("connection refused")
	}
	return b.connectErr
}

func (b *historyBus) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	offset := int(address-inverter.RegHistoryBase) / inverter.HistoryDaySize
	b.reads = append(b.reads, offset)
	if b.onRead != nil {
		b.onRead(len(b.reads))
	}
	if b.failOffsets[offset] {
		return nil, errors.New("i/o timeout")
	}

	regs := make([]uint16, quantity)
	regs[0] = uint16(testNow.AddDate(0, 0, -offset).Day())
	if b.wrongDay[offset] {
		regs[0] = 31
	}
	for h := 0; h < 24; h++ {
		regs[1+2*h] = uint16(50 + h)
	}
	return regs, nil
}

func (b *historyBus) WriteRegister(address, value uint16, unitID uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	b.writes = append(b.writes, busWrite{address, value, unitID})
	return nil
}

func (b *historyBus) readCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reads)
}

type fakeSink struct {
	mu      sync.Mutex
	err     error
	days    []string
	calls   int
	meta    storage.StatisticMetadata
	samples []storage.StatisticSample
}

func (s *fakeSink) ImportStatistics(ctx context.Context, meta storage.StatisticMetadata, samples []storage.StatisticSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.meta = meta
	s.samples = samples
	return nil
}

func (s *fakeSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// daySink also lists previously imported days.
type daySink struct {
	fakeSink
}

func (s *daySink) ImportedDays(ctx context.Context, statisticID string) ([]string, error) {
	return s.days, nil
}

type fixedMode struct {
	mu   sync.Mutex
	mode inverter.Mode
}

func (f *fixedMode) Mode() inverter.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fixedMode) set(m inverter.Mode) {
	f.mu.Lock()
	f.mode = m
	f.mu.Unlock()
}

func newTestImporter(bus *historyBus, sink Sink, modes ModeSource) *Importer {
	if modes == nil {
		modes = &fixedMode{mode: inverter.ModeOffline}
	}
	imp := NewImporter(ImporterConfig{
		Device:          inverter.NewSolarMax(bus),
		Sink:            sink,
		Modes:           modes,
		MonitorInterval: time.Hour,
	})
	imp.now = func() time.Time { return testNow }
	return imp
}

func TestFirstRefreshImportsAllDays(t *testing.T) {
	bus := &historyBus{}
	sink := &fakeSink{}
	imp := newTestImporter(bus, sink, nil)

	res, err := imp.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, inverter.HistoryDays, bus.readCount())
	assert.Equal(t, 30*24, res.Imported)
	assert.Equal(t, testNow, res.LastImport)
	assert.Equal(t, 1, sink.callCount())
	assert.Len(t, imp.Status().ImportedDays, 30)
	assert.True(t, imp.ImportedToday())

	assert.Equal(t, Metadata, sink.meta)
	first := sink.samples[0]
	assert.Equal(t, time.Date(2026, time.October, 15, 0, 0, 0, 0, time.Local), first.Start)
	assert.InDelta(t, 0.5, first.State, 1e-9)
	assert.InDelta(t, 0.5, first.Sum, 1e-9)
	last := sink.samples[23]
	assert.Equal(t, 23, last.Start.Hour())
	assert.InDelta(t, 0.73, last.State, 1e-9)
}

func TestSecondRefreshOnlyRereadsRecentDays(t *testing.T) {
	bus := &historyBus{}
	sink := &fakeSink{}
	imp := newTestImporter(bus, sink, nil)

	_, err := imp.Refresh(context.Background())
	require.NoError(t, err)
	before := len(imp.Status().ImportedDays)

	res, err := imp.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, bus.reads[inverter.HistoryDays:])
	assert.Equal(t, 2*24, res.Imported)
	assert.Equal(t, before, len(imp.Status().ImportedDays))
	assert.Equal(t, 2, sink.callCount())
}

func TestRefreshSkipsFailedDay(t *testing.T) {
	bus := &historyBus{failOffsets: map[int]bool{5: true}}
	sink := &fakeSink{}
	imp := newTestImporter(bus, sink, nil)

	res, err := imp.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 29*24, res.Imported)
	assert.NotContains(t, imp.Status().ImportedDays, "2026-10-10")

	bus.failOffsets = nil
	res, err = imp.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 5}, bus.reads[inverter.HistoryDays:])
	assert.Equal(t, 3*24, res.Imported)
	assert.Contains(t, imp.Status().ImportedDays, "2026-10-10")
}

func TestRefreshTrustsLocalDateOnMismatch(t *testing.T) {
	bus := &historyBus{wrongDay: map[int]bool{3: true}}
	sink := &fakeSink{}
	imp := newTestImporter(bus, sink, nil)

	res, err := imp.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30*24, res.Imported)
	assert.Contains(t, imp.Status().ImportedDays, "2026-10-12")

	var found bool
	for _, s := range sink.samples {
		if s.Start.Equal(time.Date(2026, time.October, 12, 0, 0, 0, 0, time.Local)) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRefreshConnectErrorPropagates(t *testing.T) {
	bus := &historyBus{connectErr: errors.New("connection refused")}
	sink := &fakeSink{}
	imp := newTestImporter(bus, sink, nil)

	_, err := imp.Refresh(context.Background())
	require.Error(t, err)
	assert.Zero(t, bus.readCount())
	assert.Zero(t, sink.callCount())
}

func TestRefreshSinkError(t *testing.T) {
	sink := &fakeSink{err: errors.New("database is locked")}
	imp := newTestImporter(&historyBus{}, sink, nil)

	res, err := imp.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.True(t, res.LastImport.IsZero())
}

func TestCancelledRefreshMarksNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &historyBus{}
	bus.onRead = func(n int) {
		if n == 10 {
			cancel()
		}
	}
	sink := &fakeSink{}
	imp := newTestImporter(bus, sink, nil)

	_, err := imp.Refresh(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sink.callCount())
	assert.Empty(t, imp.Status().ImportedDays)

	bus.onRead = nil
	res, err := imp.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30*24, res.Imported)
	assert.Len(t, imp.Status().ImportedDays, 30)
}

func TestSinkErrorMarksNothing(t *testing.T) {
	sink := &fakeSink{err: errors.New("database is locked")}
	imp := newTestImporter(&historyBus{}, sink, nil)

	_, err := imp.Refresh(context.Background())
	require.Error(t, err)
	assert.Empty(t, imp.Status().ImportedDays)
	assert.False(t, imp.ImportedToday())

	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()

	res, err := imp.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30*24, res.Imported)
}

func TestRefreshAllDaysFailing(t *testing.T) {
	fail := make(map[int]bool)
	for i := 0; i < inverter.HistoryDays; i++ {
		fail[i] = true
	}
	sink := &fakeSink{}
	imp := newTestImporter(&historyBus{failOffsets: fail}, sink, nil)

	res, err := imp.Refresh(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Imported)
	assert.Zero(t, sink.callCount())
}

func TestLoadImportedDays(t *testing.T) {
	bus := &historyBus{}
	sink := &daySink{fakeSink{days: []string{"2026-10-01", "2026-10-02"}}}
	imp := newTestImporter(bus, sink, nil)

	require.NoError(t, imp.LoadImportedDays(context.Background()))
	_, err := imp.Refresh(context.Background())
	require.NoError(t, err)

	// 2026-10-01 and 2026-10-02 are offsets 14 and 13
	assert.Len(t, bus.reads, inverter.HistoryDays-2)
	assert.NotContains(t, bus.reads, 13)
	assert.NotContains(t, bus.reads, 14)
}

func TestSyncClock(t *testing.T) {
	bus := &historyBus{}
	imp := newTestImporter(bus, &fakeSink{}, nil)

	require.NoError(t, imp.SyncClock(context.Background()))
	assert.Equal(t, []busWrite{
		{12288, 2026, 1},
		{12289, 10*256 + 15, 1},
		{12290, 12*256 + 30, 1},
		{12291, 45*256 + 5, 1},
	}, bus.writes)

	bus.writeErr = errors.New("illegal data address")
	assert.Error(t, imp.SyncClock(context.Background()))
}

func TestRequestManualRefresh(t *testing.T) {
	imp := newTestImporter(&historyBus{}, &fakeSink{}, nil)

	assert.True(t, imp.RequestManualRefresh())
	assert.False(t, imp.RequestManualRefresh())
}

func TestStartOnlineImportsAndServesManualRefresh(t *testing.T) {
	bus := &historyBus{}
	sink := &fakeSink{}
	imp := newTestImporter(bus, sink, &fixedMode{mode: inverter.ModeOnGrid})

	imp.Start(context.Background())
	defer imp.Stop()

	assert.Equal(t, 1, sink.callCount())
	assert.Len(t, bus.writes, 4)
	assert.True(t, imp.Status().Monitoring)

	require.True(t, imp.RequestManualRefresh())
	require.Eventually(t, func() bool { return sink.callCount() == 2 }, time.Second, 10*time.Millisecond)
}

func TestStartFailureRetriedByMonitor(t *testing.T) {
	// startup clock sync and refresh both fail to connect
	bus := &historyBus{failConnects: 2}
	sink := &fakeSink{}
	imp := newTestImporter(bus, sink, &fixedMode{mode: inverter.ModeOnGrid})
	imp.monitorInterval = 20 * time.Millisecond

	imp.Start(context.Background())
	defer imp.Stop()

	assert.Zero(t, sink.callCount())
	assert.False(t, imp.ImportedToday())

	require.Eventually(t, func() bool { return sink.callCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, imp.ImportedToday())
}

func TestStartOfflineDefersImport(t *testing.T) {
	bus := &historyBus{}
	sink := &fakeSink{}
	imp := newTestImporter(bus, sink, &fixedMode{mode: inverter.ModeOffline})

	imp.Start(context.Background())
	imp.Stop()

	assert.Zero(t, bus.readCount())
	assert.Empty(t, bus.writes)
	assert.False(t, imp.Status().Monitoring)
}
