package inverter

import (
	"fmt"
	"time"
)

// Bus is the register access the device needs from the connection manager.
type Bus interface {
	EnsureConnected() error
	ReadHoldingRegisters(address uint16, quantity uint16) ([]uint16, error)
	WriteRegister(address uint16, value uint16, unitID uint8) error
}

type DeviceInfo struct {
	SerialNumber string `json:"serial_number,omitempty"`
	Model        string `json:"model"`
	Manufacturer string `json:"manufacturer"`
}

type SolarMax struct {
	bus    Bus
	layout Layout
}

func NewSolarMax(bus Bus) *SolarMax {
	return &SolarMax{bus: bus, layout: DefaultLayout()}
}

func (s *SolarMax) Layout() Layout {
	return s.layout
}

func (s *SolarMax) Connect() error {
	return s.bus.EnsureConnected()
}

// ReadStatus reads only the status register.
func (s *SolarMax) ReadStatus() (Mode, error) {
	regs, err := s.bus.ReadHoldingRegisters(RegStatus, 1)
	if err != nil {
		return "", fmt.Errorf("failed to read status register: %w", err)
	}
	if len(regs) < 1 {
		return "", fmt.Errorf("status register: empty response")
	}
	return DecodeMode(regs[0]), nil
}

// ReadBlock reads the main data block and decodes it through the layout.
func (s *SolarMax) ReadBlock() (map[string]any, error) {
	regs, err := s.bus.ReadHoldingRegisters(RegDataBlock, DataBlockSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read data block: %w", err)
	}
	return s.layout.Decode(regs), nil
}

func (s *SolarMax) ReadSerialNumber() (*DeviceInfo, error) {
	if err := s.bus.EnsureConnected(); err != nil {
		return nil, err
	}

	regs, err := s.bus.ReadHoldingRegisters(RegSerialNumber, SerialNumberSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read serial number: %w", err)
	}

	serial := DecodeSerialNumber(regs)
	return &DeviceInfo{
		SerialNumber: serial,
		Model:        ModelForSerial(serial),
		Manufacturer: "SolarMax",
	}, nil
}

// ReadHistoryDay reads the raw 48-register buffer for a day offset.
func (s *SolarMax) ReadHistoryDay(offset int) ([]uint16, error) {
	if offset < 0 || offset >= HistoryDays {
		return nil, fmt.Errorf("history day offset out of range: %d", offset)
	}
	regs, err := s.bus.ReadHoldingRegisters(HistoryDayAddress(offset), HistoryDaySize)
	if err != nil {
		return nil, fmt.Errorf("failed to read history day %d: %w", offset, err)
	}
	return regs, nil
}

// ClockRegisters encodes t into the four RTC register values.
func ClockRegisters(t time.Time) [4]uint16 {
	return [4]uint16{
		uint16(t.Year()),
		uint16(t.Month())<<8 | uint16(t.Day()),
		uint16(t.Hour())<<8 | uint16(t.Minute()),
		clockSecondMarker<<8 | uint16(t.Second()),
	}
}

// SyncClock writes t to the RTC registers one at a time. The first failed
// write aborts the sync.
func (s *SolarMax) SyncClock(t time.Time) error {
	values := ClockRegisters(t)
	for i, v := range values {
		addr := uint16(RegClockYear + i)
		if err := s.bus.WriteRegister(addr, v, ClockUnitID); err != nil {
			return fmt.Errorf("failed to write clock register %d: %w", addr, err)
		}
	}
	return nil
}
