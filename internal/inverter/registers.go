package inverter

import (
	"fmt"
	"strings"
)

// SolarMax holding register addresses.
const (
	RegStatus         = 4097 // U16, InverterMode
	RegDataBlock      = 4097 // 60 registers, see DefaultLayout
	DataBlockSize     = 60
	RegSerialNumber   = 6672 // 7 registers, 2 ASCII chars each
	SerialNumberSize  = 7
	RegHistoryBase    = 49152 // 48 registers per day, offset 0 = today
	HistoryDaySize    = 48
	HistoryDays       = 30
	RegClockYear      = 12288
	RegClockMonthDay  = 12289 // month<<8 | day
	RegClockHourMin   = 12290 // hour<<8 | minute
	RegClockSecond    = 12291 // 45<<8 | second
	ClockUnitID       = 1
	clockSecondMarker = 45
)

// Mode is the operating state reported in the InverterMode entry.
type Mode string

const (
	ModeInitial      Mode = "Initial Mode"
	ModeStandby      Mode = "Standby"
	ModeOnGrid       Mode = "OnGrid"
	ModeError        Mode = "Error"
	ModeShutdown     Mode = "Shutdown"
	ModeOffline      Mode = "offline"
	ModeResolveError Mode = "Resolve Error"
)

// Online reports whether the inverter is awake enough to serve the full
// register block and its history buffers.
func (m Mode) Online() bool {
	switch m {
	case ModeOnGrid, ModeStandby, ModeInitial:
		return true
	}
	return false
}

func UnknownMode(code uint16) Mode {
	return Mode(fmt.Sprintf("unknown %d", code))
}

// StatusTable maps a raw status code to its label.
type StatusTable map[uint16]string

func (t StatusTable) Lookup(code uint16) string {
	if label, ok := t[code]; ok {
		return label
	}
	return fmt.Sprintf("unknown %d", code)
}

var InverterModes = StatusTable{
	0: string(ModeInitial),
	1: string(ModeStandby),
	3: string(ModeOnGrid),
	5: string(ModeError),
	9: string(ModeShutdown),
}

// DecodeMode maps the raw status register to a Mode.
func DecodeMode(code uint16) Mode {
	return Mode(InverterModes.Lookup(code))
}

type WireType int

const (
	Uint16 WireType = iota
	Uint32
	Uint64
	Status
)

// Registers is the number of 16-bit registers the type occupies.
func (w WireType) Registers() int {
	switch w {
	case Uint32:
		return 2
	case Uint64:
		return 4
	default:
		return 1
	}
}

func (w WireType) String() string {
	switch w {
	case Uint16:
		return "UINT16"
	case Uint32:
		return "UINT32"
	case Uint64:
		return "UINT64"
	case Status:
		return "STATUS"
	default:
		return fmt.Sprintf("WireType(%d)", int(w))
	}
}

// Field describes one value inside the main data block.
type Field struct {
	Key    string
	Offset int
	Type   WireType
	Factor float64
	// Status is set only for Status fields.
	Status StatusTable

	Name        string
	Unit        string
	DeviceClass string
	StateClass  string
	Icon        string
}

// Decode converts the field's registers from block. ok is false when the
// field does not fit inside block.
func (f Field) Decode(block []uint16) (value any, ok bool) {
	n := f.Type.Registers()
	if f.Offset < 0 || f.Offset+n > len(block) {
		return nil, false
	}
	regs := block[f.Offset : f.Offset+n]

	if f.Type == Status {
		return f.Status.Lookup(regs[0]), true
	}

	var raw uint64
	for _, r := range regs {
		raw = raw<<16 | uint64(r)
	}
	return float64(raw) * f.Factor, true
}

// Layout is the ordered field list of the main data block.
type Layout []Field

// Decode decodes every field that fits inside block. Registers not covered
// by a field are ignored.
func (l Layout) Decode(block []uint16) map[string]any {
	out := make(map[string]any, len(l))
	for _, f := range l {
		if v, ok := f.Decode(block); ok {
			out[f.Key] = v
		}
	}
	return out
}

func (l Layout) Field(key string) (Field, bool) {
	for _, f := range l {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

type sensorTemplate struct {
	name        string
	typ         WireType
	factor      float64
	unit        string
	deviceClass string
	stateClass  string
	icon        string
}

var (
	lineSensors = []sensorTemplate{
		{"Voltage", Uint16, 0.1, "V", "voltage", "measurement", "mdi:sine-wave"},
		{"Current", Uint16, 0.01, "A", "current", "measurement", "mdi:current-ac"},
		{"Power", Uint32, 0.1, "W", "power", "measurement", "mdi:transmission-tower"},
		{"Frequency", Uint16, 0.01, "Hz", "frequency", "measurement", "mdi:sine-wave"},
	}
	pvSensors = []sensorTemplate{
		{"Voltage", Uint16, 0.1, "V", "voltage", "measurement", "mdi:current-dc"},
		{"Current", Uint16, 0.01, "A", "current", "measurement", "mdi:current-dc"},
		{"Power", Uint32, 0.1, "W", "power", "measurement", "mdi:solar-power"},
	}
	energySensors = []sensorTemplate{
		{"Total Energy", Uint32, 1, "kWh", "energy", "total_increasing", "mdi:solar-power"},
		{"Total Hours", Uint32, 1, "h", "duration", "total_increasing", "mdi:timeline-clock-outline"},
		{"Today Energy", Uint32, 1, "kWh", "energy", "total", "mdi:solar-power"},
		{"Today Energy2", Uint32, 0.001, "kWh", "energy", "total", "mdi:solar-power"},
	}
	powerSensors = []sensorTemplate{
		{"Active Power", Uint32, 0.1, "W", "power", "measurement", "mdi:flash"},
		{"Reactive Power", Uint32, 0.1, "var", "reactive_power", "measurement", "mdi:flash-outline"},
		{"Today max Power", Uint32, 0.1, "W", "power", "measurement", "mdi:solar-power"},
	}
)

type layoutBuilder struct {
	offset int
	fields Layout
}

func (b *layoutBuilder) add(f Field) {
	f.Offset = b.offset
	b.fields = append(b.fields, f)
	b.offset += f.Type.Registers()
}

func (b *layoutBuilder) addTemplate(key, name string, s sensorTemplate) {
	b.add(Field{
		Key:         key,
		Type:        s.typ,
		Factor:      s.factor,
		Name:        name,
		Unit:        s.unit,
		DeviceClass: s.deviceClass,
		StateClass:  s.stateClass,
		Icon:        s.icon,
	})
}

func (b *layoutBuilder) skip(n int) {
	b.offset += n
}

// DefaultLayout returns the SolarMax SMT register layout of the 60-register
// block at RegDataBlock.
func DefaultLayout() Layout {
	b := &layoutBuilder{}

	for i := 1; i <= 3; i++ {
		for _, s := range lineSensors {
			b.addTemplate(fmt.Sprintf("L%d%s", i, s.name), fmt.Sprintf("L%d %s", i, s.name), s)
		}
	}
	for i := 1; i <= 3; i++ {
		for _, s := range pvSensors {
			b.addTemplate(fmt.Sprintf("PV%d%s", i, s.name), fmt.Sprintf("PV%d %s", i, s.name), s)
		}
	}

	b.add(Field{Key: "Temperature", Type: Uint16, Factor: 1, Name: "Temperature", Unit: "°C",
		DeviceClass: "temperature", StateClass: "measurement", Icon: "mdi:thermometer"})
	b.add(Field{Key: ModeKey, Type: Status, Status: InverterModes, Name: "Inverter Mode",
		Icon: "mdi:information-outline"})
	b.skip(3)

	for _, s := range energySensors {
		b.addTemplate(strings.ReplaceAll(s.name, " ", "_"), s.name, s)
	}
	b.skip(14)

	for _, s := range powerSensors {
		b.addTemplate(strings.ReplaceAll(s.name, " ", "_"), s.name, s)
	}

	return b.fields
}

// ModeKey is the snapshot key carrying the InverterMode.
const ModeKey = "InverterMode"

// DecodeSerialNumber turns the serial registers into text. Zero registers
// are skipped and only printable ASCII bytes are kept, high byte first.
func DecodeSerialNumber(regs []uint16) string {
	var sb strings.Builder
	for _, r := range regs {
		if r == 0 {
			continue
		}
		for _, b := range []byte{byte(r >> 8), byte(r & 0xFF)} {
			if b >= 32 && b <= 126 {
				sb.WriteByte(b)
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// ModelForSerial derives the model name from the serial number prefix.
func ModelForSerial(serial string) string {
	if strings.HasPrefix(serial, "2245-") {
		return "SolarMax 6SMT"
	}
	return "SolarMax"
}

// HistoryDayAddress is the first register of the buffer for a day offset.
func HistoryDayAddress(offset int) uint16 {
	return uint16(RegHistoryBase + offset*HistoryDaySize)
}

// DecodeHistoryDay splits a day buffer into the day of month and its 24
// hourly energy values in kWh.
func DecodeHistoryDay(regs []uint16) (dayOfMonth int, hourly []float64, err error) {
	if len(regs) < HistoryDaySize {
		return 0, nil, fmt.Errorf("history buffer too short: %d registers", len(regs))
	}
	hourly = make([]float64, 0, 24)
	for i := 1; i < HistoryDaySize; i += 2 {
		hourly = append(hourly, float64(regs[i])/100.0)
	}
	return int(regs[0]), hourly, nil
}
