package modbus

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type write struct {
	unitID uint8
	addr   uint16
	value  uint16
}

// fakeInverter serves a flat holding-register bank and records writes.
type fakeInverter struct {
	mu     sync.Mutex
	regs   map[uint16]uint16
	writes []write
}

func (f *fakeInverter) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (f *fakeInverter) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (f *fakeInverter) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	return nil, modbus.ErrIllegalFunction
}

func (f *fakeInverter) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if req.IsWrite {
		for i, v := range req.Args {
			addr := req.Addr + uint16(i)
			f.regs[addr] = v
			f.writes = append(f.writes, write{unitID: req.UnitId, addr: addr, value: v})
		}
		return nil, nil
	}

	if req.Addr >= 60000 {
		return nil, modbus.ErrIllegalDataAddress
	}

	res := make([]uint16, req.Quantity)
	for i := range res {
		res[i] = f.regs[req.Addr+uint16(i)]
	}
	return res, nil
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func newFakeInverter() *fakeInverter {
	return &fakeInverter{regs: map[uint16]uint16{4097: 3, 4098: 2301}}
}

func listen(t *testing.T, handler *fakeInverter, port int) *modbus.ModbusServer {
	t.Helper()
	server, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        fmt.Sprintf("tcp://127.0.0.1:%d", port),
		Timeout:    30 * time.Second,
		MaxClients: 4,
	}, handler)
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })
	return server
}

func startServer(t *testing.T) (*fakeInverter, int) {
	t.Helper()
	handler := newFakeInverter()
	port := freePort(t)
	listen(t, handler, port)
	return handler, port
}

func TestEnsureConnectedIsLazyAndIdempotent(t *testing.T) {
	_, port := startServer(t)
	c := NewClient("127.0.0.1", port, 1, time.Second, nil)
	defer c.Close()

	assert.False(t, c.IsConnected())
	require.NoError(t, c.EnsureConnected())
	assert.True(t, c.IsConnected())
	require.NoError(t, c.EnsureConnected())
	assert.True(t, c.IsConnected())
}

func TestEnsureConnectedFailure(t *testing.T) {
	c := NewClient("127.0.0.1", freePort(t), 1, 200*time.Millisecond, nil)

	err := c.EnsureConnected()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnect))
	assert.False(t, c.IsConnected())
}

func TestReadWithoutConnection(t *testing.T) {
	c := NewClient("127.0.0.1", 502, 1, time.Second, nil)

	_, err := c.ReadHoldingRegisters(4097, 1)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.WriteRegister(12288, 2026, 1), ErrNotConnected)
}

func TestReadHoldingRegisters(t *testing.T) {
	_, port := startServer(t)
	c := NewClient("127.0.0.1", port, 1, time.Second, nil)
	defer c.Close()
	require.NoError(t, c.EnsureConnected())

	regs, err := c.ReadHoldingRegisters(4097, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{3, 2301, 0}, regs)
}

func TestDeviceExceptionKeepsConnection(t *testing.T) {
	_, port := startServer(t)
	c := NewClient("127.0.0.1", port, 1, time.Second, nil)
	defer c.Close()
	require.NoError(t, c.EnsureConnected())

	_, err := c.ReadHoldingRegisters(60001, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceException)
	assert.True(t, c.IsConnected())
}

func TestWriteRegisterTargetsUnit(t *testing.T) {
	handler, port := startServer(t)
	c := NewClient("127.0.0.1", port, 3, time.Second, nil)
	defer c.Close()
	require.NoError(t, c.EnsureConnected())

	require.NoError(t, c.WriteRegister(12288, 2026, 1))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.writes, 1)
	assert.Equal(t, write{unitID: 1, addr: 12288, value: 2026}, handler.writes[0])
}

func TestTransportErrorDropsConnection(t *testing.T) {
	handler := newFakeInverter()
	port := freePort(t)
	server := listen(t, handler, port)

	c := NewClient("127.0.0.1", port, 1, time.Second, nil)
	defer c.Close()
	require.NoError(t, c.EnsureConnected())

	require.NoError(t, server.Stop())

	_, err := c.ReadHoldingRegisters(4097, 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDeviceException))
	assert.False(t, c.IsConnected())

	_, err = c.ReadHoldingRegisters(4097, 1)
	assert.ErrorIs(t, err, ErrNotConnected)

	listen(t, handler, port)
	require.NoError(t, c.EnsureConnected())
	assert.True(t, c.IsConnected())

	regs, err := c.ReadHoldingRegisters(4097, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{3, 2301}, regs)
}
