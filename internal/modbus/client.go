package modbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

const (
	connectAttempts = 2
	// DefaultTimeout bounds both the TCP connect and every request/response exchange.
	DefaultTimeout = 3 * time.Second
)

var (
	ErrConnect         = errors.New("modbus connect failed")
	ErrNotConnected    = errors.New("client not connected")
	ErrDeviceException = errors.New("modbus device exception")
)

// Client owns the single Modbus/TCP connection to the inverter. Every
// request holds the mutex for one exchange so independent loops can share it.
type Client struct {
	client  *modbus.ModbusClient
	mu      sync.Mutex
	host    string
	port    int
	unitID  uint8
	timeout time.Duration
	logger  *zap.Logger
}

func NewClient(host string, port int, unitID uint8, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		host:    host,
		port:    port,
		unitID:  unitID,
		timeout: timeout,
		logger:  logger.Named("modbus"),
	}
}

func (c *Client) URL() string {
	return fmt.Sprintf("tcp://%s:%d", c.host, c.port)
}

// EnsureConnected is a no-op when a connection is open, otherwise it
// connects with one retry.
func (c *Client) EnsureConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnectedLocked()
}

func (c *Client) ensureConnectedLocked() error {
	if c.client != nil {
		return nil
	}

	c.logger.Info("connecting to inverter", zap.String("url", c.URL()))

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		client, err := modbus.NewClient(&modbus.ClientConfiguration{
			URL:     c.URL(),
			Timeout: c.timeout,
		})
		if err != nil {
			return fmt.Errorf("%w: failed to create modbus client: %w", ErrConnect, err)
		}

		if err := client.Open(); err != nil {
			lastErr = err
			c.logger.Warn("connection attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		if err := client.SetUnitId(c.unitID); err != nil {
			client.Close()
			return fmt.Errorf("%w: failed to set unit id: %w", ErrConnect, err)
		}
		c.client = client
		c.logger.Info("connected to inverter", zap.String("url", c.URL()))
		return nil
	}

	return fmt.Errorf("%w: %s: %w", ErrConnect, c.URL(), lastErr)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// ReadHoldingRegisters issues one function 0x03 request.
func (c *Client) ReadHoldingRegisters(address uint16, quantity uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, ErrNotConnected
	}

	regs, err := c.client.ReadRegisters(address, quantity, modbus.HOLDING_REGISTER)
	if err != nil {
		return nil, c.failLocked(fmt.Sprintf("failed to read holding registers at %d", address), err)
	}

	return regs, nil
}

// WriteRegister issues one function 0x06 request addressed to unitID.
func (c *Client) WriteRegister(address uint16, value uint16, unitID uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return ErrNotConnected
	}

	if unitID != c.unitID {
		if err := c.client.SetUnitId(unitID); err != nil {
			return fmt.Errorf("failed to set unit id %d: %w", unitID, err)
		}
		defer c.client.SetUnitId(c.unitID)
	}

	if err := c.client.WriteRegister(address, value); err != nil {
		return c.failLocked(fmt.Sprintf("failed to write register %d", address), err)
	}

	return nil
}

// failLocked wraps err. Exception responses leave the link usable; anything
// else drops the handle so the next EnsureConnected reconnects.
func (c *Client) failLocked(msg string, err error) error {
	if isDeviceException(err) {
		return fmt.Errorf("%s: %w: %w", msg, ErrDeviceException, err)
	}

	c.logger.Debug("dropping connection after transport error", zap.Error(err))
	c.closeLocked()
	return fmt.Errorf("%s: %w", msg, err)
}

func isDeviceException(err error) bool {
	for _, e := range []error{
		modbus.ErrIllegalFunction,
		modbus.ErrIllegalDataAddress,
		modbus.ErrIllegalDataValue,
		modbus.ErrServerDeviceFailure,
		modbus.ErrAcknowledge,
		modbus.ErrServerDeviceBusy,
		modbus.ErrMemoryParityError,
		modbus.ErrGWPathUnavailable,
		modbus.ErrGWTargetFailedToRespond,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
