package modbusaccess

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/modbus"
)

// Conn is a Modbus TCP connection that is re-established lazily after a failure.
type Conn struct {
	host    string
	slaveID byte
	timeout time.Duration

	mu              sync.Mutex
	handler         *modbus.TCPClientHandler
	client          modbus.Client
	shouldReconnect bool // when true, the connection is 'dirty' and will be re-created next time Client is called
	logger          *slog.Logger
}

func NewConn(host string, slaveID byte, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Conn{
		host:            host,
		slaveID:         slaveID,
		timeout:         timeout,
		shouldReconnect: true,
		logger:          slog.Default().With("host", host),
	}
}

// Client returns the connected client, reconnecting first if a previous call failed.
func (c *Conn) Client() (modbus.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.shouldReconnect {
		return c.client, nil
	}

	// Ignore errors from Close() as we will continue with the reconnect anyway and start a new connection.
	if c.handler != nil {
		c.handler.Close()
	}

	handler := modbus.NewTCPClientHandler(c.host)
	handler.Timeout = c.timeout
	handler.SlaveID = c.slaveID
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("connect modbus: %w", err)
	}

	c.handler = handler
	c.client = modbus.NewClient(handler)
	c.shouldReconnect = false

	c.logger.Info("Connected modbus client")
	return c.client, nil
}

// SetShouldReconnect is called when there has been an error with the connection that should trigger a re-connect.
func (c *Conn) SetShouldReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldReconnect = true
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldReconnect = true
	if c.handler == nil {
		return nil
	}
	return c.handler.Close()
}
