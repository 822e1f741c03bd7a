// Package i2cbus shares one I2C adapter between several sensor drivers.
package i2cbus

import (
	"errors"
	"sync"

	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/io/i2c"
)

// DefaultDevice is the bus device used by Raspberry Pi revision 2 boards and later.
const DefaultDevice = "/dev/i2c-1"

// ErrClosed is returned for transactions attempted after Close.
var ErrClosed = errors.New("i2c bus closed")

// Transport is the register level access every driver in this module needs.
type Transport interface {
	ReadBlock(addr int, reg byte, n int) ([]byte, error)
	WriteRegister(addr int, reg byte, value byte) error
}

// Conn is a connection to a single device address.
type Conn interface {
	ReadReg(reg byte, buf []byte) error
	WriteReg(reg byte, buf []byte) error
	Close() error
}

// Opener opens a connection to the device at addr.
type Opener func(addr int) (Conn, error)

// DevfsOpener opens devices through the linux i2c-dev interface at dev.
func DevfsOpener(dev string) Opener {
	return func(addr int) (Conn, error) {
		device, err := i2c.Open(&i2c.Devfs{Dev: dev}, addr)
		if err != nil {
			return nil, err
		}
		return device, nil
	}
}

// Bus serialises every transaction on the adapter. Connections are opened lazily, one per address.
type Bus struct {
	mu     sync.Mutex
	open   Opener
	conns  map[int]Conn
	closed bool
}

// New creates a Bus that opens device connections with open.
func New(open Opener) *Bus {
	return &Bus{
		open:  open,
		conns: make(map[int]Conn),
	}
}

// Open creates a Bus on the i2c-dev device at dev, e.g. /dev/i2c-1.
func Open(dev string) *Bus {
	return New(DevfsOpener(dev))
}

func (b *Bus) conn(addr int) (Conn, error) {
	if b.closed {
		return nil, ErrClosed
	}

	if c, ok := b.conns[addr]; ok {
		return c, nil
	}

	c, err := b.open(addr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open i2c device 0x%02x", addr)
	}
	b.conns[addr] = c

	return c, nil
}

// ReadBlock reads n bytes starting at register reg of the device at addr.
func (b *Bus) ReadBlock(addr int, reg byte, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.conn(addr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	if err := c.ReadReg(reg, buf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read %d bytes from 0x%02x register 0x%02x", n, addr, reg)
	}

	return buf, nil
}

// WriteRegister writes a single byte to register reg of the device at addr.
func (b *Bus) WriteRegister(addr int, reg byte, value byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.conn(addr)
	if err != nil {
		return err
	}

	if err := c.WriteReg(reg, []byte{value}); err != nil {
		return pkgerrors.Wrapf(err, "failed to write 0x%02x to 0x%02x register 0x%02x", value, addr, reg)
	}

	return nil
}

// Close closes every open device connection. The first error seen is returned.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	for addr, c := range b.conns {
		if err := c.Close(); err != nil {
			log.WithError(err).
				WithField("component", "i2c bus").
				WithField("address", addr).
				Error("device failed to close")
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(b.conns, addr)
	}

	return firstErr
}
