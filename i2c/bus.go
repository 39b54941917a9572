package i2c

import (
	"errors"
	"fmt"
	"sync"
)

// A Device is typically a sysfs.I2cDevice (gobot.io/x/gobot/sysfs) or a
// *PeriphDevice.
type Device interface {
	SetAddress(address int) error
	ReadByteData(reg uint8) (val uint8, err error)
	ReadWordData(reg uint8) (val uint16, err error)
	WriteByte(val byte) error
	WriteByteData(reg, val uint8) error
}

var ErrLength = errors.New("unsupported register length")

// Bus serializes transactions against a Device shared by several
// peripherals. The device address is set inside the lock for every
// transaction.
type Bus struct {
	dev Device
	mut sync.Mutex
}

func NewBus(dev Device) *Bus {
	return &Bus{dev: dev}
}

// Conn returns a handle for the peripheral at addr.
func (b *Bus) Conn(addr uint8) *Conn {
	return &Conn{bus: b, addr: addr}
}

func (b *Bus) tx(addr uint8, fn func(dev Device) error) error {
	b.mut.Lock()
	defer b.mut.Unlock()

	if err := b.dev.SetAddress(int(addr)); err != nil {
		return fmt.Errorf("set device address 0x%02x: %w", addr, err)
	}
	return fn(b.dev)
}

// Conn addresses one peripheral on a Bus. It is not safe for concurrent
// use; the owner of the peripheral owns the Conn.
type Conn struct {
	bus  *Bus
	addr uint8
}

func (c *Conn) Address() uint8 {
	return c.addr
}

// SetAddress retargets all subsequent transactions at addr.
func (c *Conn) SetAddress(addr uint8) {
	c.addr = addr
}

// WriteCommand writes a single command byte.
func (c *Conn) WriteCommand(cmd uint8) error {
	return c.bus.tx(c.addr, func(dev Device) error {
		if err := dev.WriteByte(cmd); err != nil {
			return fmt.Errorf("write command 0x%02x: %w", cmd, err)
		}
		return nil
	})
}

func (c *Conn) WriteRegister(reg, val uint8) error {
	return c.bus.tx(c.addr, func(dev Device) error {
		if err := dev.WriteByteData(reg, val); err != nil {
			return fmt.Errorf("write register 0x%02x: %w", reg, err)
		}
		return nil
	})
}

// ReadRegister reads n (1 or 2) bytes from reg. Bytes are returned in the
// order they appear on the wire.
func (c *Conn) ReadRegister(reg uint8, n int) ([]byte, error) {
	if n != 1 && n != 2 {
		return nil, fmt.Errorf("read register 0x%02x: %d bytes: %w", reg, n, ErrLength)
	}

	res := make([]byte, n)
	err := c.bus.tx(c.addr, func(dev Device) error {
		if n == 1 {
			val, err := dev.ReadByteData(reg)
			if err != nil {
				return fmt.Errorf("read byte register 0x%02x: %w", reg, err)
			}
			res[0] = val
			return nil
		}

		// SMBus word reads are little endian: the first byte on the wire
		// is the low byte of val.
		val, err := dev.ReadWordData(reg)
		if err != nil {
			return fmt.Errorf("read word register 0x%02x: %w", reg, err)
		}
		res[0] = byte(val)
		res[1] = byte(val >> 8)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
