package i2c

import (
	"encoding/binary"
	"fmt"

	periphi2c "periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// PeriphDevice adapts a periph.io I2C bus to the Device interface, for
// hosts where the gobot sysfs driver is not available.
type PeriphDevice struct {
	bus  periphi2c.BusCloser
	addr uint16
}

// OpenPeriph initializes the periph host drivers and opens the named bus.
// An empty name opens the first available bus.
func OpenPeriph(name string) (*PeriphDevice, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open I2C bus %q: %w", name, err)
	}
	return NewPeriphDevice(bus), nil
}

func NewPeriphDevice(bus periphi2c.BusCloser) *PeriphDevice {
	return &PeriphDevice{bus: bus}
}

func (d *PeriphDevice) SetAddress(address int) error {
	if address < 0 || address > 0x7f {
		return fmt.Errorf("address 0x%x out of range", address)
	}
	d.addr = uint16(address)
	return nil
}

func (d *PeriphDevice) ReadByteData(reg uint8) (uint8, error) {
	var buf [1]byte
	if err := d.bus.Tx(d.addr, []byte{reg}, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadWordData follows SMBus semantics and returns the two bytes as a
// little endian word.
func (d *PeriphDevice) ReadWordData(reg uint8) (uint16, error) {
	var buf [2]byte
	if err := d.bus.Tx(d.addr, []byte{reg}, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (d *PeriphDevice) WriteByte(val byte) error {
	return d.bus.Tx(d.addr, []byte{val}, nil)
}

func (d *PeriphDevice) WriteByteData(reg, val uint8) error {
	return d.bus.Tx(d.addr, []byte{reg, val}, nil)
}

func (d *PeriphDevice) Close() error {
	return d.bus.Close()
}
