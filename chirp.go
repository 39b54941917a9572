// Package chirp drives the Catnip Electronics Chirp I2C soil moisture
// sensor: capacitance (moisture), temperature and light, with runtime
// re-addressing.
package chirp

import (
	"encoding/binary"
	"fmt"
)

const (
	DefaultAddress = 0x20
	MinAddress     = 0x08
	MaxAddress     = 0x77
)

const (
	chirpCapacitanceReg  = 0x00 // (r) 2 bytes
	chirpSetAddressReg   = 0x01 // (w) 1 byte
	chirpGetAddressReg   = 0x02 // (r) 1 byte
	chirpMeasureLightCmd = 0x03
	chirpLightReg        = 0x04 // (r) 2 bytes
	chirpTemperatureReg  = 0x05 // (r) 2 bytes
	chirpResetCmd        = 0x06
	chirpVersionReg      = 0x07 // (r) 1 byte
	chirpSleepCmd        = 0x08
	chirpBusyReg         = 0x09 // (r) 1 byte

	chirpInvalid = 0xffff
)

// Conn is a register level connection to one peripheral, typically an
// *i2c.Conn.
type Conn interface {
	Address() uint8
	SetAddress(addr uint8)
	WriteCommand(cmd uint8) error
	WriteRegister(reg, val uint8) error
	ReadRegister(reg uint8, n int) ([]byte, error)
}

// Chirp translates sensor operations into register transactions. It does
// not enforce conversion timing; reads issued before a triggered
// conversion completes return the previous sample.
type Chirp struct {
	conn Conn
}

func New(conn Conn) *Chirp {
	return &Chirp{conn: conn}
}

// Addr returns the address transactions are currently sent to.
func (c *Chirp) Addr() uint8 {
	return c.conn.Address()
}

// Retarget sends further transactions to addr without touching the
// device.
func (c *Chirp) Retarget(addr uint8) {
	c.conn.SetAddress(addr)
}

// TriggerMeasurement starts a capacitance and temperature conversion.
// Reading the capacitance register returns the previous sample and makes
// the sensor start a new conversion; the returned value is discarded.
func (c *Chirp) TriggerMeasurement() error {
	if _, err := c.conn.ReadRegister(chirpCapacitanceReg, 2); err != nil {
		return &BusError{Op: "trigger measurement", Err: err}
	}
	return nil
}

// TriggerLight starts a light conversion, which takes up to LightDelay in
// darkness.
func (c *Chirp) TriggerLight() error {
	if err := c.conn.WriteCommand(chirpMeasureLightCmd); err != nil {
		return &BusError{Op: "trigger light", Err: err}
	}
	return nil
}

// Capacitance returns the raw moisture count.
func (c *Chirp) Capacitance() (uint16, error) {
	raw, err := c.word("capacitance", chirpCapacitanceReg)
	if err != nil {
		return 0, err
	}
	if raw == chirpInvalid {
		return 0, fmt.Errorf("capacitance: %w", ErrInvalidReading)
	}
	return raw, nil
}

// Temperature returns the raw temperature in tenths of a degree Celsius.
func (c *Chirp) Temperature() (int16, error) {
	raw, err := c.word("temperature", chirpTemperatureReg)
	if err != nil {
		return 0, err
	}
	return int16(raw), nil
}

// Light returns the raw light count. Lower counts mean more light.
func (c *Chirp) Light() (uint16, error) {
	raw, err := c.word("light", chirpLightReg)
	if err != nil {
		return 0, err
	}
	if raw == chirpInvalid {
		return 0, fmt.Errorf("light: %w", ErrInvalidReading)
	}
	return raw, nil
}

func (c *Chirp) Version() (uint8, error) {
	return c.byte("version", chirpVersionReg)
}

// Address returns the address the device reports for itself.
func (c *Chirp) Address() (uint8, error) {
	return c.byte("address", chirpGetAddressReg)
}

func (c *Chirp) Busy() (bool, error) {
	val, err := c.byte("busy", chirpBusyReg)
	if err != nil {
		return false, err
	}
	return val == 1, nil
}

func (c *Chirp) Reset() error {
	if err := c.conn.WriteCommand(chirpResetCmd); err != nil {
		return &BusError{Op: "reset", Err: err}
	}
	return nil
}

// Sleep puts the sensor to sleep. Any subsequent transaction wakes it.
func (c *Chirp) Sleep() error {
	if err := c.conn.WriteCommand(chirpSleepCmd); err != nil {
		return &BusError{Op: "sleep", Err: err}
	}
	return nil
}

// SetAddress persists a new address in the device, resets it so the
// address takes effect, and retargets all further transactions at it. The
// device needs ResetDelay before it answers again.
func (c *Chirp) SetAddress(addr uint8) error {
	if addr < MinAddress || addr > MaxAddress {
		return fmt.Errorf("set address 0x%02x: %w", addr, ErrAddressRange)
	}

	// Firmware 0x26 and later ignore a single write, to protect against
	// spurious address changes.
	for i := 0; i < 2; i++ {
		if err := c.conn.WriteRegister(chirpSetAddressReg, addr); err != nil {
			return &BusError{Op: "set address", Err: err}
		}
	}
	if err := c.Reset(); err != nil {
		return err
	}

	c.Retarget(addr)
	return nil
}

func (c *Chirp) word(op string, reg uint8) (uint16, error) {
	data, err := c.conn.ReadRegister(reg, 2)
	if err != nil {
		return 0, &BusError{Op: "read " + op, Err: err}
	}
	return binary.BigEndian.Uint16(data), nil
}

func (c *Chirp) byte(op string, reg uint8) (uint8, error) {
	data, err := c.conn.ReadRegister(reg, 1)
	if err != nil {
		return 0, &BusError{Op: "read " + op, Err: err}
	}
	return data[0], nil
}
