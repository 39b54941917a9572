package chirp

import (
	"errors"
	"fmt"
)

var (
	ErrAddressRange   = errors.New("address outside 0x08-0x77")
	ErrInvalidReading = errors.New("invalid reading")
	ErrNoLight        = errors.New("no light reading")
	ErrBusy           = errors.New("sensor busy")
	ErrNoVersion      = errors.New("no firmware version")
)

// ConfigError is an invalid configuration value. It is fatal at startup.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// BusError is a failed bus transaction. Within a cycle it only affects
// the channel being read.
type BusError struct {
	Op  string
	Err error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// CalibrationError is a raw value that has no calibrated equivalent.
type CalibrationError struct {
	Channel Channel
	Err     error
}

func (e *CalibrationError) Error() string {
	return fmt.Sprintf("calibrate %s: %v", e.Channel, e.Err)
}

func (e *CalibrationError) Unwrap() error {
	return e.Err
}
