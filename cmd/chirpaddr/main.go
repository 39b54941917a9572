// Command chirpaddr shows the firmware version and address of a Chirp
// sensor and optionally moves it to a new address.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/calmh/soilpi"
	"github.com/calmh/soilpi/i2c"
	"go.uber.org/zap"
	"gobot.io/x/gobot/sysfs"
)

func main() {
	device := flag.String("device", "/dev/i2c-1", "I2C device")
	periph := flag.String("periph", "", "Use the periph.io I2C bus with this name instead of -device")
	addr := flag.Int("address", chirp.DefaultAddress, "Current sensor address")
	set := flag.Int("set", 0, "New sensor address (0 to only show the current one)")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	l := logger.Sugar()
	defer l.Sync()

	dev, err := openDevice(*device, *periph)
	if err != nil {
		l.Fatalw("open I2C device", "error", err)
	}
	err = run(os.Stdout, dev, *addr, *set, chirp.ResetDelay)
	dev.Close()
	if err != nil {
		l.Fatalw("failed", "error", err)
	}
}

// run shows the sensor at addr and, unless set is zero or addr, moves it
// to set and shows it again after settle. Both addresses are checked
// before anything is sent to the bus.
func run(w io.Writer, dev i2c.Device, addr, set int, settle time.Duration) error {
	if !validAddress(addr) {
		return fmt.Errorf("address %d: %w", addr, chirp.ErrAddressRange)
	}
	if set != 0 && !validAddress(set) {
		return fmt.Errorf("new address %d: %w", set, chirp.ErrAddressRange)
	}

	c := chirp.New(i2c.NewBus(dev).Conn(uint8(addr)))
	if err := show(w, c); err != nil {
		return fmt.Errorf("read sensor: %w", err)
	}
	if set == 0 || set == addr {
		return nil
	}

	if err := c.SetAddress(uint8(set)); err != nil {
		return err
	}
	time.Sleep(settle)
	if err := show(w, c); err != nil {
		return fmt.Errorf("read sensor after address change: %w", err)
	}
	return nil
}

func validAddress(addr int) bool {
	return addr >= chirp.MinAddress && addr <= chirp.MaxAddress
}

func show(w io.Writer, c *chirp.Chirp) error {
	version, err := c.Version()
	if err != nil {
		return err
	}
	addr, err := c.Address()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "address 0x%02x: firmware 0x%02x, reports address 0x%02x\n", c.Addr(), version, addr)
	return nil
}

type device interface {
	i2c.Device
	io.Closer
}

func openDevice(path, periph string) (device, error) {
	if periph != "" {
		return i2c.OpenPeriph(periph)
	}
	return sysfs.NewI2cDevice(path)
}
