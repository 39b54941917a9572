package chirp

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

const (
	DefaultName           = "chirp"
	DefaultUpdateInterval = 5 * time.Second
)

// Config describes one sensor. Each non-nil channel section enables that
// channel; a nil section disables it and all of its bus traffic.
type Config struct {
	Name           string             `yaml:"name"`
	Address        int                `yaml:"address"`
	UpdateInterval time.Duration      `yaml:"update_interval"`
	Sleep          bool               `yaml:"sleep,omitempty"`
	Moisture       *MoistureConfig    `yaml:"moisture,omitempty"`
	Temperature    *TemperatureConfig `yaml:"temperature,omitempty"`
	Illuminance    *IlluminanceConfig `yaml:"illuminance,omitempty"`
	Version        *VersionConfig     `yaml:"version,omitempty"`
}

type MoistureConfig struct {
	Calibration MoistureCalibration `yaml:"calibration"`
}

type TemperatureConfig struct {
	Calibration TemperatureCalibration `yaml:"calibration"`
}

type IlluminanceConfig struct {
	Calibration LightCalibration `yaml:"calibration"`
}

// VersionConfig enables the firmware version channel. A set Address is
// written to the device once, at setup.
type VersionConfig struct {
	Address *int `yaml:"address,omitempty"`
}

// DefaultConfig has every channel enabled with default calibration.
func DefaultConfig() Config {
	return Config{
		Name:           DefaultName,
		Address:        DefaultAddress,
		UpdateInterval: DefaultUpdateInterval,
		Moisture:       &MoistureConfig{Calibration: DefaultMoistureCalibration},
		Temperature:    &TemperatureConfig{Calibration: DefaultTemperatureCalibration},
		Illuminance:    &IlluminanceConfig{Calibration: DefaultLightCalibration},
		Version:        &VersionConfig{},
	}
}

func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = Config{
		Name:           DefaultName,
		Address:        DefaultAddress,
		UpdateInterval: DefaultUpdateInterval,
	}
	type plain Config
	return unmarshal((*plain)(c))
}

func (c *MoistureConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	c.Calibration = DefaultMoistureCalibration
	type plain MoistureConfig
	return unmarshal((*plain)(c))
}

func (c *TemperatureConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	c.Calibration = DefaultTemperatureCalibration
	type plain TemperatureConfig
	return unmarshal((*plain)(c))
}

func (c *IlluminanceConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	c.Calibration = DefaultLightCalibration
	type plain IlluminanceConfig
	return unmarshal((*plain)(c))
}

func (c *MoistureCalibration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultMoistureCalibration
	type plain MoistureCalibration
	return unmarshal((*plain)(c))
}

func (c *LightCalibration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultLightCalibration
	type plain LightCalibration
	return unmarshal((*plain)(c))
}

// Channels returns the set of enabled channels.
func (c Config) Channels() Channels {
	var s Channels
	if c.Moisture != nil {
		s = s.With(Moisture)
	}
	if c.Temperature != nil {
		s = s.With(Temperature)
	}
	if c.Illuminance != nil {
		s = s.With(Illuminance)
	}
	if c.Version != nil {
		s = s.With(Version)
	}
	return s
}

// NewAddress returns the address to move the device to at setup, if any.
func (c Config) NewAddress() (uint8, bool) {
	if c.Version == nil || c.Version.Address == nil {
		return 0, false
	}
	return uint8(*c.Version.Address), true
}

// Validate returns all problems with the configuration, as ConfigErrors
// combined with multierr.
func (c Config) Validate() error {
	var err error
	if c.Name == "" {
		err = multierr.Append(err, &ConfigError{Field: "name", Err: errors.New("must be set")})
	}
	if !validAddress(c.Address) {
		err = multierr.Append(err, &ConfigError{Field: "address", Err: fmt.Errorf("0x%02x: %w", c.Address, ErrAddressRange)})
	}
	if settle := c.Channels().SettleDelay(); c.UpdateInterval <= 0 || c.UpdateInterval < settle {
		err = multierr.Append(err, &ConfigError{Field: "update_interval", Err: fmt.Errorf("%v is shorter than the conversion time %v", c.UpdateInterval, settle)})
	}
	if c.Moisture != nil {
		cal := c.Moisture.Calibration
		if cal.MinCapacity >= cal.MaxCapacity {
			err = multierr.Append(err, &ConfigError{Field: "moisture.calibration", Err: fmt.Errorf("min_capacity %d must be below max_capacity %d", cal.MinCapacity, cal.MaxCapacity)})
		}
	}
	if c.Illuminance != nil && c.Illuminance.Calibration.Constant == 0 {
		err = multierr.Append(err, &ConfigError{Field: "illuminance.calibration.constant", Err: errors.New("must not be zero")})
	}
	if c.Version != nil && c.Version.Address != nil && !validAddress(*c.Version.Address) {
		err = multierr.Append(err, &ConfigError{Field: "version.address", Err: fmt.Errorf("0x%02x: %w", *c.Version.Address, ErrAddressRange)})
	}
	return err
}

func validAddress(addr int) bool {
	return addr >= MinAddress && addr <= MaxAddress
}

// Settings is the configuration file: the sensors sharing one bus.
type Settings struct {
	Sensors []Config `yaml:"sensors"`
}

func DefaultSettings() Settings {
	return Settings{Sensors: []Config{DefaultConfig()}}
}

// Validate checks every sensor, and that names and addresses are unique
// on the bus.
func (s Settings) Validate() error {
	if len(s.Sensors) == 0 {
		return &ConfigError{Field: "sensors", Err: errors.New("no sensors configured")}
	}

	var err error
	names := make(map[string]bool)
	addrs := make(map[int]int)
	for i, c := range s.Sensors {
		if verr := c.Validate(); verr != nil {
			for _, e := range multierr.Errors(verr) {
				var ce *ConfigError
				if errors.As(e, &ce) {
					e = &ConfigError{Field: fmt.Sprintf("sensors[%d].%s", i, ce.Field), Err: ce.Err}
				}
				err = multierr.Append(err, e)
			}
		}
		if names[c.Name] {
			err = multierr.Append(err, &ConfigError{Field: fmt.Sprintf("sensors[%d].name", i), Err: fmt.Errorf("duplicate name %q", c.Name)})
		}
		names[c.Name] = true
		for _, addr := range c.busAddresses() {
			if other, ok := addrs[addr]; ok {
				err = multierr.Append(err, &ConfigError{Field: fmt.Sprintf("sensors[%d].address", i), Err: fmt.Errorf("0x%02x already used by %q", addr, s.Sensors[other].Name)})
				continue
			}
			addrs[addr] = i
		}
	}
	return err
}

func (c Config) busAddresses() []int {
	res := []int{c.Address}
	if addr, ok := c.NewAddress(); ok && int(addr) != c.Address {
		res = append(res, int(addr))
	}
	return res
}

// Load reads and validates a settings file.
func Load(file string) (Settings, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse %s: %w", file, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// LoadOrCreate loads file, first writing the default settings to it if
// it does not exist.
func LoadOrCreate(file string) (Settings, error) {
	if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		if err := Save(file, DefaultSettings()); err != nil {
			return Settings{}, err
		}
	}
	return Load(file)
}

func Save(file string, s Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(file, data, 0o644)
}
