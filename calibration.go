package chirp

import "math"

// MoistureCalibration rescales raw capacitance to 0-100 %.
type MoistureCalibration struct {
	MinCapacity int `yaml:"min_capacity" json:"min_capacity"`
	MaxCapacity int `yaml:"max_capacity" json:"max_capacity"`
}

type TemperatureCalibration struct {
	Offset int `yaml:"offset" json:"offset"` // decidegrees
}

// LightCalibration is the power law fit lux = Constant * raw^Coefficient.
type LightCalibration struct {
	Coefficient float64 `yaml:"coefficient" json:"coefficient"`
	Constant    int     `yaml:"constant" json:"constant"`
}

var (
	DefaultMoistureCalibration    = MoistureCalibration{MinCapacity: 290, MaxCapacity: 550}
	DefaultTemperatureCalibration = TemperatureCalibration{Offset: 0}
	DefaultLightCalibration       = LightCalibration{Coefficient: -1.526, Constant: 100000}
)

// Percent returns the moisture in percent. Raw values outside the
// calibrated range clamp to 0 or 100.
func (c MoistureCalibration) Percent(raw uint16) float64 {
	span := c.MaxCapacity - c.MinCapacity
	if span <= 0 {
		return 0
	}
	p := 100 * float64(int(raw)-c.MinCapacity) / float64(span)
	return math.Max(0, math.Min(100, p))
}

func (c TemperatureCalibration) Celsius(raw int16) float64 {
	return float64(int(raw)+c.Offset) / 10.0
}

// Lux returns the illuminance for raw. A zero count has no defined value
// under the power law and returns ErrNoLight.
func (c LightCalibration) Lux(raw uint16) (float64, error) {
	if raw == 0 {
		return 0, &CalibrationError{Channel: Illuminance, Err: ErrNoLight}
	}
	return float64(c.Constant) * math.Pow(float64(raw), c.Coefficient), nil
}
