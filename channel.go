package chirp

import "time"

// Channel is one physical quantity the sensor reports.
type Channel uint8

const (
	Moisture Channel = iota
	Temperature
	Illuminance
	Version
	numChannels
)

var channelNames = [numChannels]string{"moisture", "temperature", "illuminance", "version"}

var channelUnits = [numChannels]string{"%", "°C", "lx", ""}

func (c Channel) String() string {
	if c >= numChannels {
		return "unknown"
	}
	return channelNames[c]
}

func (c Channel) Unit() string {
	if c >= numChannels {
		return ""
	}
	return channelUnits[c]
}

// ParseChannel is the inverse of Channel.String.
func ParseChannel(s string) (Channel, bool) {
	for i, name := range channelNames {
		if name == s {
			return Channel(i), true
		}
	}
	return 0, false
}

// Conversion times, after a trigger, before the result registers hold a
// fresh sample.
const (
	TemperatureDelay = 200 * time.Millisecond
	FullCycleDelay   = 600 * time.Millisecond
	LightDelay       = 3 * time.Second
	ResetDelay       = time.Second
)

// Channels is the set of enabled channels.
type Channels uint8

func NewChannels(chs ...Channel) Channels {
	var s Channels
	for _, ch := range chs {
		s = s.With(ch)
	}
	return s
}

func (s Channels) Has(ch Channel) bool {
	return s&(1<<ch) != 0
}

func (s Channels) With(ch Channel) Channels {
	return s | 1<<ch
}

func (s Channels) Without(ch Channel) Channels {
	return s &^ (1 << ch)
}

// List returns the channels in read order.
func (s Channels) List() []Channel {
	var res []Channel
	for ch := Channel(0); ch < numChannels; ch++ {
		if s.Has(ch) {
			res = append(res, ch)
		}
	}
	return res
}

// SettleDelay is the wait between trigger and read for the set. Version
// needs no conversion.
func (s Channels) SettleDelay() time.Duration {
	switch {
	case s.Has(Illuminance):
		return LightDelay
	case s.Has(Moisture):
		return FullCycleDelay
	case s.Has(Temperature):
		return TemperatureDelay
	default:
		return 0
	}
}
