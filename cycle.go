package chirp

import "time"

// Reading is one channel's outcome in a measurement cycle. A non-nil Err
// means the channel is absent for this cycle; Raw and Value are then
// meaningless.
type Reading struct {
	Sensor  string
	Address uint8
	Channel Channel
	Raw     int
	Value   float64
	Time    time.Time
	Err     error
}

func (r Reading) OK() bool {
	return r.Err == nil
}

// Cycle is the result of one measurement cycle. It is not modified after
// being handed to publishers.
type Cycle struct {
	Seq      uint64
	Started  time.Time
	Readings []Reading
}

// Reading returns the reading for ch, if that channel was read.
func (c Cycle) Reading(ch Channel) (Reading, bool) {
	for _, r := range c.Readings {
		if r.Channel == ch {
			return r, true
		}
	}
	return Reading{}, false
}

// Value returns the calibrated value for ch if it was read successfully.
func (c Cycle) Value(ch Channel) (float64, bool) {
	r, ok := c.Reading(ch)
	if !ok || !r.OK() {
		return 0, false
	}
	return r.Value, true
}

// Failed reports whether readings were attempted and every one failed.
func (c Cycle) Failed() bool {
	if len(c.Readings) == 0 {
		return false
	}
	for _, r := range c.Readings {
		if r.OK() {
			return false
		}
	}
	return true
}

// A Publisher receives every reading, failed ones included.
type Publisher interface {
	Publish(r Reading)
}

type PublisherFunc func(r Reading)

func (f PublisherFunc) Publish(r Reading) {
	f(r)
}
