package httpapi

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/calmh/soilpi"
)

// Latest is a chirp.Publisher that remembers the last reading of every
// sensor and channel.
type Latest struct {
	mut      sync.RWMutex
	readings map[string]map[chirp.Channel]chirp.Reading
}

func NewLatest() *Latest {
	return &Latest{readings: make(map[string]map[chirp.Channel]chirp.Reading)}
}

func (l *Latest) Publish(r chirp.Reading) {
	l.mut.Lock()
	defer l.mut.Unlock()
	m, ok := l.readings[r.Sensor]
	if !ok {
		m = make(map[chirp.Channel]chirp.Reading)
		l.readings[r.Sensor] = m
	}
	m[r.Channel] = r
}

// Readings returns the latest readings of sensor, or of all sensors if
// sensor is empty, ordered by sensor and channel.
func (l *Latest) Readings(sensor string) []Reading {
	l.mut.RLock()
	defer l.mut.RUnlock()

	var res []Reading
	for name, m := range l.readings {
		if sensor != "" && name != sensor {
			continue
		}
		for _, r := range m {
			res = append(res, newReading(r))
		}
	}
	sort.Slice(res, func(a, b int) bool {
		if res[a].Sensor != res[b].Sensor {
			return res[a].Sensor < res[b].Sensor
		}
		return res[a].channel < res[b].channel
	})
	return res
}

// Reading is the JSON form of a chirp.Reading. Value is absent when the
// channel could not be read.
type Reading struct {
	Sensor  string    `json:"sensor"`
	Address string    `json:"address"`
	Channel string    `json:"channel"`
	Unit    string    `json:"unit,omitempty"`
	Raw     int       `json:"raw"`
	Value   *float64  `json:"value,omitempty"`
	Time    time.Time `json:"time"`
	Error   string    `json:"error,omitempty"`

	channel chirp.Channel
}

func newReading(r chirp.Reading) Reading {
	res := Reading{
		Sensor:  r.Sensor,
		Address: fmt.Sprintf("0x%02x", r.Address),
		Channel: r.Channel.String(),
		Unit:    r.Channel.Unit(),
		Raw:     r.Raw,
		Time:    r.Time,
		channel: r.Channel,
	}
	if r.OK() {
		v := r.Value
		res.Value = &v
	} else {
		res.Error = r.Err.Error()
	}
	return res
}
