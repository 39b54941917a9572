package hass

import (
	"encoding/json"
	"math"
	"sync"

	"github.com/calmh/soilpi"
	"go.uber.org/zap"
)

// Publisher is a chirp.Publisher that turns readings into state messages.
// The state of a sensor is a JSON object holding the last good value of
// each channel; a failed channel is left out until it reads again.
// Messages are queued on out without blocking and dropped if the queue is
// full.
type Publisher struct {
	out    chan<- Message
	logger *zap.SugaredLogger

	mut   sync.Mutex
	state map[string]map[string]float64
}

func NewPublisher(out chan<- Message, logger *zap.SugaredLogger) *Publisher {
	return &Publisher{
		out:    out,
		logger: logger,
		state:  make(map[string]map[string]float64),
	}
}

func (p *Publisher) Publish(r chirp.Reading) {
	p.mut.Lock()
	st, ok := p.state[r.Sensor]
	if !ok {
		st = make(map[string]float64)
		p.state[r.Sensor] = st
	}
	key := r.Channel.String()
	if r.OK() {
		st[key] = math.Round(r.Value*100) / 100
	} else {
		delete(st, key)
	}
	payload, err := json.Marshal(st)
	p.mut.Unlock()

	if err != nil {
		p.logger.Warnw("encode state", "sensor", r.Sensor, "error", err)
		return
	}

	msg := Message{Topic: StateTopic(r.Sensor), Payload: payload}
	select {
	case p.out <- msg:
	default:
		p.logger.Warnw("mqtt queue full, dropping state", "sensor", r.Sensor)
	}
}
