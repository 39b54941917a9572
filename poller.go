package chirp

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// State is the phase of the measurement cycle a Poller is in.
type State int32

const (
	StateIdle State = iota
	StateTriggered
	StateSettling
	StateReading
	StatePublishing
	StateStarting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTriggered:
		return "triggered"
	case StateSettling:
		return "settling"
	case StateReading:
		return "reading"
	case StatePublishing:
		return "publishing"
	case StateStarting:
		return "starting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Consecutive cycles without a single good reading before the loss is
// logged as an error.
const lossThreshold = 3

// Poller runs measurement cycles for one sensor and hands the readings to
// its publishers. One goroutine drives a Poller; State and Failures may be
// read from any goroutine.
type Poller struct {
	chirp  *Chirp
	cfg    Config
	chs    Channels
	clock  clock.Clock
	logger *zap.SugaredLogger
	pubs   []Publisher

	state       atomic.Int32
	seq         atomic.Uint64
	failures    atomic.Int64
	setupFailed atomic.Bool
}

type Option func(*Poller)

func WithClock(c clock.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Poller) { p.logger = l }
}

func WithPublisher(pubs ...Publisher) Option {
	return func(p *Poller) { p.pubs = append(p.pubs, pubs...) }
}

// NewPoller returns a poller for the channels enabled in cfg, which is
// expected to have been validated.
func NewPoller(c *Chirp, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		chirp:  c,
		cfg:    cfg,
		chs:    cfg.Channels(),
		clock:  clock.New(),
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("sensor", cfg.Name)
	return p
}

func (p *Poller) State() State {
	return State(p.state.Load())
}

// Failures returns the number of consecutive cycles in which no channel
// could be read.
func (p *Poller) Failures() int64 {
	return p.failures.Load()
}

// SetupFailed reports whether the last setup attempt failed. The sensor is
// not polled until a retry succeeds.
func (p *Poller) SetupFailed() bool {
	return p.setupFailed.Load()
}

func (p *Poller) Channels() Channels {
	return p.chs
}

// Setup brings the sensor up: it applies a configured address change,
// resets the device and checks the firmware version. It runs before Run;
// Serve retries it until it succeeds.
func (p *Poller) Setup(ctx context.Context) error {
	defer p.setState(StateIdle)

	cur, err := p.chirp.Address()
	if err != nil {
		cur, err = p.findMoved(err)
		if err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	}
	p.logger.Infow("current address", "address", hex(cur))

	reset := false
	if addr, ok := p.cfg.NewAddress(); ok {
		if addr == cur {
			p.logger.Infow("address already set", "address", hex(addr))
		} else {
			if err := p.chirp.SetAddress(addr); err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			p.logger.Warnw("address changed", "from", hex(cur), "to", hex(addr))
			reset = true
		}
	}
	if !reset {
		if err := p.chirp.Reset(); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	}

	if err := p.wait(ctx, ResetDelay, StateStarting); err != nil {
		return err
	}

	v, err := p.chirp.Version()
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if v == 0 {
		return fmt.Errorf("setup: %w", ErrNoVersion)
	}
	p.logger.Infow("sensor started", "firmware", hex(v), "channels", p.chs.List())

	if p.chs.Has(Version) {
		p.publish(p.calibrate(Reading{
			Sensor:  p.cfg.Name,
			Address: p.chirp.Addr(),
			Channel: Version,
			Raw:     int(v),
			Time:    p.clock.Now(),
		}))
	}
	return nil
}

// findMoved looks for the sensor at its configured new address, where an
// earlier setup may already have moved it. The original target is kept if
// the sensor does not answer there either.
func (p *Poller) findMoved(err error) (uint8, error) {
	from := p.chirp.Addr()
	addr, ok := p.cfg.NewAddress()
	if !ok || addr == from {
		return 0, err
	}

	p.chirp.Retarget(addr)
	cur, moveErr := p.chirp.Address()
	if moveErr != nil {
		p.chirp.Retarget(from)
		return 0, err
	}
	p.logger.Infow("sensor already moved", "from", hex(from), "to", hex(addr))
	return cur, nil
}

// Serve sets the sensor up and then polls it until ctx is cancelled. A
// failed setup is logged and retried once per update interval; it never
// ends Serve, so other sensors are unaffected. The only error returned is
// ctx's.
func (p *Poller) Serve(ctx context.Context) error {
	for {
		err := p.Setup(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.setupFailed.Store(true)
		p.logger.Errorw("setup failed", "error", err, "retry", p.cfg.UpdateInterval)
		if err := p.wait(ctx, p.cfg.UpdateInterval, StateFailed); err != nil {
			return err
		}
	}
	p.setupFailed.Store(false)
	return p.Run(ctx)
}

// Run performs a cycle immediately and then once per update interval,
// until ctx is cancelled. A failed cycle does not delay the next one.
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		if _, err := p.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Debugw("cycle skipped", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle performs one measurement cycle: trigger, settle, read, publish.
// Channels fail independently and are published with their error. A
// cycle cancelled while settling publishes nothing. The version channel
// is read at setup only.
//
// A busy sensor skips the cycle with ErrBusy. A sensor whose busy register
// cannot be read is not triggered either; every channel is published with
// that error and the cycle counts as a total loss.
func (p *Poller) Cycle(ctx context.Context) (Cycle, error) {
	defer p.setState(StateIdle)

	busy, busyErr := p.chirp.Busy()
	if busyErr == nil && busy {
		return Cycle{}, ErrBusy
	}

	cyc := Cycle{Seq: p.seq.Inc(), Started: p.clock.Now()}
	chs := p.chs.Without(Version)
	failed := make(map[Channel]error)

	if busyErr != nil {
		for _, ch := range chs.List() {
			failed[ch] = busyErr
		}
		p.collect(&cyc, chs, failed)
		return cyc, nil
	}

	p.setState(StateTriggered)
	pending := chs
	if p.chs.Has(Moisture) || p.chs.Has(Temperature) {
		if err := p.chirp.TriggerMeasurement(); err != nil {
			failed[Moisture] = err
			failed[Temperature] = err
			pending = pending.Without(Moisture).Without(Temperature)
		}
	}
	if p.chs.Has(Illuminance) {
		if err := p.chirp.TriggerLight(); err != nil {
			failed[Illuminance] = err
			pending = pending.Without(Illuminance)
		}
	}

	if d := pending.SettleDelay(); d > 0 {
		if err := p.wait(ctx, d, StateSettling); err != nil {
			return Cycle{}, err
		}
	}

	p.setState(StateReading)
	p.collect(&cyc, chs, failed)
	return cyc, nil
}

// collect reads the channels that have not already failed, then
// calibrates and publishes every reading.
func (p *Poller) collect(cyc *Cycle, chs Channels, failed map[Channel]error) {
	answered := false
	for _, ch := range chs.List() {
		r := Reading{Sensor: p.cfg.Name, Address: p.chirp.Addr(), Channel: ch}
		if err, ok := failed[ch]; ok {
			r.Err = err
		} else {
			p.read(&r)
		}
		answered = answered || r.Err == nil
		r.Time = p.clock.Now()
		cyc.Readings = append(cyc.Readings, r)
	}
	if p.cfg.Sleep && answered {
		if err := p.chirp.Sleep(); err != nil {
			p.logger.Warnw("sleep", "error", err)
		}
	}

	p.setState(StatePublishing)
	for i := range cyc.Readings {
		cyc.Readings[i] = p.calibrate(cyc.Readings[i])
		p.publish(cyc.Readings[i])
	}

	if cyc.Failed() {
		if n := p.failures.Inc(); n >= lossThreshold {
			p.logger.Errorw("no channel readable", "cycles", n)
		}
	} else {
		p.failures.Store(0)
	}
}

func (p *Poller) read(r *Reading) {
	switch r.Channel {
	case Moisture:
		raw, err := p.chirp.Capacitance()
		r.Raw, r.Err = int(raw), err
	case Temperature:
		raw, err := p.chirp.Temperature()
		r.Raw, r.Err = int(raw), err
	case Illuminance:
		raw, err := p.chirp.Light()
		r.Raw, r.Err = int(raw), err
	}
	if r.Err == nil {
		p.logger.Debugw("read", "channel", r.Channel, "raw", r.Raw, "hex", fmt.Sprintf("0x%04x", uint16(r.Raw)))
	}
}

func (p *Poller) calibrate(r Reading) Reading {
	if r.Err != nil {
		return r
	}
	switch r.Channel {
	case Moisture:
		r.Value = p.cfg.Moisture.Calibration.Percent(uint16(r.Raw))
	case Temperature:
		r.Value = p.cfg.Temperature.Calibration.Celsius(int16(r.Raw))
	case Illuminance:
		r.Value, r.Err = p.cfg.Illuminance.Calibration.Lux(uint16(r.Raw))
	case Version:
		r.Value = float64(r.Raw)
	}
	return r
}

func (p *Poller) publish(r Reading) {
	if r.Err != nil {
		p.logger.Warnw("channel unavailable", "channel", r.Channel, "error", r.Err)
	}
	for _, pub := range p.pubs {
		pub.Publish(r)
	}
}

// wait blocks for d or until ctx is done. The state is entered once the
// timer is armed.
func (p *Poller) wait(ctx context.Context, d time.Duration, st State) error {
	t := p.clock.Timer(d)
	defer t.Stop()
	p.setState(st)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
}

func hex(v uint8) string {
	return fmt.Sprintf("0x%02x", v)
}
