package chirp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type collector struct {
	mut      sync.Mutex
	readings []Reading
}

func (c *collector) Publish(r Reading) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.readings = append(c.readings, r)
}

func (c *collector) all() []Reading {
	c.mut.Lock()
	defer c.mut.Unlock()
	return append([]Reading(nil), c.readings...)
}

func (c *collector) len() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.readings)
}

type pollerTest struct {
	dev   *fakeChirp
	mock  *clock.Mock
	pub   *collector
	p     *Poller
	chirp *Chirp
}

func newPollerTest(t *testing.T, cfg Config) *pollerTest {
	pt := &pollerTest{
		dev:  newFakeChirp(),
		mock: clock.NewMock(),
		pub:  &collector{},
	}
	pt.chirp = New(pt.dev.conn())
	pt.p = NewPoller(pt.chirp, cfg,
		WithClock(pt.mock),
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithPublisher(pt.pub),
	)
	return pt
}

type cycleResult struct {
	cyc Cycle
	err error
}

func (pt *pollerTest) start(ctx context.Context) <-chan cycleResult {
	res := make(chan cycleResult, 1)
	go func() {
		cyc, err := pt.p.Cycle(ctx)
		res <- cycleResult{cyc, err}
	}()
	return res
}

func (pt *pollerTest) waitState(t *testing.T, st State) {
	require.Eventually(t, func() bool { return pt.p.State() == st }, time.Second, time.Millisecond)
}

func receive(t *testing.T, res <-chan cycleResult) cycleResult {
	select {
	case r := <-res:
		return r
	case <-time.After(time.Second):
		t.Fatal("cycle did not complete")
		return cycleResult{}
	}
}

func assertPending(t *testing.T, res <-chan cycleResult) {
	select {
	case <-res:
		t.Fatal("cycle completed early")
	case <-time.After(20 * time.Millisecond):
	}
}

func temperatureOnly() Config {
	cfg := DefaultConfig()
	cfg.Moisture, cfg.Illuminance, cfg.Version = nil, nil, nil
	cfg.Temperature = &TemperatureConfig{Calibration: DefaultTemperatureCalibration}
	return cfg
}

// settle lets a cycle that is waiting for a temperature conversion
// complete.
func (pt *pollerTest) settle(t *testing.T) {
	pt.waitState(t, StateSettling)
	pt.mock.Add(TemperatureDelay)
}

func (pt *pollerTest) setup(t *testing.T) error {
	res := make(chan error, 1)
	go func() { res <- pt.p.Setup(context.Background()) }()

	pt.waitState(t, StateStarting)
	pt.mock.Add(ResetDelay)
	select {
	case err := <-res:
		return err
	case <-time.After(time.Second):
		t.Fatal("setup did not complete")
		return nil
	}
}

func TestCycleAllChannels(t *testing.T) {
	pt := newPollerTest(t, DefaultConfig())

	res := pt.start(context.Background())
	pt.waitState(t, StateSettling)
	assertPending(t, res)
	assert.Empty(t, pt.pub.all())

	pt.mock.Add(LightDelay)
	r := receive(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, StateIdle, pt.p.State())

	cyc := r.cyc
	assert.Equal(t, uint64(1), cyc.Seq)
	assert.False(t, cyc.Failed())
	require.Len(t, cyc.Readings, 3)

	moisture, ok := cyc.Value(Moisture)
	assert.True(t, ok)
	assert.InDelta(t, 50, moisture, 1e-9)

	temp, ok := cyc.Value(Temperature)
	assert.True(t, ok)
	assert.Equal(t, 23.5, temp)

	lux, ok := cyc.Value(Illuminance)
	assert.True(t, ok)
	assert.InDelta(t, 2.642, lux, 0.001)

	// The version is read at setup only.
	_, ok = cyc.Reading(Version)
	assert.False(t, ok)

	published := pt.pub.all()
	assert.Equal(t, cyc.Readings, published)
	for _, r := range published {
		assert.Equal(t, DefaultName, r.Sensor)
		assert.Equal(t, uint8(0x20), r.Address)
	}

	assert.Equal(t, []tx{
		{addr: 0x20, op: "read", reg: chirpBusyReg},
		{addr: 0x20, op: "read", reg: chirpCapacitanceReg},
		{addr: 0x20, op: "cmd", reg: chirpMeasureLightCmd},
		{addr: 0x20, op: "read", reg: chirpCapacitanceReg},
		{addr: 0x20, op: "read", reg: chirpTemperatureReg},
		{addr: 0x20, op: "read", reg: chirpLightReg},
	}, pt.dev.transactions())
}

func TestCyclePartialFailure(t *testing.T) {
	pt := newPollerTest(t, DefaultConfig())
	pt.dev.failReg(chirpTemperatureReg, errNack)

	res := pt.start(context.Background())
	pt.waitState(t, StateSettling)
	pt.mock.Add(LightDelay)
	r := receive(t, res)
	require.NoError(t, r.err)

	temp, ok := r.cyc.Reading(Temperature)
	require.True(t, ok)
	assert.False(t, temp.OK())
	assert.True(t, errors.Is(temp.Err, errNack))

	for _, ch := range []Channel{Moisture, Illuminance} {
		_, ok := r.cyc.Value(ch)
		assert.True(t, ok, ch.String())
	}
	assert.Len(t, pt.pub.all(), 3)
	assert.False(t, r.cyc.Failed())
	assert.Equal(t, int64(0), pt.p.Failures())
}

func TestCycleTemperatureOnly(t *testing.T) {
	cfg := temperatureOnly()
	cfg.Temperature = &TemperatureConfig{Calibration: TemperatureCalibration{Offset: -20}}
	pt := newPollerTest(t, cfg)

	res := pt.start(context.Background())
	pt.waitState(t, StateSettling)
	pt.mock.Add(TemperatureDelay - time.Millisecond)
	assertPending(t, res)

	pt.mock.Add(time.Millisecond)
	r := receive(t, res)
	require.NoError(t, r.err)
	require.Len(t, r.cyc.Readings, 1)
	assert.Equal(t, 21.5, r.cyc.Readings[0].Value)

	// No light trigger and no light read.
	assert.Zero(t, pt.dev.count("cmd", chirpMeasureLightCmd))
	assert.Zero(t, pt.dev.count("read", chirpLightReg))
}

func TestCycleBusy(t *testing.T) {
	pt := newPollerTest(t, DefaultConfig())
	pt.dev.set(chirpBusyReg, 1)

	_, err := pt.p.Cycle(context.Background())
	assert.True(t, errors.Is(err, ErrBusy))
	assert.Empty(t, pt.pub.all())
	assert.Equal(t, []tx{{addr: 0x20, op: "read", reg: chirpBusyReg}}, pt.dev.transactions())
	assert.Equal(t, StateIdle, pt.p.State())
}

func TestCycleBusyReadError(t *testing.T) {
	pt := newPollerTest(t, DefaultConfig())
	pt.dev.failReg(chirpBusyReg, errNack)

	cyc, err := pt.p.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cyc.Seq)
	assert.True(t, cyc.Failed())
	require.Len(t, cyc.Readings, 3)
	for _, r := range cyc.Readings {
		var be *BusError
		assert.True(t, errors.As(r.Err, &be), r.Channel.String())
		assert.True(t, errors.Is(r.Err, errNack), r.Channel.String())
	}
	assert.Len(t, pt.pub.all(), 3)
	assert.Equal(t, int64(1), pt.p.Failures())

	// Nothing is triggered or read on a sensor that may be mid-conversion.
	assert.Equal(t, []tx{{addr: 0x20, op: "read", reg: chirpBusyReg}}, pt.dev.transactions())
	assert.Equal(t, StateIdle, pt.p.State())
}

func TestCycleCancelWhileSettling(t *testing.T) {
	pt := newPollerTest(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	res := pt.start(ctx)
	pt.waitState(t, StateSettling)
	cancel()

	r := receive(t, res)
	assert.True(t, errors.Is(r.err, context.Canceled))
	assert.Empty(t, pt.pub.all())
	assert.Zero(t, pt.dev.count("read", chirpTemperatureReg))
	assert.Equal(t, StateIdle, pt.p.State())
}

func TestCycleNoLight(t *testing.T) {
	pt := newPollerTest(t, DefaultConfig())
	pt.dev.set(chirpLightReg, 0)

	res := pt.start(context.Background())
	pt.waitState(t, StateSettling)
	pt.mock.Add(LightDelay)
	r := receive(t, res)
	require.NoError(t, r.err)

	light, ok := r.cyc.Reading(Illuminance)
	require.True(t, ok)
	assert.True(t, errors.Is(light.Err, ErrNoLight))
	_, ok = r.cyc.Value(Illuminance)
	assert.False(t, ok)

	_, ok = r.cyc.Value(Moisture)
	assert.True(t, ok)
}

func TestCycleFailures(t *testing.T) {
	pt := newPollerTest(t, temperatureOnly())
	pt.dev.move(0x30)

	for i := 1; i <= lossThreshold+1; i++ {
		cyc, err := pt.p.Cycle(context.Background())
		require.NoError(t, err)
		assert.True(t, cyc.Failed())
		assert.Equal(t, int64(i), pt.p.Failures())
	}
	assert.Equal(t, lossThreshold+1, pt.pub.len())

	pt.dev.move(0x20)
	res := pt.start(context.Background())
	pt.settle(t)
	r := receive(t, res)
	require.NoError(t, r.err)
	cyc := r.cyc
	assert.False(t, cyc.Failed())
	assert.Equal(t, int64(0), pt.p.Failures())
	assert.Equal(t, uint64(lossThreshold+2), cyc.Seq)
}

func TestCycleSleep(t *testing.T) {
	cfg := temperatureOnly()
	cfg.Sleep = true
	pt := newPollerTest(t, cfg)

	res := pt.start(context.Background())
	pt.settle(t)
	require.NoError(t, receive(t, res).err)
	assert.Equal(t, 1, pt.dev.count("cmd", chirpSleepCmd))

	// An unreachable sensor is not sent to sleep.
	pt.dev.move(0x30)
	_, err := pt.p.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pt.dev.count("cmd", chirpSleepCmd))
}

func TestSetup(t *testing.T) {
	pt := newPollerTest(t, DefaultConfig())
	require.NoError(t, pt.setup(t))

	assert.Equal(t, 1, pt.dev.count("cmd", chirpResetCmd))
	assert.Zero(t, pt.dev.count("write", chirpSetAddressReg))

	published := pt.pub.all()
	require.Len(t, published, 1)
	assert.Equal(t, Version, published[0].Channel)
	assert.Equal(t, float64(0x26), published[0].Value)
	assert.Equal(t, StateIdle, pt.p.State())
}

func TestSetupAddressChange(t *testing.T) {
	cfg := DefaultConfig()
	addr := 0x21
	cfg.Version.Address = &addr
	pt := newPollerTest(t, cfg)
	require.NoError(t, pt.setup(t))

	assert.Equal(t, uint8(0x21), pt.chirp.Addr())
	assert.Equal(t, 2, pt.dev.count("write", chirpSetAddressReg))
	assert.Equal(t, 1, pt.dev.count("cmd", chirpResetCmd))

	published := pt.pub.all()
	require.Len(t, published, 1)
	assert.Equal(t, uint8(0x21), published[0].Address)
}

func TestSetupAlreadyMoved(t *testing.T) {
	// A restart after an address change still has the old address
	// configured.
	cfg := DefaultConfig()
	addr := 0x21
	cfg.Version.Address = &addr
	pt := newPollerTest(t, cfg)
	pt.dev.move(0x21)

	require.NoError(t, pt.setup(t))
	assert.Equal(t, uint8(0x21), pt.chirp.Addr())
	assert.Zero(t, pt.dev.count("write", chirpSetAddressReg))
	assert.Equal(t, 1, pt.dev.count("cmd", chirpResetCmd))

	published := pt.pub.all()
	require.Len(t, published, 1)
	assert.Equal(t, uint8(0x21), published[0].Address)
}

func TestSetupNoVersion(t *testing.T) {
	pt := newPollerTest(t, DefaultConfig())
	pt.dev.set(chirpVersionReg, 0)

	err := pt.setup(t)
	assert.True(t, errors.Is(err, ErrNoVersion))
	assert.Empty(t, pt.pub.all())
}

func TestSetupUnreachable(t *testing.T) {
	pt := newPollerTest(t, DefaultConfig())
	pt.dev.move(0x30)

	err := pt.p.Setup(context.Background())
	var be *BusError
	assert.True(t, errors.As(err, &be))
}

func TestSetupUnreachableAtEitherAddress(t *testing.T) {
	cfg := DefaultConfig()
	addr := 0x21
	cfg.Version.Address = &addr
	pt := newPollerTest(t, cfg)
	pt.dev.move(0x30)

	err := pt.p.Setup(context.Background())
	assert.True(t, errors.Is(err, errNack))
	assert.Equal(t, uint8(0x20), pt.chirp.Addr())
	assert.Equal(t, []tx{
		{addr: 0x20, op: "read", reg: chirpGetAddressReg},
		{addr: 0x21, op: "read", reg: chirpGetAddressReg},
	}, pt.dev.transactions())
}

func TestServeSetupFailureIsolated(t *testing.T) {
	mock := clock.NewMock()
	newPoller := func(dev *fakeChirp, pub Publisher) *Poller {
		return NewPoller(New(dev.conn()), temperatureOnly(),
			WithClock(mock),
			WithLogger(zaptest.NewLogger(t).Sugar()),
			WithPublisher(pub),
		)
	}
	badDev, goodDev := newFakeChirp(), newFakeChirp()
	badDev.move(0x30)
	badPub, goodPub := &collector{}, &collector{}
	bad, good := newPoller(badDev, badPub), newPoller(goodDev, goodPub)

	ctx, cancel := context.WithCancel(context.Background())
	badRes, goodRes := make(chan error, 1), make(chan error, 1)
	go func() { badRes <- bad.Serve(ctx) }()
	go func() { goodRes <- good.Serve(ctx) }()

	require.Eventually(t, func() bool { return bad.State() == StateFailed }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return good.State() == StateStarting }, time.Second, time.Millisecond)
	assert.True(t, bad.SetupFailed())

	mock.Add(ResetDelay)
	require.Eventually(t, func() bool { return good.State() == StateSettling }, time.Second, time.Millisecond)
	mock.Add(TemperatureDelay)
	require.Eventually(t, func() bool { return goodPub.len() == 1 }, time.Second, time.Millisecond)

	assert.False(t, good.SetupFailed())
	assert.True(t, bad.SetupFailed())
	assert.Zero(t, badPub.len())

	cancel()
	for _, res := range []chan error{badRes, goodRes} {
		select {
		case err := <-res:
			assert.True(t, errors.Is(err, context.Canceled))
		case <-time.After(time.Second):
			t.Fatal("serve did not return")
		}
	}
}

func TestServeRetriesSetup(t *testing.T) {
	pt := newPollerTest(t, temperatureOnly())
	pt.dev.move(0x30)
	ctx, cancel := context.WithCancel(context.Background())

	res := make(chan error, 1)
	go func() { res <- pt.p.Serve(ctx) }()

	pt.waitState(t, StateFailed)
	assert.True(t, pt.p.SetupFailed())

	pt.dev.move(0x20)
	pt.mock.Add(DefaultUpdateInterval)
	pt.waitState(t, StateStarting)
	pt.mock.Add(ResetDelay)
	pt.settle(t)
	require.Eventually(t, func() bool { return pt.pub.len() == 1 }, time.Second, time.Millisecond)
	assert.False(t, pt.p.SetupFailed())

	cancel()
	select {
	case err := <-res:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("serve did not return")
	}
}

func TestRun(t *testing.T) {
	pt := newPollerTest(t, temperatureOnly())
	ctx, cancel := context.WithCancel(context.Background())

	res := make(chan error, 1)
	go func() { res <- pt.p.Run(ctx) }()

	pt.settle(t)
	require.Eventually(t, func() bool { return pt.pub.len() == 1 }, time.Second, time.Millisecond)
	pt.mock.Add(DefaultUpdateInterval)
	pt.settle(t)
	require.Eventually(t, func() bool { return pt.pub.len() == 2 }, time.Second, time.Millisecond)

	// A busy sensor skips the cycle without stopping the loop.
	pt.dev.set(chirpBusyReg, 1)
	pt.mock.Add(DefaultUpdateInterval)
	require.Eventually(t, func() bool { return pt.dev.count("read", chirpBusyReg) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, pt.pub.len())

	pt.dev.set(chirpBusyReg, 0)
	pt.mock.Add(DefaultUpdateInterval)
	pt.settle(t)
	require.Eventually(t, func() bool { return pt.pub.len() == 3 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-res:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
}
