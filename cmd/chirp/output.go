package main

import (
	"bufio"
	"encoding/json"
	"io"
	"math"
	"sync"
	"time"

	"github.com/calmh/soilpi"
	"go.uber.org/zap"
)

// jsonOutput writes one JSON object per good reading.
type jsonOutput struct {
	decimals int
	logger   *zap.SugaredLogger

	mut sync.Mutex
	buf *bufio.Writer
	enc *json.Encoder
}

func newJSONOutput(out io.Writer, decimals int, buffer bool, logger *zap.SugaredLogger) *jsonOutput {
	o := &jsonOutput{decimals: decimals, logger: logger}
	if buffer {
		o.buf = bufio.NewWriter(out)
		out = o.buf
	}
	o.enc = json.NewEncoder(out)
	return o
}

func (o *jsonOutput) Publish(r chirp.Reading) {
	if !r.OK() {
		return
	}
	fields := map[string]interface{}{
		"when":   r.Time.Format(time.RFC3339Nano),
		"sensor": r.Sensor,
	}
	fields[r.Channel.String()] = round(r.Value, o.decimals)

	o.mut.Lock()
	defer o.mut.Unlock()
	if err := o.enc.Encode(fields); err != nil {
		o.logger.Warnw("write json", "sensor", r.Sensor, "error", err)
	}
}

func (o *jsonOutput) Flush() error {
	o.mut.Lock()
	defer o.mut.Unlock()
	if o.buf == nil {
		return nil
	}
	return o.buf.Flush()
}

// round returns the half away from zero rounded value of x with prec precision.
//
// Special cases are:
// 	Round(±0) = +0
// 	Round(±Inf) = ±Inf
// 	Round(NaN) = NaN
func round(x float64, prec int) float64 {
	if x == 0 {
		// Make sure zero is returned
		// without the negative bit set.
		return 0
	}
	// Fast path for positive precision on integers.
	if prec >= 0 && x == math.Trunc(x) {
		return x
	}
	pow := math.Pow10(prec)
	intermed := x * pow
	if math.IsInf(intermed, 0) {
		return x
	}
	if x < 0 {
		x = math.Ceil(intermed - 0.5)
	} else {
		x = math.Floor(intermed + 0.5)
	}

	if x == 0 {
		return 0
	}

	return x / pow
}
