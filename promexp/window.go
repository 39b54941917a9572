package promexp

// window keeps the last size values of a channel.
type window struct {
	vals []float64
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{vals: make([]float64, 0, size)}
}

func (w *window) add(v float64) {
	if len(w.vals) < cap(w.vals) {
		w.vals = append(w.vals, v)
		return
	}
	copy(w.vals, w.vals[1:])
	w.vals[len(w.vals)-1] = v
}

func (w *window) mean() float64 {
	if len(w.vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range w.vals {
		sum += v
	}
	return sum / float64(len(w.vals))
}

// deviation returns the spread between the largest and smallest value.
func (w *window) deviation() float64 {
	if len(w.vals) == 0 {
		return 0
	}
	lo, hi := w.vals[0], w.vals[0]
	for _, v := range w.vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return hi - lo
}
