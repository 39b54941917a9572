package chirp

import (
	"errors"
	"sync"
)

var errNack = errors.New("nack")

type tx struct {
	addr uint8
	op   string
	reg  uint8
}

// fakeChirp models the sensor's register file. A new address written to
// the set address register takes effect on reset, as on the real device.
type fakeChirp struct {
	mut     sync.Mutex
	addr    uint8
	pending uint8
	regs    map[uint8]uint16
	fail    map[uint8]error
	txs     []tx
}

func newFakeChirp() *fakeChirp {
	return &fakeChirp{
		addr: DefaultAddress,
		regs: map[uint8]uint16{
			chirpCapacitanceReg: 420,
			chirpTemperatureReg: 235,
			chirpLightReg:       1000,
			chirpVersionReg:     0x26,
			chirpBusyReg:        0,
		},
		fail: make(map[uint8]error),
	}
}

func (d *fakeChirp) conn() *fakeConn {
	return &fakeConn{dev: d, addr: d.addr}
}

func (d *fakeChirp) set(reg uint8, val uint16) {
	d.mut.Lock()
	defer d.mut.Unlock()
	d.regs[reg] = val
}

func (d *fakeChirp) failReg(reg uint8, err error) {
	d.mut.Lock()
	defer d.mut.Unlock()
	d.fail[reg] = err
}

func (d *fakeChirp) transactions() []tx {
	d.mut.Lock()
	defer d.mut.Unlock()
	return append([]tx(nil), d.txs...)
}

func (d *fakeChirp) count(op string, reg uint8) int {
	n := 0
	for _, t := range d.transactions() {
		if t.op == op && t.reg == reg {
			n++
		}
	}
	return n
}

func (d *fakeChirp) begin(addr uint8, op string, reg uint8) error {
	d.txs = append(d.txs, tx{addr: addr, op: op, reg: reg})
	if addr != d.addr {
		return errNack
	}
	return d.fail[reg]
}

type fakeConn struct {
	dev  *fakeChirp
	addr uint8
}

func (c *fakeConn) Address() uint8 {
	return c.addr
}

func (c *fakeConn) SetAddress(addr uint8) {
	c.addr = addr
}

func (c *fakeConn) WriteCommand(cmd uint8) error {
	d := c.dev
	d.mut.Lock()
	defer d.mut.Unlock()

	if err := d.begin(c.addr, "cmd", cmd); err != nil {
		return err
	}
	if cmd == chirpResetCmd && d.pending != 0 {
		d.addr, d.pending = d.pending, 0
	}
	return nil
}

func (c *fakeConn) WriteRegister(reg, val uint8) error {
	d := c.dev
	d.mut.Lock()
	defer d.mut.Unlock()

	if err := d.begin(c.addr, "write", reg); err != nil {
		return err
	}
	if reg == chirpSetAddressReg {
		d.pending = val
	}
	return nil
}

func (c *fakeConn) ReadRegister(reg uint8, n int) ([]byte, error) {
	d := c.dev
	d.mut.Lock()
	defer d.mut.Unlock()

	if err := d.begin(c.addr, "read", reg); err != nil {
		return nil, err
	}
	val := d.regs[reg]
	if reg == chirpGetAddressReg {
		val = uint16(d.addr)
	}
	if n == 1 {
		return []byte{byte(val)}, nil
	}
	return []byte{byte(val >> 8), byte(val)}, nil
}

// move readdresses the device behind the driver's back.
func (d *fakeChirp) move(addr uint8) {
	d.mut.Lock()
	defer d.mut.Unlock()
	d.addr = addr
}
