package sim

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"blockdev-go/drivers/spiflash"
)

// NORFlashOptions shape the simulated chip.
type NORFlashOptions struct {
	JEDECID  uint32
	Capacity uint32 // bytes, a multiple of 64 KiB
	Quad     bool   // 1-1-4 read with a QE bit in status register 2
	NoSFDP   bool
	// BusyPolls is how many status reads report WIP after a program, erase
	// or status write.
	BusyPolls int
}

// NORFlash is a simulated serial NOR chip behind a plain SPI bus. It
// implements drivers.SPI; chip select comes from CSPin. Commands that
// change the array run when CS rises, as on real parts.
type NORFlash struct {
	mu    sync.Mutex
	opts  NORFlashOptions
	media afero.File
	sfdp  []byte

	freq uint32
	mode uint8

	present   bool
	selected  bool
	in        []byte
	out       int
	sr1, sr2  byte
	addr4     bool
	powerDown bool
	resetArm  bool
	busy      int
	hang      bool

	faults map[byte]error
	counts map[byte]int
}

// NewNORFlash creates (or reuses) an image at path. A new image reads as
// erased.
func NewNORFlash(fs afero.Fs, path string, opts NORFlashOptions) (*NORFlash, error) {
	if opts.Capacity == 0 || opts.Capacity%spiflash.BlockSize != 0 {
		return nil, errors.Errorf("sim: flash capacity %d is not a multiple of 64 KiB", opts.Capacity)
	}
	if opts.JEDECID == 0 {
		return nil, errors.New("sim: flash needs a JEDEC ID")
	}
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "sim: open image %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "sim: stat image")
	}
	if st.Size() < int64(opts.Capacity) {
		if err := fill(f, st.Size(), int64(opts.Capacity), 0xFF); err != nil {
			f.Close()
			return nil, err
		}
	}
	n := &NORFlash{
		opts:    opts,
		media:   f,
		present: true,
		faults:  map[byte]error{},
		counts:  map[byte]int{},
	}
	if !opts.NoSFDP {
		n.sfdp = buildSFDP(opts)
	}
	return n, nil
}

func fill(f afero.File, from, to int64, v byte) error {
	chunk := make([]byte, spiflash.SectorSize)
	for i := range chunk {
		chunk[i] = v
	}
	for off := from; off < to; {
		n := int64(len(chunk))
		if to-off < n {
			n = to - off
		}
		if _, err := f.WriteAt(chunk[:n], off); err != nil {
			return errors.Wrap(err, "sim: fill image")
		}
		off += n
	}
	return nil
}

// Close releases the image file.
func (n *NORFlash) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.media.Close()
}

// CSPin returns a chip-select GPIO wired to this chip. Driving it low
// starts a transaction, driving it high ends one.
func (n *NORFlash) CSPin(num int) *Pin {
	p := NewPin(num)
	p.Drive(true)
	p.setHook(func(level bool) {
		if level {
			n.deselect()
		} else {
			n.selectChip()
		}
	})
	return p
}

// SetPresent unplugs or replugs the chip; an absent chip floats the bus.
func (n *NORFlash) SetPresent(on bool) {
	n.mu.Lock()
	n.present = on
	n.mu.Unlock()
}

// Hang keeps WIP set until cleared.
func (n *NORFlash) Hang(on bool) {
	n.mu.Lock()
	n.hang = on
	n.mu.Unlock()
}

// Fail makes the next transfer of a transaction starting with op fail.
func (n *NORFlash) Fail(op byte, err error) {
	n.mu.Lock()
	n.faults[op] = err
	n.mu.Unlock()
}

// Count reports how many transactions started with op.
func (n *NORFlash) Count(op byte) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[op]
}

// Frequency returns the clock of the last ConfigureSPI call.
func (n *NORFlash) Frequency() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.freq
}

// Status returns status registers 1 and 2.
func (n *NORFlash) Status() (byte, byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sr1, n.sr2
}

// FourByte reports whether the chip is in 4-byte address mode.
func (n *NORFlash) FourByte() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr4
}

// PoweredDown reports deep power-down.
func (n *NORFlash) PoweredDown() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.powerDown
}

// ConfigureSPI records the bus settings.
func (n *NORFlash) ConfigureSPI(frequencyHz uint32, mode uint8) error {
	if mode != 0 && mode != 3 {
		return errors.Errorf("sim: SPI mode %d not supported by the flash", mode)
	}
	n.mu.Lock()
	n.freq, n.mode = frequencyHz, mode
	n.mu.Unlock()
	return nil
}

func (n *NORFlash) selectChip() {
	n.mu.Lock()
	n.selected = true
	n.in = n.in[:0]
	n.out = 0
	n.mu.Unlock()
}

func (n *NORFlash) deselect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.selected {
		return
	}
	n.selected = false
	if len(n.in) > 0 && n.present {
		n.execute()
	}
	n.in = n.in[:0]
}

// Tx shifts w into the chip and fills r from its output.
func (n *NORFlash) Tx(w, r []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.selected {
		return errors.New("sim: transfer without chip select")
	}
	fresh := len(n.in) == 0 && len(w) > 0
	n.in = append(n.in, w...)
	if fresh {
		op := n.in[0]
		n.counts[op]++
		if err, ok := n.faults[op]; ok {
			delete(n.faults, op)
			return err
		}
	}
	if len(r) > 0 {
		n.respond(r)
	}
	return nil
}

func (n *NORFlash) Transfer(b byte) (byte, error) {
	var r [1]byte
	if err := n.Tx([]byte{b}, nil); err != nil {
		return 0, err
	}
	n.mu.Lock()
	n.respond(r[:])
	n.mu.Unlock()
	return r[0], nil
}

func (n *NORFlash) addrLen() int {
	if n.addr4 {
		return 4
	}
	return 3
}

// address decodes the address following the opcode.
func (n *NORFlash) address() (uint32, bool) {
	k := n.addrLen()
	if len(n.in) < 1+k {
		return 0, false
	}
	var a uint32
	for _, b := range n.in[1 : 1+k] {
		a = a<<8 | uint32(b)
	}
	return a % n.opts.Capacity, true
}

func (n *NORFlash) respond(r []byte) {
	for i := range r {
		r[i] = 0xFF
	}
	if !n.present || len(n.in) == 0 {
		return
	}
	op := n.in[0]
	if n.powerDown && op != 0xAB {
		return
	}
	switch op {
	case 0x9F:
		id := [3]byte{byte(n.opts.JEDECID >> 16), byte(n.opts.JEDECID >> 8), byte(n.opts.JEDECID)}
		for i := range r {
			r[i] = id[(n.out+i)%3]
		}
	case 0x05:
		for i := range r {
			r[i] = n.status1()
		}
	case 0x35:
		for i := range r {
			r[i] = n.sr2
		}
	case 0x5A:
		if len(n.in) < 5 || n.sfdp == nil {
			return
		}
		off := int(n.in[1])<<16 | int(n.in[2])<<8 | int(n.in[3])
		for i := range r {
			if p := off + n.out + i; p < len(n.sfdp) {
				r[i] = n.sfdp[p]
			}
		}
	case 0x03, 0x0B, 0x3B, 0x6B:
		dummy := 0
		if op != 0x03 {
			dummy = 1
		}
		if op == 0x6B && n.sr2&0x02 == 0 {
			return
		}
		a, ok := n.address()
		if !ok || len(n.in) < 1+n.addrLen()+dummy {
			return
		}
		n.readArray(a+uint32(n.out), r)
	}
	n.out += len(r)
}

// status1 reports WIP while an operation is in flight; each poll advances it.
func (n *NORFlash) status1() byte {
	if n.hang {
		return n.sr1 | 0x01
	}
	if n.busy > 0 {
		n.busy--
		return n.sr1 | 0x01
	}
	return n.sr1 &^ 0x01
}

func (n *NORFlash) readArray(a uint32, r []byte) {
	for len(r) > 0 {
		a %= n.opts.Capacity
		k := n.opts.Capacity - a
		if k > uint32(len(r)) {
			k = uint32(len(r))
		}
		if _, err := n.media.ReadAt(r[:k], int64(a)); err != nil && err != io.EOF {
			return
		}
		a += k
		r = r[k:]
	}
}

func (n *NORFlash) writable() bool {
	return n.sr1&0x02 != 0 && n.busy == 0 && !n.hang
}

// execute runs the command held in n.in; called with the lock held on CS
// rising.
func (n *NORFlash) execute() {
	op := n.in[0]
	if n.powerDown {
		if op == 0xAB {
			n.powerDown = false
		}
		return
	}
	if n.resetArm && op != 0x99 {
		n.resetArm = false
	}
	switch op {
	case 0x06:
		n.sr1 |= 0x02
	case 0x04:
		n.sr1 &^= 0x02
	case 0x66:
		n.resetArm = true
	case 0x99:
		if n.resetArm {
			n.resetArm = false
			n.sr1 &^= 0x03
			n.addr4 = false
			n.busy = 0
		}
	case 0xB9:
		n.powerDown = true
	case 0xB7:
		n.addr4 = true
	case 0xE9:
		n.addr4 = false
	case 0x01:
		if n.writable() && len(n.in) >= 2 {
			n.sr1 = n.in[1]&^0x03 | 0x02
			if len(n.in) >= 3 {
				n.sr2 = n.in[2]
			}
		}
		n.done()
	case 0x31:
		if n.writable() && len(n.in) >= 2 {
			n.sr2 = n.in[1]
		}
		n.done()
	case 0x02:
		a, ok := n.address()
		if ok && n.writable() && !n.protected() {
			n.program(a, n.in[1+n.addrLen():])
		}
		n.done()
	case 0x20, 0x52, 0xD8:
		unit := map[byte]uint32{0x20: spiflash.SectorSize, 0x52: 32 << 10, 0xD8: spiflash.BlockSize}[op]
		a, ok := n.address()
		if ok && n.writable() && !n.protected() {
			n.eraseRange(a&^(unit-1), unit)
		}
		n.done()
	case 0xC7, 0x60:
		if n.writable() && !n.protected() {
			n.eraseRange(0, n.opts.Capacity)
		}
		n.done()
	}
}

func (n *NORFlash) protected() bool { return n.sr1&0x1C != 0 }

// done clears WEL and starts the busy countdown.
func (n *NORFlash) done() {
	if n.sr1&0x02 != 0 {
		n.busy = n.opts.BusyPolls
	}
	n.sr1 &^= 0x02
}

// program ANDs data into the page holding a, wrapping at the page end.
func (n *NORFlash) program(a uint32, data []byte) {
	if len(data) > spiflash.PageSize {
		data = data[len(data)-spiflash.PageSize:]
	}
	base := a &^ (spiflash.PageSize - 1)
	var page [spiflash.PageSize]byte
	if _, err := n.media.ReadAt(page[:], int64(base)); err != nil && err != io.EOF {
		return
	}
	off := a - base
	for _, b := range data {
		page[off] &= b
		off = (off + 1) % spiflash.PageSize
	}
	_, _ = n.media.WriteAt(page[:], int64(base))
}

func (n *NORFlash) eraseRange(a, size uint32) {
	_ = fill(n.media, int64(a), int64(a)+int64(size), 0xFF)
}

// QSPI wraps the chip as a quad-capable controller that frames its own
// transactions.
type QSPI struct {
	chip *NORFlash
	cs   *Pin
	cfg  spiflash.BusConfig
}

var _ spiflash.Transport = (*QSPI)(nil)

// NewQSPI builds a quad controller around n.
func NewQSPI(n *NORFlash) *QSPI { return &QSPI{chip: n, cs: n.CSPin(-1)} }

// Config returns the last applied bus configuration.
func (q *QSPI) Config() spiflash.BusConfig { return q.cfg }

func (q *QSPI) Configure(cfg spiflash.BusConfig) error {
	if err := q.chip.ConfigureSPI(cfg.FrequencyHz, cfg.Mode); err != nil {
		return err
	}
	q.cfg = cfg
	return nil
}

func (q *QSPI) MaxLines() int { return 4 }

func (q *QSPI) Transact(lines int, w, r []byte) error {
	if lines > q.cfg.Lines {
		return errors.Errorf("sim: %d-line read with %d lines wired", lines, q.cfg.Lines)
	}
	q.cs.Set(false)
	defer q.cs.Set(true)
	if err := q.chip.Tx(w, nil); err != nil {
		return err
	}
	if len(r) > 0 {
		return q.chip.Tx(nil, r)
	}
	return nil
}

// buildSFDP lays out an SFDP header, one parameter header and a basic
// parameter table of 11 DWORDs at offset 0x30.
func buildSFDP(o NORFlashOptions) []byte {
	const ptr = 0x30
	t := make([]byte, ptr+11*4)
	copy(t, "SFDP")
	t[4], t[5], t[6], t[7] = 0x06, 0x01, 0x00, 0xFF
	// Parameter header: ID LSB, minor, major, length, pointer, ID MSB.
	t[8], t[9], t[10], t[11] = 0x00, 0x06, 0x01, 11
	t[12], t[13], t[14], t[15] = ptr, 0, 0, 0xFF

	dw := make([]uint32, 11)
	dw[0] = 0x01 | 0x20<<8 | 1<<16
	if o.Quad {
		dw[0] |= 1 << 22
	}
	if o.Capacity > 16<<20 {
		dw[0] |= 1 << 17
	}
	dw[1] = o.Capacity*8 - 1
	dw[7] = 12 | 0x20<<8 | (15|0x52<<8)<<16
	dw[8] = 16 | 0xD8<<8
	dw[10] = 8 << 4
	for i, v := range dw {
		binary.LittleEndian.PutUint32(t[ptr+i*4:], v)
	}
	return t
}
