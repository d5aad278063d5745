package blockdev

import (
	"bytes"
	"context"
	"io"

	"blockdev-go/errcode"
	"blockdev-go/x/mathx"
)

// IO exposes a Device as byte-addressed storage (io.ReaderAt and
// io.WriterAt). Unaligned access is widened to the device units under the
// device lock: writes read, patch and program whole units, and on media
// that need erase a block is only erased when a bit has to go from the
// programmed state back to the erased one.
type IO struct {
	dev Device
	buf []byte
}

var (
	_ io.ReaderAt = (*IO)(nil)
	_ io.WriterAt = (*IO)(nil)
)

// NewIO wraps dev.
func NewIO(dev Device) *IO { return &IO{dev: dev} }

// Device returns the wrapped device.
func (d *IO) Device() Device { return d.dev }

// Size is the device capacity in bytes.
func (d *IO) Size() int64 { return int64(d.dev.Geometry().Capacity()) }

// Sync flushes the device.
func (d *IO) Sync() error { return d.dev.Sync() }

func (d *IO) scratch(n uint32) []byte {
	if uint32(cap(d.buf)) < n {
		d.buf = make([]byte, n)
	}
	return d.buf[:n]
}

func (d *IO) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errcode.New(errcode.OutOfRange, "io: read", "negative offset")
	}
	t, err := d.dev.Lock(context.Background())
	if err != nil {
		return 0, err
	}
	defer t.Unlock()

	g := t.Geometry()
	size := int64(g.Capacity())
	if off >= size {
		return 0, io.EOF
	}
	var eof error
	if rem := size - off; int64(len(p)) > rem {
		p, eof = p[:rem], io.EOF
	}
	if err := d.read(t, uint64(off), p, g.ReadSize); err != nil {
		return 0, err
	}
	return len(p), eof
}

// read fills p from addr, bouncing the unaligned head and tail through a
// unit-sized buffer.
func (d *IO) read(t *Txn, addr uint64, p []byte, unit uint32) error {
	u := uint64(unit)
	for len(p) > 0 {
		base := mathx.AlignDown(addr, u)
		if base == addr && uint64(len(p)) >= u {
			n := uint64(len(p)) - uint64(len(p))%u
			if err := t.Read(addr, p[:n]); err != nil {
				return err
			}
			addr += n
			p = p[n:]
			continue
		}
		b := d.scratch(unit)
		if err := t.Read(base, b); err != nil {
			return err
		}
		n := copy(p, b[addr-base:])
		addr += uint64(n)
		p = p[n:]
	}
	return nil
}

func (d *IO) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errcode.New(errcode.OutOfRange, "io: write", "negative offset")
	}
	t, err := d.dev.Lock(context.Background())
	if err != nil {
		return 0, err
	}
	defer t.Unlock()

	g := t.Geometry()
	if err := g.CheckRange("io: write", uint64(off), uint64(len(p))); err != nil {
		return 0, err
	}
	if g.NeedsErase {
		err = d.writeErasable(t, g, uint64(off), p)
	} else {
		err = d.writeInPlace(t, g.ProgSize, uint64(off), p)
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// writeInPlace handles media that overwrite without erase.
func (d *IO) writeInPlace(t *Txn, unit uint32, addr uint64, p []byte) error {
	u := uint64(unit)
	for len(p) > 0 {
		base := mathx.AlignDown(addr, u)
		if base == addr && uint64(len(p)) >= u {
			n := uint64(len(p)) - uint64(len(p))%u
			if err := t.Prog(addr, p[:n]); err != nil {
				return err
			}
			addr += n
			p = p[n:]
			continue
		}
		b := d.scratch(unit)
		if err := t.Read(base, b); err != nil {
			return err
		}
		n := copy(b[addr-base:], p)
		if err := t.Prog(base, b); err != nil {
			return err
		}
		addr += uint64(n)
		p = p[n:]
	}
	return nil
}

// writeErasable updates one erase block at a time.
func (d *IO) writeErasable(t *Txn, g Geometry, addr uint64, p []byte) error {
	bs := uint64(g.BlockSize)
	old := make([]byte, bs)
	for len(p) > 0 {
		base := mathx.AlignDown(addr, bs)
		if err := t.Read(base, old); err != nil {
			return err
		}
		next := d.scratch(g.BlockSize)
		copy(next, old)
		n := copy(next[addr-base:], p)
		addr += uint64(n)
		p = p[n:]

		if bytes.Equal(old, next) {
			continue
		}
		erase := needsErase(old, next)
		if erase {
			if err := t.Erase(base, bs); err != nil {
				return err
			}
		}
		if err := progChanged(t, g, base, old, next, erase); err != nil {
			return err
		}
	}
	return nil
}

// needsErase reports whether programming next over old would have to set
// a cleared bit.
func needsErase(old, next []byte) bool {
	for i := range old {
		if next[i]&^old[i] != 0 {
			return true
		}
	}
	return false
}

// progChanged programs the pages of next that differ from the block's
// current contents (all ErasedValue after an erase).
func progChanged(t *Txn, g Geometry, base uint64, old, next []byte, erased bool) error {
	ps := int(g.ProgSize)
	blank := bytes.Repeat([]byte{g.ErasedValue}, ps)
	for off := 0; off < len(next); off += ps {
		page := next[off : off+ps]
		cur := old[off : off+ps]
		if erased {
			cur = blank
		}
		if bytes.Equal(page, cur) {
			continue
		}
		if err := t.Prog(base+uint64(off), page); err != nil {
			return err
		}
	}
	return nil
}
