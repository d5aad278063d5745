package core

import (
	"sync/atomic"

	"blockdev-go/errcode"
)

// Txn is a held device lock. Its operations run without re-locking; after
// Unlock they fail Closed.
type Txn struct {
	h    *Handle
	done atomic.Bool
}

func (t *Txn) check(op string) error {
	if t.done.Load() {
		return errcode.New(errcode.Closed, op, "lock released")
	}
	return nil
}

func (t *Txn) Geometry() Geometry { return t.h.Geometry() }

func (t *Txn) Read(addr uint64, p []byte) error {
	if err := t.check("read"); err != nil {
		return err
	}
	return t.h.read(addr, p)
}

func (t *Txn) Prog(addr uint64, p []byte) error {
	if err := t.check("prog"); err != nil {
		return err
	}
	return t.h.prog(addr, p)
}

func (t *Txn) Erase(addr, size uint64) error {
	if err := t.check("erase"); err != nil {
		return err
	}
	return t.h.erase(addr, size)
}

func (t *Txn) Sync() error {
	if err := t.check("sync"); err != nil {
		return err
	}
	return t.h.sync()
}

// Do is Handle.Do without re-locking.
func (t *Txn) Do(op string, fn func(Geometry) error) error {
	if err := t.check(op); err != nil {
		return err
	}
	return t.h.do(op, fn)
}

// Unlock releases the lock. Extra calls are ignored.
func (t *Txn) Unlock() {
	if t.done.CompareAndSwap(false, true) {
		t.h.release()
	}
}
