package sdcard

import (
	"sync/atomic"
	"time"

	"blockdev-go/blockdev/core"
	"blockdev-go/board"
	"blockdev-go/x/timex"
)

// CardEvent reports a debounced change of the card-detect signal.
type CardEvent struct {
	Present bool
	TS      time.Time
}

// detector watches the card-detect pin. Edges (or poll ticks when the pin
// has no IRQ) arm a settle timer; the level is sampled once it fires.
type detector struct {
	h        *core.Handle
	c        *card
	poll     time.Duration
	debounce time.Duration

	// Written by ISR; MUST NOT block the ISR.
	kick   chan struct{}
	events chan CardEvent
	quit   chan struct{}
	done   chan struct{}

	irq     board.IRQPin
	present bool
	drops   uint32
}

func newDetector(h *core.Handle, c *card, poll, debounce time.Duration) *detector {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &detector{
		h:        h,
		c:        c,
		poll:     poll,
		debounce: debounce,
		kick:     make(chan struct{}, 1),
		events:   make(chan CardEvent, 8),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (d *detector) start() {
	d.present = d.c.present()
	if irq, ok := d.c.cd.(board.IRQPin); ok {
		if err := irq.SetIRQ(board.EdgeBoth, d.isr); err != nil {
			d.c.log.Warn("card detect irq unavailable, polling", "err", err)
		} else {
			d.irq = irq
		}
	}
	go d.run()
}

func (d *detector) isr() {
	select {
	case d.kick <- struct{}{}:
	default:
		atomic.AddUint32(&d.drops, 1)
	}
}

func (d *detector) run() {
	defer close(d.done)

	var tick <-chan time.Time
	if d.irq == nil {
		t := time.NewTicker(d.poll)
		defer t.Stop()
		tick = t.C
	}
	settle := timex.NewStoppedTimer()
	defer settle.Stop()
	pending := false

	for {
		select {
		case <-d.quit:
			return
		case <-d.kick:
			timex.ResetTimer(settle, d.debounce)
			pending = true
		case <-tick:
			if !pending && d.c.present() != d.present {
				timex.ResetTimer(settle, d.debounce)
				pending = true
			}
		case <-settle.C:
			pending = false
			d.sample()
		}
	}
}

func (d *detector) sample() {
	now := d.c.present()
	if now == d.present {
		return
	}
	d.present = now
	if now {
		d.h.MediaInserted()
	} else {
		d.h.MediaRemoved()
	}
	select {
	case d.events <- CardEvent{Present: now, TS: time.Now()}:
	default:
		// drop if the consumer is slow
	}
}

func (d *detector) stop() {
	if d.irq != nil {
		_ = d.irq.ClearIRQ()
	}
	close(d.quit)
	<-d.done
}
