package core

import (
	"context"
	"sync"
	"time"

	log "github.com/fclairamb/go-log"

	"blockdev-go/errcode"
)

// Backend is the medium-specific half of a device. Handle serialises every
// call: a Backend never sees concurrent calls and never sees a request that
// failed the range or alignment checks.
type Backend interface {
	// Init probes the medium and reports its geometry.
	Init() (Geometry, error)
	Read(addr uint64, p []byte) error
	Prog(addr uint64, p []byte) error
	Erase(addr, size uint64) error
	Sync() error
	// Shutdown puts the medium in a safe state before the handle's resources
	// are released.
	Shutdown() error
}

// Handle is the lifecycle and locking half of a device.
type Handle struct {
	id          string
	be          Backend
	log         log.Logger
	lockTimeout time.Duration

	// One-slot semaphore; holding the token is holding the device lock.
	sem chan struct{}

	mu         sync.Mutex
	state      State
	geo        Geometry
	autoReinit bool
	onClose    []func()
}

// NewHandle wraps be. lockTimeout bounds how long an implicit lock waits
// before failing Busy; zero waits forever.
func NewHandle(id string, be Backend, lockTimeout time.Duration, o Options) *Handle {
	if o.Logger == nil {
		o = Apply()
	}
	return &Handle{
		id:          id,
		be:          be,
		log:         o.Logger.With("device", id),
		lockTimeout: lockTimeout,
		sem:         make(chan struct{}, 1),
		state:       Uninitialized,
		autoReinit:  true,
	}
}

func (h *Handle) ID() string         { return h.id }
func (h *Handle) Logger() log.Logger { return h.log }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Geometry() Geometry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.geo
}

// SetAutoReinit controls whether an operation on an Uninitialized handle
// (after media reinsertion or a lost card) re-runs initialisation.
func (h *Handle) SetAutoReinit(on bool) {
	h.mu.Lock()
	h.autoReinit = on
	h.mu.Unlock()
}

// OnClose registers fn to run after Shutdown when the handle is destroyed.
// Functions run in reverse registration order.
func (h *Handle) OnClose(fn func()) {
	h.mu.Lock()
	h.onClose = append(h.onClose, fn)
	h.mu.Unlock()
}

// SetGeometry replaces the geometry. Call only while holding the lock
// (inside Do or a Txn).
func (h *Handle) SetGeometry(g Geometry) {
	h.mu.Lock()
	h.geo = g
	h.mu.Unlock()
}

// ---- media presence ----

// MediaRemoved moves a live handle to MediaAbsent.
func (h *Handle) MediaRemoved() {
	h.mu.Lock()
	if h.state != Destroyed && h.state != MediaAbsent {
		h.log.Warn("media removed", "state", h.state.String())
		h.state = MediaAbsent
	}
	h.mu.Unlock()
}

// MediaInserted moves a MediaAbsent handle back to Uninitialized.
func (h *Handle) MediaInserted() {
	h.mu.Lock()
	if h.state == MediaAbsent {
		h.log.Info("media inserted")
		h.state = Uninitialized
	}
	h.mu.Unlock()
}

// ---- lock ----

func (h *Handle) acquire(op string) error {
	if h.State() == Destroyed {
		return errcode.New(errcode.Closed, op, h.id)
	}
	select {
	case h.sem <- struct{}{}:
		return nil
	default:
	}
	if h.lockTimeout <= 0 {
		h.sem <- struct{}{}
		return nil
	}
	t := time.NewTimer(h.lockTimeout)
	defer t.Stop()
	select {
	case h.sem <- struct{}{}:
		return nil
	case <-t.C:
		return errcode.New(errcode.Busy, op, "lock wait exceeded "+h.lockTimeout.String())
	}
}

func (h *Handle) release() { <-h.sem }

// Lock takes the device lock for a sequence of operations. Waiting honours
// ctx; the returned Txn must be unlocked exactly once.
func (h *Handle) Lock(ctx context.Context) (*Txn, error) {
	if h.State() == Destroyed {
		return nil, errcode.New(errcode.Closed, "lock", h.id)
	}
	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, errcode.Wrap(errcode.Busy, "lock", ctx.Err())
	}
	if h.State() == Destroyed {
		h.release()
		return nil, errcode.New(errcode.Closed, "lock", h.id)
	}
	return &Txn{h: h}, nil
}

// ---- lifecycle ----

// Open runs the first initialisation.
func (h *Handle) Open() error {
	if err := h.acquire("init"); err != nil {
		return err
	}
	defer h.release()
	return h.initLocked()
}

// Reinit forces initialisation on an Uninitialized handle (used when
// automatic reinitialisation is off).
func (h *Handle) Reinit() error {
	if err := h.acquire("init"); err != nil {
		return err
	}
	defer h.release()
	switch st := h.State(); st {
	case Destroyed, MediaAbsent:
		return h.stateErr("init", st)
	}
	return h.initLocked()
}

func (h *Handle) initLocked() error {
	h.mu.Lock()
	h.state = Initializing
	h.mu.Unlock()

	geo, err := h.be.Init()
	if err == nil {
		err = geo.Validate()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		err = normalize("init", err)
		if h.state == Initializing {
			h.state = Uninitialized
		}
		h.log.Warn("init failed", "err", err)
		return err
	}
	h.geo = geo
	if h.state == Initializing {
		h.state = Ready
	}
	h.log.Info("ready",
		"capacity", geo.Capacity(),
		"block_size", geo.BlockSize,
		"blocks", geo.BlockCount,
	)
	if h.state != Ready {
		return h.stateErrLocked("init", h.state)
	}
	return nil
}

// Close destroys the handle: the backend is shut down and every resource
// registered with OnClose is released. A second Close fails Closed.
func (h *Handle) Close() error {
	if err := h.acquire("close"); err != nil {
		return err
	}
	defer h.release()

	h.mu.Lock()
	if h.state == Destroyed {
		h.mu.Unlock()
		return errcode.New(errcode.Closed, "close", h.id)
	}
	h.state = Destroyed
	fns := h.onClose
	h.onClose = nil
	h.mu.Unlock()

	err := h.be.Shutdown()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
	h.log.Info("closed")
	return normalize("close", err)
}

// ---- operations ----

func (h *Handle) stateErr(op string, s State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateErrLocked(op, s)
}

func (h *Handle) stateErrLocked(op string, s State) error {
	switch s {
	case Destroyed:
		return errcode.New(errcode.Closed, op, h.id)
	case MediaAbsent:
		return errcode.New(errcode.MediaNotFound, op, "no media in "+h.id)
	case Uninitialized:
		if !h.autoReinit {
			return errcode.New(errcode.MediaNotFound, op, h.id+" not initialised")
		}
	}
	return nil
}

// enter runs with the lock held. It re-initialises an Uninitialized handle
// and marks it Busy.
func (h *Handle) enter(op string) (Geometry, error) {
	h.mu.Lock()
	st := h.state
	if err := h.stateErrLocked(op, st); err != nil {
		h.mu.Unlock()
		return Geometry{}, err
	}
	h.mu.Unlock()

	if st == Uninitialized {
		h.log.Info("reinitialising", "op", op)
		if err := h.initLocked(); err != nil {
			return Geometry{}, err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Ready {
		return Geometry{}, h.stateErrLocked(op, h.state)
	}
	h.state = Busy
	return h.geo, nil
}

func (h *Handle) leave(err error) {
	h.mu.Lock()
	if h.state == Busy {
		h.state = Ready
		if errcode.Of(err) == errcode.MediaNotFound {
			// Card lost without a detect signal; probe again next time.
			h.state = Uninitialized
		}
	}
	h.mu.Unlock()
}

func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	if errcode.Of(err) != errcode.Error {
		return err
	}
	return errcode.Wrap(errcode.IOError, op, err)
}

func (h *Handle) read(addr uint64, p []byte) error {
	geo, err := h.enter("read")
	if err != nil {
		return err
	}
	if err = geo.CheckRead(addr, len(p)); err == nil && len(p) > 0 {
		err = normalize("read", h.be.Read(addr, p))
	}
	h.leave(err)
	if err != nil {
		h.log.Debug("read failed", "addr", addr, "len", len(p), "err", err)
	}
	return err
}

func (h *Handle) prog(addr uint64, p []byte) error {
	geo, err := h.enter("prog")
	if err != nil {
		return err
	}
	if err = geo.CheckProg(addr, len(p)); err == nil && len(p) > 0 {
		err = normalize("prog", h.be.Prog(addr, p))
	}
	h.leave(err)
	if err != nil {
		h.log.Debug("prog failed", "addr", addr, "len", len(p), "err", err)
	}
	return err
}

func (h *Handle) erase(addr, size uint64) error {
	geo, err := h.enter("erase")
	if err != nil {
		return err
	}
	if err = geo.CheckErase(addr, size); err == nil && size > 0 {
		err = normalize("erase", h.be.Erase(addr, size))
	}
	h.leave(err)
	if err != nil {
		h.log.Debug("erase failed", "addr", addr, "size", size, "err", err)
	}
	return err
}

func (h *Handle) sync() error {
	_, err := h.enter("sync")
	if err != nil {
		return err
	}
	err = normalize("sync", h.be.Sync())
	h.leave(err)
	return err
}

func (h *Handle) do(op string, fn func(Geometry) error) error {
	geo, err := h.enter(op)
	if err != nil {
		return err
	}
	err = normalize(op, fn(geo))
	h.leave(err)
	return err
}

// Read fills p from addr. addr and len(p) must be multiples of ReadSize.
func (h *Handle) Read(addr uint64, p []byte) error {
	if err := h.acquire("read"); err != nil {
		return err
	}
	defer h.release()
	return h.read(addr, p)
}

// Prog programs p at addr. addr and len(p) must be multiples of ProgSize.
func (h *Handle) Prog(addr uint64, p []byte) error {
	if err := h.acquire("prog"); err != nil {
		return err
	}
	defer h.release()
	return h.prog(addr, p)
}

// Erase erases [addr, addr+size). Both must be multiples of BlockSize.
func (h *Handle) Erase(addr, size uint64) error {
	if err := h.acquire("erase"); err != nil {
		return err
	}
	defer h.release()
	return h.erase(addr, size)
}

// Sync returns once every previously accepted write is durable.
func (h *Handle) Sync() error {
	if err := h.acquire("sync"); err != nil {
		return err
	}
	defer h.release()
	return h.sync()
}

// Do runs fn under the device lock with the handle marked Busy. Backends use
// it for operations outside the common contract.
func (h *Handle) Do(op string, fn func(Geometry) error) error {
	if err := h.acquire(op); err != nil {
		return err
	}
	defer h.release()
	return h.do(op, fn)
}
