package errcode

import "errors"

// Code is a stable, caller-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Is reports whether c is target or a refinement of it, so that
// errors.Is(Timeout, IOError) holds.
func (c Code) Is(target error) bool {
	t, ok := target.(Code)
	if !ok {
		return false
	}
	for x := c; x != ""; x = parent[x] {
		if x == t {
			return true
		}
	}
	return false
}

// Canonical codes (short, stable).
const (
	OK Code = "ok"

	// Block device contract.
	ConfigInvalid  Code = "config_invalid"
	MediaNotFound  Code = "media_not_found"
	BusInitFailed  Code = "bus_init_failed"
	OutOfRange     Code = "out_of_range"
	NotAligned     Code = "not_aligned"
	WriteProtected Code = "write_protected"
	IOError        Code = "io_error"
	Timeout        Code = "timeout" // bus-level timeout, an io_error
	Closed         Code = "closed"
	Busy           Code = "busy"
	Unsupported    Code = "unsupported"

	// Board resources.
	UnknownBus Code = "unknown_bus"
	BusInUse   Code = "bus_in_use"
	UnknownPin Code = "unknown_pin"
	PinInUse   Code = "pin_in_use"

	Error Code = "error" // generic fallback
)

var parent = map[Code]Code{
	Timeout: IOError,
}

// E keeps context and a cause alongside a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

// New returns an *E with no cause.
func New(c Code, op, msg string) *E { return &E{C: c, Op: op, Msg: msg} }

// Wrap returns an *E carrying err as its cause. A nil err yields nil.
func Wrap(c Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{C: c, Op: op, Err: err}
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is matches a Code against e's own code (and its parents). The cause is
// reached through Unwrap.
func (e *E) Is(target error) bool { return e.C.Is(target) }

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}

// MapDriverErr maps low-level bus errors to a Code. Errors already carrying
// a Code keep it; anything else is an io_error.
func MapDriverErr(err error) Code {
	if err == nil {
		return OK
	}
	if c := Of(err); c != Error {
		return c
	}
	return IOError
}
