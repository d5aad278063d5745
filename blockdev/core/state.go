package core

// State is the lifecycle of a handle.
type State uint8

const (
	Uninitialized State = iota
	Initializing
	Ready
	Busy
	MediaAbsent
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case MediaAbsent:
		return "media_absent"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}
