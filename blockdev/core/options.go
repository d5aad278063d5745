package core

import (
	log "github.com/fclairamb/go-log"
	"github.com/fclairamb/go-log/noop"
)

// Options carries cross-cutting settings passed to every backend's New.
type Options struct {
	Logger log.Logger
}

type Option func(*Options)

// WithLogger injects a structured logger. The default discards everything.
func WithLogger(l log.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// Apply resolves opts over the defaults.
func Apply(opts ...Option) Options {
	o := Options{Logger: noop.NewNoOpLogger()}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
