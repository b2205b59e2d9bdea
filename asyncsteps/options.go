package asyncsteps

import (
	"github.com/futoin/asyncsteps-go/reactor"
)

// options holds configuration resolved from a caller's Option list,
// following the same functional-option shape as reactor.Option.
type options struct {
	logger        reactor.Logger
	unhandledHook func(err error)
}

// Option configures a root AsyncSteps tree.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// WithLogger installs a logger for engine-level diagnostics (categories
// "cancel" and "unhandled").
func WithLogger(l reactor.Logger) Option {
	return optionFunc(func(o *options) { o.logger = l })
}

// WithUnhandledErrorHook installs a callback invoked when a root
// AsyncSteps tree finishes with an error that no ancestor's error handler
// consumed, matching spec §7's "unhandled error" terminal case.
func WithUnhandledErrorHook(fn func(err error)) Option {
	return optionFunc(func(o *options) { o.unhandledHook = fn })
}

func resolveOptions(opts []Option) *options {
	cfg := &options{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(cfg)
	}
	return cfg
}
