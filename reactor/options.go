package reactor

// options holds configuration resolved from a caller's Option list,
// modeled on the teacher package's loopOptions/LoopOption pattern.
type options struct {
	burstCount   int
	logger       Logger
	logLevel     LogLevel
	pokeCallback func()
}

// Option configures a Reactor instance.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// WithBurstCount bounds how many immediate tasks are drained per dispatch
// pass before deferred tasks and cross-thread ingress get a turn, matching
// the original implementation's BURST_COUNT fairness knob.
func WithBurstCount(n int) Option {
	return optionFunc(func(o *options) {
		if n > 0 {
			o.burstCount = n
		}
	})
}

// WithLogger installs a logger scoped to this Reactor instance, taking
// precedence over the package-level global.
func WithLogger(l Logger) Option {
	return optionFunc(func(o *options) { o.logger = l })
}

// WithLogLevel records a minimum log level in the Reactor's options. The
// Reactor does not read it: which entries are logged is decided only by
// the installed Logger's own IsEnabled.
func WithLogLevel(level LogLevel) Option {
	return optionFunc(func(o *options) { o.logLevel = level })
}

// WithPokeCallback registers a callback invoked whenever the reactor has
// work and is not currently being driven, for embedding in an external
// event loop (the "iterate" / external-drive mode).
func WithPokeCallback(fn func()) Option {
	return optionFunc(func(o *options) { o.pokeCallback = fn })
}

const defaultBurstCount = 64

func resolveOptions(opts []Option) *options {
	cfg := &options{
		burstCount: defaultBurstCount,
		logLevel:   LevelInfo,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = getGlobalLogger()
	}
	return cfg
}
