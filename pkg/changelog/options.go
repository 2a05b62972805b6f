package changelog

import (
	"time"

	"go.uber.org/zap"
)

// Option configures an Applier, TableLock, Pipeline or Bootstrap.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	contexts     []string
	owner        string
	pollInterval time.Duration
	staleAfter   time.Duration
	now          func() time.Time
}

func newOptions(opts []Option) options {
	o := options{
		logger:       zap.NewNop(),
		pollInterval: DefaultConfig().PollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the structured logger. A nil logger keeps the no-op default.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithContexts sets the active change-set contexts.
func WithContexts(contexts ...string) Option {
	return func(o *options) { o.contexts = contexts }
}

// WithOwner sets the identity written into the lock record.
func WithOwner(owner string) Option {
	return func(o *options) { o.owner = owner }
}

// WithPollInterval sets the delay between lock acquisition attempts.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithStaleAfter enables breaking locks older than d.
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) { o.staleAfter = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
