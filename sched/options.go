package sched

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultCoalesce is the default coalescing window, see WithCoalesce.
const DefaultCoalesce = time.Millisecond

// contextOptions holds configuration options for Context creation.
type contextOptions struct {
	logger   *logiface.Logger[logiface.Event]
	name     string
	coalesce time.Duration
}

// Option configures a Context instance.
type Option interface {
	applyContext(*contextOptions) error
}

type optionImpl struct {
	applyContextFunc func(*contextOptions) error
}

func (o *optionImpl) applyContext(opts *contextOptions) error {
	return o.applyContextFunc(opts)
}

// WithLogger configures the logger used for diagnostics. A nil logger
// disables logging, which is the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithName sets the name included in log output.
func WithName(name string) Option {
	return &optionImpl{func(opts *contextOptions) error {
		opts.name = name
		return nil
	}}
}

// WithCoalesce sets how far ahead of their wake time events may be fired,
// allowing near simultaneous events to be handled in one batch. Defaults to
// DefaultCoalesce. Zero disables coalescing.
func WithCoalesce(d time.Duration) Option {
	return &optionImpl{func(opts *contextOptions) error {
		if d < 0 {
			return fmt.Errorf(`sched: negative coalesce window: %s`, d)
		}
		opts.coalesce = d
		return nil
	}}
}

func resolveOptions(opts []Option) (*contextOptions, error) {
	cfg := &contextOptions{
		name:     `sched`,
		coalesce: DefaultCoalesce,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyContext(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
