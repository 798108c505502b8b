package memory

import (
	"math/rand"

	"github.com/samcharles93/offload/internal/logger"
	"github.com/samcharles93/offload/pkg/nn"
	"github.com/samcharles93/offload/pkg/tensor"
)

// DefaultSeed seeds the sampling source when WithRand is not given.
const DefaultSeed = 0x5eed

type options struct {
	fraction      float64
	exclude       []*nn.Module
	excludeParams []*tensor.Param
	rng           *rand.Rand
	verbose       bool
	log           logger.Logger
}

type Option func(*options)

// WithOffloadFraction sets the probability that an eligible layer is managed.
// Layers that lose the draw are moved with the model like unmanaged modules.
func WithOffloadFraction(f float64) Option {
	return func(o *options) { o.fraction = f }
}

// WithExclude marks modules, and everything below them, as unmanaged.
func WithExclude(ms ...*nn.Module) Option {
	return func(o *options) { o.exclude = append(o.exclude, ms...) }
}

// WithExcludeParams marks bare params as unmanaged. They are moved by
// replacing their storage.
func WithExcludeParams(ps ...*tensor.Param) Option {
	return func(o *options) { o.excludeParams = append(o.excludeParams, ps...) }
}

// WithRand sets the source used for partial-offload sampling.
func WithRand(r *rand.Rand) Option {
	return func(o *options) { o.rng = r }
}

// WithVerbose logs attach progress at info level.
func WithVerbose(v bool) Option {
	return func(o *options) { o.verbose = v }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

func newOptions(opts []Option) options {
	o := options{fraction: 1, log: logger.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Discard()
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(DefaultSeed))
	}
	return o
}
