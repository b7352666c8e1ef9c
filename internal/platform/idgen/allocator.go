// Package idgen allocates patient identifiers. A Generator backed by a shared
// sequence is tried first; when it is absent or fails, the Allocator falls
// back to a random token so identity creation never blocks on allocation.
package idgen

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/platform/metrics"
)

const (
	DefaultPrefix  = "EMR-"
	fallbackLength = 12
)

// Generator produces the next identifier for an identifier type.
type Generator interface {
	Next(ctx context.Context, typeHint string) (string, error)
}

// Allocator hands out identifiers and never fails.
type Allocator struct {
	gen    Generator
	prefix string
	logger zerolog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

func WithPrefix(prefix string) Option {
	return func(a *Allocator) {
		a.prefix = prefix
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Allocator) {
		a.logger = logger
	}
}

// NewAllocator builds an Allocator. gen may be nil, in which case every
// identifier comes from the fallback.
func NewAllocator(gen Generator, opts ...Option) *Allocator {
	a := &Allocator{
		gen:    gen,
		prefix: DefaultPrefix,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Generate returns a non-empty identifier value.
func (a *Allocator) Generate(ctx context.Context, typeHint string) string {
	if a.gen != nil {
		id, err := a.gen.Next(ctx, typeHint)
		if err == nil && strings.TrimSpace(id) != "" {
			metrics.RecordIdentifierAllocated(false)
			return id
		}
		ev := a.logger.Warn().Str("identifier_type", typeHint)
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("identifier generator unavailable, using fallback")
	}

	metrics.RecordIdentifierAllocated(true)
	return a.fallback()
}

func (a *Allocator) fallback() string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return a.prefix + strings.ToUpper(token[:fallbackLength])
}
