package sources

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/avelins/paperscout/observability"
)

// RegistryConfig controls the per-source guards.
type RegistryConfig struct {
	// TripAfter is the consecutive-failure count that opens the breaker.
	TripAfter uint32
	// Cooldown is how long an open breaker blocks the source.
	Cooldown time.Duration
	// RequestsPerSecond paces outbound calls per source.
	RequestsPerSecond float64
}

// DefaultRegistryConfig returns sensible defaults for public APIs.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		TripAfter:         3,
		Cooldown:          60 * time.Second,
		RequestsPerSecond: 1,
	}
}

// Registry holds the named sources behind a circuit breaker and an outbound
// pacer each. A source whose breaker is open contributes nothing until the
// cooldown passes.
type Registry struct {
	sources  map[string]Source
	breakers map[string]*gobreaker.CircuitBreaker
	pacers   map[string]*rate.Limiter
}

// NewRegistry wraps the given sources with guards from the config.
func NewRegistry(cfg RegistryConfig, srcs ...Source) *Registry {
	r := &Registry{
		sources:  make(map[string]Source),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		pacers:   make(map[string]*rate.Limiter),
	}
	for _, src := range srcs {
		name := src.Name()
		r.sources[name] = src
		r.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: cfg.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.TripAfter
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(log.Fields{
					"source": name,
					"from":   from.String(),
					"to":     to.String(),
				}).Warn("source breaker state change")
			},
		})
		r.pacers[name] = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return r
}

// Names lists the registered source names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	return names
}

// Has reports whether a source is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.sources[name]
	return ok
}

// Search runs one paced, breaker-guarded page fetch against a named source.
func (r *Registry) Search(ctx context.Context, name, query string, opts SearchOptions) ([]Candidate, error) {
	src, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", name)
	}
	if err := r.pacers[name].Wait(ctx); err != nil {
		return nil, err
	}
	result, err := r.breakers[name].Execute(func() (interface{}, error) {
		return src.Search(ctx, query, opts)
	})
	if err != nil {
		observability.SourceRequests.WithLabelValues(name, "error").Inc()
		return nil, err
	}
	observability.SourceRequests.WithLabelValues(name, "ok").Inc()
	return result.([]Candidate), nil
}
