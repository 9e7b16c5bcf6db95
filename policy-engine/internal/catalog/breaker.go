package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/reelhouse/catalog/policy-engine/internal/metrics"
	"github.com/reelhouse/catalog/policy-engine/internal/models"
)

type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32
	Timeout             time.Duration
	Logger              zerolog.Logger
}

// BreakerSource trips after repeated catalog failures so runs fail fast while
// the catalog database is down. io.EOF and context cancellation are not failures.
type BreakerSource struct {
	next Source
	cb   *gobreaker.CircuitBreaker[interface{}]
	name string
}

func NewBreakerSource(next Source, cfg BreakerConfig) *BreakerSource {
	if cfg.Name == "" {
		cfg.Name = "catalog"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	log := cfg.Logger
	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("catalog circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return &BreakerSource{next: next, cb: cb, name: cfg.Name}
}

func (b *BreakerSource) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerSource) Count(ctx context.Context) (int64, error) {
	res, err := b.execute(func() (interface{}, error) { return b.next.Count(ctx) })
	if err != nil {
		return 0, err
	}
	return cast[int64](res)
}

func (b *BreakerSource) Open(ctx context.Context, batchSize int) (Cursor, error) {
	res, err := b.execute(func() (interface{}, error) { return b.next.Open(ctx, batchSize) })
	if err != nil {
		return nil, err
	}
	cur, err := cast[Cursor](res)
	if err != nil {
		return nil, err
	}
	return &breakerCursor{next: cur, b: b}, nil
}

func (b *BreakerSource) EligibleIDs(ctx context.Context) (map[string]struct{}, error) {
	res, err := b.execute(func() (interface{}, error) { return b.next.EligibleIDs(ctx) })
	if err != nil {
		return nil, err
	}
	return cast[map[string]struct{}](res)
}

func (b *BreakerSource) execute(fn func() (interface{}, error)) (interface{}, error) {
	res, err := b.cb.Execute(fn)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
		return nil, fmt.Errorf("catalog unavailable: %w", err)
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
	}
	return res, err
}

type breakerCursor struct {
	next Cursor
	b    *BreakerSource
}

func (c *breakerCursor) Next(ctx context.Context) ([]models.CatalogItem, error) {
	res, err := c.b.execute(func() (interface{}, error) { return c.next.Next(ctx) })
	if err != nil {
		return nil, err
	}
	return cast[[]models.CatalogItem](res)
}

func (c *breakerCursor) Close() error { return c.next.Close() }

func cast[T any](res interface{}) (T, error) {
	typed, ok := res.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("circuit breaker: unexpected result type %T", res)
	}
	return typed, nil
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
