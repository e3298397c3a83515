package server

import (
	"context"
	"errors"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"

	"github.com/FyraLabs/subatomic-ng/store/pkgdb"
)

// errBreakerOpen is returned while storage is considered down.
var errBreakerOpen = errors.New("storage circuit open")

// RetryConfig bounds the retries of mutations that lost a transaction race.
type RetryConfig struct {
	MaxRetries      uint64        // default 5
	InitialInterval time.Duration // default 10ms
	MaxInterval     time.Duration // default 500ms
}

// BreakerConfig controls when storage failures stop reaching the store.
type BreakerConfig struct {
	// Threshold is the number of consecutive unavailable errors that trip
	// the breaker. Default 5.
	Threshold int64
	// Cooldown is the first wait before a trial request. Default 5s.
	Cooldown time.Duration
}

// guard wraps store calls with conflict retries and a circuit breaker that
// only counts ErrStorageUnavailable.
type guard struct {
	retry   RetryConfig
	breaker *circuit.Breaker
}

func newGuard(rc RetryConfig, bc BreakerConfig) *guard {
	if rc.MaxRetries == 0 {
		rc.MaxRetries = 5
	}
	if rc.InitialInterval <= 0 {
		rc.InitialInterval = 10 * time.Millisecond
	}
	if rc.MaxInterval <= 0 {
		rc.MaxInterval = 500 * time.Millisecond
	}
	if bc.Threshold <= 0 {
		bc.Threshold = 5
	}
	if bc.Cooldown <= 0 {
		bc.Cooldown = 5 * time.Second
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = bc.Cooldown
	expBackoff.MaxInterval = 2 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.MaxElapsedTime = 0
	expBackoff.Reset()

	return &guard{
		retry: rc,
		breaker: circuit.NewBreakerWithOptions(&circuit.Options{
			BackOff:    expBackoff,
			ShouldTrip: circuit.ConsecutiveTripFunc(bc.Threshold),
		}),
	}
}

func (g *guard) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.retry.InitialInterval
	b.MaxInterval = g.retry.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, g.retry.MaxRetries), ctx)
}

// do runs fn, retrying only on ErrTransactionConflict.
func (g *guard) do(ctx context.Context, fn func(context.Context) error) error {
	var last error
	op := func() error {
		last = g.call(ctx, fn)
		if errors.Is(last, pkgdb.ErrTransactionConflict) {
			return last
		}
		return nil
	}
	if err := backoff.Retry(op, g.newBackOff(ctx)); err != nil && last == nil {
		return err
	}
	return last
}

// call runs fn once through the breaker.
func (g *guard) call(ctx context.Context, fn func(context.Context) error) error {
	var opErr error
	err := g.breaker.Call(func() error {
		opErr = fn(ctx)
		if errors.Is(opErr, pkgdb.ErrStorageUnavailable) {
			return opErr
		}
		return nil
	}, 0)
	if errors.Is(err, circuit.ErrBreakerOpen) {
		return errBreakerOpen
	}
	return opErr
}

// healthy reports whether the breaker currently lets requests through.
func (g *guard) healthy() bool {
	return !g.breaker.Tripped()
}
