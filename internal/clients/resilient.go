package clients

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// ResilienceConfig tunes the retry and circuit-breaker decorator. Values are
// operational tuning, not correctness: the sync coordinator stays correct on
// any bound because the batch id never changes across attempts.
type ResilienceConfig struct {
	MaxRetries   int
	RetryBase    time.Duration
	RetryMax     time.Duration
	BreakerDelay time.Duration
	// BreakerMinRequests is the sample size before the failure ratio trips
	// the breaker.
	BreakerMinRequests uint
}

func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxRetries:         3,
		RetryBase:          500 * time.Millisecond,
		RetryMax:           10 * time.Second,
		BreakerDelay:       15 * time.Second,
		BreakerMinRequests: 10,
	}
}

// ResilientSink decorates a SettlementSink with retry-with-backoff and a
// circuit breaker. Busy responses are not retried here: the target asked us
// to back off, and the scheduler owns that retry.
type ResilientSink struct {
	inner    SettlementSink
	executor failsafe.Executor[*BatchReceipt]
}

func NewResilientSink(inner SettlementSink, cfg ResilienceConfig) *ResilientSink {
	// Unset durations and sample sizes fall back per field; MaxRetries is
	// taken as given so zero genuinely means no retries.
	defaults := DefaultResilienceConfig()
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaults.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaults.RetryMax
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = defaults.BreakerDelay
	}
	if cfg.BreakerMinRequests == 0 {
		cfg.BreakerMinRequests = defaults.BreakerMinRequests
	}

	retryable := func(_ *BatchReceipt, err error) bool {
		if err == nil {
			return false
		}
		var busy *SinkBusyError
		return !errors.As(err, &busy)
	}

	retry := retrypolicy.NewBuilder[*BatchReceipt]().
		WithBackoff(cfg.RetryBase, cfg.RetryMax).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(retryable).
		Build()

	failureThreshold := cfg.BreakerMinRequests / 2
	if failureThreshold < 1 {
		failureThreshold = 1
	}

	breaker := circuitbreaker.NewBuilder[*BatchReceipt]().
		WithFailureThresholdRatio(failureThreshold, cfg.BreakerMinRequests).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		HandleIf(retryable).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			log.Printf("[SINK] Circuit breaker state %v -> %v", event.OldState, event.NewState)
		}).
		Build()

	return &ResilientSink{
		inner:    inner,
		executor: failsafe.With(retry, breaker),
	}
}

func (s *ResilientSink) PushBatch(ctx context.Context, batch *TipBatch) (*BatchReceipt, error) {
	return s.executor.WithContext(ctx).Get(func() (*BatchReceipt, error) {
		return s.inner.PushBatch(ctx, batch)
	})
}
