package llm

import (
	"context"
	"fmt"
	"time"

	routaerrors "routa/internal/errors"
	"routa/internal/logging"
)

// retryClient wraps a Client with retry logic and a circuit breaker.
type retryClient struct {
	underlying     Client
	retryConfig    routaerrors.RetryConfig
	circuitBreaker *routaerrors.CircuitBreaker
	logger         logging.Logger
	health         *HealthRegistry
}

// NewRetryClient wraps client with retries and the given breaker.
func NewRetryClient(client Client, retryConfig routaerrors.RetryConfig, circuitBreaker *routaerrors.CircuitBreaker) Client {
	return &retryClient{
		underlying:     client,
		retryConfig:    retryConfig,
		circuitBreaker: circuitBreaker,
		logger:         logging.NewComponentLogger("llm-retry"),
	}
}

// WrapWithRetry wraps client with retry logic and a dedicated circuit
// breaker named after the model.
func WrapWithRetry(client Client, retryConfig routaerrors.RetryConfig, breakerConfig routaerrors.CircuitBreakerConfig) Client {
	breaker := routaerrors.NewCircuitBreaker(fmt.Sprintf("llm-%s", client.Model()), breakerConfig)
	return NewRetryClient(client, retryConfig, breaker)
}

// WrapWithRetryAndHealth additionally records call outcomes into hr
// and registers the breaker there, so hr can report the model as
// down while the breaker is open.
func WrapWithRetryAndHealth(client Client, retryConfig routaerrors.RetryConfig, breakerConfig routaerrors.CircuitBreakerConfig, hr *HealthRegistry) Client {
	breaker := routaerrors.NewCircuitBreaker(fmt.Sprintf("llm-%s", client.Model()), breakerConfig)
	if hr != nil {
		hr.Register(client.Model(), breaker)
	}
	return &retryClient{
		underlying:     client,
		retryConfig:    retryConfig,
		circuitBreaker: breaker,
		logger:         logging.NewComponentLogger("llm-retry"),
		health:         hr,
	}
}

func (c *retryClient) Model() string { return c.underlying.Model() }

func (c *retryClient) SetUsageCallback(callback UsageCallback) {
	if tracking, ok := c.underlying.(UsageTrackingClient); ok {
		tracking.SetUsageCallback(callback)
	}
}

// Ping delegates to the underlying client when it supports probing.
func (c *retryClient) Ping(ctx context.Context) error {
	if pinger, ok := c.underlying.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (c *retryClient) recordOutcome(d time.Duration, err error) {
	if c.health == nil {
		return
	}
	if err != nil {
		c.health.RecordError(c.underlying.Model(), err)
		return
	}
	c.health.RecordLatency(c.underlying.Model(), d)
}

func (c *retryClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	started := time.Now()
	resp, err := routaerrors.RetryWithResultAndLog(ctx, c.retryConfig, func(ctx context.Context) (*CompletionResponse, error) {
		return routaerrors.ExecuteFunc(c.circuitBreaker, ctx, func(ctx context.Context) (*CompletionResponse, error) {
			return c.underlying.Complete(ctx, req)
		})
	}, c.logger)

	duration := time.Since(started)
	c.recordOutcome(duration, err)
	if err != nil {
		c.logger.Warn("completion failed after retries (took %v): %v", duration, err)
		return nil, fmt.Errorf("%s", routaerrors.FormatForModel(err))
	}
	if duration > 5*time.Second {
		c.logger.Debug("completion succeeded after %v", duration)
	}
	return resp, nil
}

// StreamComplete goes through the circuit breaker but is never
// retried: replaying a stream would duplicate deltas the callbacks
// already delivered.
func (c *retryClient) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	started := time.Now()
	resp, err := routaerrors.ExecuteFunc(c.circuitBreaker, ctx, func(ctx context.Context) (*CompletionResponse, error) {
		return c.underlying.StreamComplete(ctx, req, callbacks)
	})

	duration := time.Since(started)
	c.recordOutcome(duration, err)
	if err != nil {
		c.logger.Warn("streaming completion failed (took %v): %v", duration, err)
		return nil, fmt.Errorf("%s", routaerrors.FormatForModel(err))
	}
	return resp, nil
}
