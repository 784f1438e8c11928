package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	routaerrors "routa/internal/errors"
)

func TestPingChecksModelsEndpoint(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/models", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	pinger, ok := client.(Pinger)
	require.True(t, ok)
	require.NoError(t, pinger.Ping(context.Background()))
}

func TestPingReportsUnreachableEndpoint(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := client.(Pinger).Ping(context.Background())
	require.Error(t, err)
	require.True(t, routaerrors.IsTransient(err))
}

func TestRetryClientDelegatesPing(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	wrapped := WrapWithRetryAndHealth(client, routaerrors.DefaultRetryConfig(), routaerrors.DefaultCircuitBreakerConfig(), NewHealthRegistry())

	pinger, ok := wrapped.(Pinger)
	require.True(t, ok)
	require.NoError(t, pinger.Ping(context.Background()))
}

func TestHealthRegistryFollowsBreakerState(t *testing.T) {
	underlying := &ClientFunc{ModelName: "m-flaky", Fn: func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
		return nil, routaerrors.NewPermanentError(errors.New("boom"), "Upstream rejected the request.")
	}}

	hr := NewHealthRegistry()
	client := WrapWithRetryAndHealth(underlying, routaerrors.RetryConfig{
		MaxAttempts:  1,
		BaseDelay:    time.Millisecond,
		MaxDelay:     time.Millisecond,
		JitterFactor: 0,
	}, routaerrors.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}, hr)

	require.Equal(t, HealthStateHealthy, hr.Get("m-flaky").State)

	_, err := client.Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	_, err = client.Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)

	health := hr.Get("m-flaky")
	require.Equal(t, HealthStateDown, health.State)
	require.GreaterOrEqual(t, health.FailureCount, 2)
	require.NotEmpty(t, health.LastError)
}

func TestHealthRegistryRecordsLatencyOnSuccess(t *testing.T) {
	underlying := &ClientFunc{ModelName: "m-ok", Fn: func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
		return &CompletionResponse{Content: "ok", StopReason: "stop"}, nil
	}}

	hr := NewHealthRegistry()
	client := WrapWithRetryAndHealth(underlying, routaerrors.DefaultRetryConfig(), routaerrors.DefaultCircuitBreakerConfig(), hr)

	_, err := client.Complete(context.Background(), CompletionRequest{})
	require.NoError(t, err)

	health := hr.Get("m-ok")
	require.Equal(t, HealthStateHealthy, health.State)
	require.Zero(t, health.FailureCount)
	require.Greater(t, health.Latency.Avg, time.Duration(0))
}

func TestHealthRegistryErrorRateWithoutBreaker(t *testing.T) {
	hr := NewHealthRegistry()

	// Unknown models report healthy.
	require.Equal(t, HealthStateHealthy, hr.Get("m-unknown").State)

	for i := 0; i < 10; i++ {
		hr.RecordError("m-down", errors.New("refused"))
	}
	require.Equal(t, HealthStateDown, hr.Get("m-down").State)

	// One failure in ten calls sits in the degraded band.
	hr.RecordError("m-degraded", errors.New("blip"))
	for i := 0; i < 9; i++ {
		hr.RecordLatency("m-degraded", 10*time.Millisecond)
	}
	require.Equal(t, HealthStateDegraded, hr.Get("m-degraded").State)
}

func TestHealthRegistryLatencyPercentiles(t *testing.T) {
	hr := NewHealthRegistry()
	for i := 1; i <= 10; i++ {
		hr.RecordLatency("m-lat", time.Duration(i)*time.Millisecond)
	}

	stats := hr.Get("m-lat").Latency
	require.Equal(t, 5*time.Millisecond, stats.P50)
	require.Equal(t, 9*time.Millisecond, stats.P95)
	require.Equal(t, 5500*time.Microsecond, stats.Avg)
}

func TestHealthRegistrySnapshotSorted(t *testing.T) {
	hr := NewHealthRegistry()
	hr.RecordLatency("zeta", time.Millisecond)
	hr.RecordLatency("alpha", time.Millisecond)
	hr.RecordLatency("mid", time.Millisecond)

	snapshot := hr.Snapshot()
	require.Len(t, snapshot, 3)
	require.Equal(t, "alpha", snapshot[0].Model)
	require.Equal(t, "mid", snapshot[1].Model)
	require.Equal(t, "zeta", snapshot[2].Model)
}
