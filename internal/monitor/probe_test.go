package monitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHTTPProberParsesHealthPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","error_rate":0.02,"request_rate":120.5}`))
	}))
	defer srv.Close()

	res, err := NewHTTPProber(srv.URL, time.Second).Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Alive)
	assert.InDelta(t, 0.02, res.ErrorRate, 1e-9)
	assert.InDelta(t, 120.5, res.RequestRate, 1e-9)
	assert.Greater(t, res.Latency, time.Duration(0))
}

func TestHTTPProberServerErrorIsDead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res, err := NewHTTPProber(srv.URL, time.Second).Probe(context.Background())
	assert.ErrorIs(t, err, ErrNotAlive)
	assert.False(t, res.Alive)
}

func TestHTTPProberNonJSONBodyStillAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	res, err := NewHTTPProber(srv.URL, time.Second).Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Alive)
	assert.Zero(t, res.ErrorRate)
}

func TestGRPCProberFollowsServingStatus(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	hs.SetServingStatus("orders", healthpb.HealthCheckResponse_SERVING)
	prober := NewGRPCProber(lis.Addr().String(), "orders")
	defer prober.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := prober.Probe(ctx)
	require.NoError(t, err)
	assert.True(t, res.Alive)

	hs.SetServingStatus("orders", healthpb.HealthCheckResponse_NOT_SERVING)
	res, err = prober.Probe(ctx)
	assert.ErrorIs(t, err, ErrNotAlive)
	assert.False(t, res.Alive)
}

func TestProcessStatsProberReadsSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("procfs not available")
	}
	prober := NewProcessStatsProber(os.Getpid(), "")
	res, err := prober.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, res.HasStats)
	assert.Greater(t, res.MemoryMB, 0.0)
	assert.GreaterOrEqual(t, res.Threads, 1)
	assert.Zero(t, res.CPUPercent, "first sample has no delta")

	res, err = prober.Probe(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.CPUPercent, 0.0)
}

func TestCombinedMergesStats(t *testing.T) {
	live := ProberFunc(func(context.Context) (ProbeResult, error) {
		return ProbeResult{Alive: true, Latency: 30 * time.Millisecond}, nil
	})
	stats := ProberFunc(func(context.Context) (ProbeResult, error) {
		return ProbeResult{Alive: true, CPUPercent: 55, MemoryMB: 300, Threads: 12, HasStats: true}, nil
	})
	res, err := Combined{Liveness: live, Stats: stats}.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Millisecond, res.Latency)
	assert.InDelta(t, 55, res.CPUPercent, 1e-9)
	assert.Equal(t, 12, res.Threads)

	broken := ProberFunc(func(context.Context) (ProbeResult, error) {
		return ProbeResult{}, errors.New("no such process")
	})
	res, err = Combined{Liveness: live, Stats: broken}.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, res.HasStats)
}
