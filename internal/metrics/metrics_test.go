package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.CyclesCompleted.Add(3)
	m.InferenceStalls.Add(1)
	m.UpdateCycle(42*time.Millisecond, 29.5)
	m.ObserveInference("detector", "ok", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	require.Contains(t, out, "visiondash_cycles_completed_total 3")
	require.Contains(t, out, "visiondash_inference_stalls_total 1")
	require.Contains(t, out, "visiondash_cycle_latency_ms 42")
	require.Contains(t, out, "visiondash_fps 29.5")
	require.Contains(t, out, `visiondash_inference_latency_seconds_count{capability="detector",outcome="ok"} 1`)
}

func TestClientTracking(t *testing.T) {
	m := New()
	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()
	require.Equal(t, int64(1), m.ActiveClients.Load())
	require.Equal(t, uint64(2), m.TotalClients.Load())
}

func TestStartServerStopsWithContext(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.StartServer(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
