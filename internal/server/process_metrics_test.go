package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novapm/novapm/internal/eventbus"
	"github.com/novapm/novapm/internal/metrics"
	"github.com/novapm/novapm/internal/supervisor"
)

func newMetricsRouter(t *testing.T, coll *metrics.ProcessMetricsCollector) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sup := supervisor.New(eventbus.New(nil))
	r := NewRouter(Deps{Supervisor: sup, Bus: eventbus.New(nil), MetricsCollector: coll}, "/api")
	return httptest.NewServer(r.Handler())
}

func TestProcessMetricsEndpoints(t *testing.T) {
	config := metrics.ProcessMetricsConfig{Enabled: true, Interval: time.Second, MaxHistory: 10}
	collector := metrics.NewProcessMetricsCollector(config)

	testMetrics := map[string]metrics.ProcessMetrics{
		"app-1-0": {PID: 1234, Name: "app-1", CPUPercent: 15.5, MemoryMB: 128.0, Timestamp: time.Now()},
		"app-2-0": {PID: 5678, Name: "app-2", CPUPercent: 25.0, MemoryMB: 256.0, Timestamp: time.Now()},
		"web-1-0": {PID: 9999, Name: "web-1", CPUPercent: 10.0, MemoryMB: 64.0, Timestamp: time.Now()},
	}
	for name, m := range testMetrics {
		collector.AddToHistoryForTesting(name, m)
	}

	ts := newMetricsRouter(t, collector)
	defer ts.Close()

	t.Run("GET /api/api/v1/metrics - all metrics", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/api/v1/metrics")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result map[string]metrics.ProcessAggregatedMetrics
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))

		assert.Len(t, result, 3)
		assert.Contains(t, result, "app-1")
		assert.Contains(t, result, "app-2")
		assert.Contains(t, result, "web-1")
		assert.Equal(t, 15.5, result["app-1"].AvgCPUPercent)
	})

	t.Run("GET /api/api/v1/metrics/app-1 - specific process", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/api/v1/metrics/app-1")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result metrics.ProcessAggregatedMetrics
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))

		assert.Equal(t, "app-1", result.ProcessName)
		assert.Equal(t, 15.5, result.AvgCPUPercent)
	})

	t.Run("GET /api/api/v1/metrics/nonexistent - not found", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/api/v1/metrics/nonexistent")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		var result errorResp
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		assert.Contains(t, result.Error, "not found")
	})

	t.Run("GET /api/api/v1/metrics/..invalid - invalid name", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/api/v1/metrics/..%2Finvalid")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestProcessMetricsDisabled(t *testing.T) {
	ts := newMetricsRouter(t, nil)
	defer ts.Close()

	t.Run("GET /api/api/v1/metrics - disabled", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/api/v1/metrics")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var result errorResp
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		assert.Contains(t, result.Error, "disabled")
	})

	t.Run("GET /api/api/v1/metrics/test - disabled", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/api/v1/metrics/test")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestProcessMetricsConcurrentRequests(t *testing.T) {
	config := metrics.ProcessMetricsConfig{Enabled: true, Interval: time.Second, MaxHistory: 10}
	collector := metrics.NewProcessMetricsCollector(config)

	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("proc-%d-0", i)
		m := metrics.ProcessMetrics{
			PID:        int32(1000 + i),
			Name:       fmt.Sprintf("proc-%d", i),
			CPUPercent: float64(i * 10),
			MemoryMB:   float64(i * 50),
			Timestamp:  time.Now(),
		}
		collector.AddToHistoryForTesting(name, m)
	}

	ts := newMetricsRouter(t, collector)
	defer ts.Close()

	numRequests := 20
	ch := make(chan error, numRequests)
	for i := 0; i < numRequests; i++ {
		go func() {
			resp, err := http.Get(ts.URL + "/api/api/v1/metrics")
			if err != nil {
				ch <- err
				return
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				ch <- fmt.Errorf("unexpected status code: %d", resp.StatusCode)
				return
			}
			ch <- nil
		}()
	}

	for i := 0; i < numRequests; i++ {
		assert.NoError(t, <-ch)
	}
}
