package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/observability/metrics"
)

// TestNewMetricsConcurrency verifies that NewMetrics can be called
// concurrently; every call owns its registry.
func TestNewMetricsConcurrency(t *testing.T) {
	t.Parallel()

	const numGoroutines = 50

	var wg sync.WaitGroup
	for range numGoroutines {
		wg.Go(func() {
			m, err := NewMetrics()
			if !assert.NoError(t, err) {
				return
			}
			assert.NotNil(t, m.Registry())
			assert.NotNil(t, m.Conductor)
			assert.NotNil(t, m.Worker)
		})
	}
	wg.Wait()
}

func TestMetricsHandler(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)
	m.Worker.RecordRecording(metrics.StatusSuccess, 2, 0.3)
	m.Conductor.RecordDispatch(1, "large")

	mux := http.NewServeMux()
	m.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "aedbatch_worker_detections_total 2")
	assert.Contains(t, string(body), `aedbatch_conductor_chunks_dispatched_total{account="1",class="large"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNewEndpoint(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	_, err = NewEndpoint(&conf.MetricsSettings{Enabled: false}, m, nil)
	require.Error(t, err)

	e, err := NewEndpoint(&conf.MetricsSettings{Enabled: true, Listen: "127.0.0.1:0"}, m, nil)
	require.NoError(t, err)
	assert.Same(t, m, e.GetMetrics())

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
}
