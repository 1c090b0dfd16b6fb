package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTesterMetrics(t *testing.T) {
	t.Run("TesterPasses", func(t *testing.T) {
		before := testutil.ToFloat64(TesterPasses.WithLabelValues("7"))
		TesterPasses.WithLabelValues("7").Inc()
		TesterPasses.WithLabelValues("7").Inc()
		assert.Equal(t, before+2, testutil.ToFloat64(TesterPasses.WithLabelValues("7")))
	})

	t.Run("TesterFailures", func(t *testing.T) {
		before := testutil.ToFloat64(TesterFailures.WithLabelValues("7", "corruption"))
		TesterFailures.WithLabelValues("7", "corruption").Inc()
		assert.Equal(t, before+1, testutil.ToFloat64(TesterFailures.WithLabelValues("7", "corruption")))
	})

	t.Run("gauges", func(t *testing.T) {
		TesterBandwidth.WithLabelValues("7").Set(123.45)
		assert.Equal(t, 123.45, testutil.ToFloat64(TesterBandwidth.WithLabelValues("7")))

		TesterThroughput.WithLabelValues("7").Set(987.6)
		assert.Equal(t, 987.6, testutil.ToFloat64(TesterThroughput.WithLabelValues("7")))

		KernelTimeSeconds.WithLabelValues("7").Set(0.02)
		InnerIterations.WithLabelValues("7").Set(12)
		StepsPerWait.WithLabelValues("7").Set(15)
		assert.Equal(t, float64(12), testutil.ToFloat64(InnerIterations.WithLabelValues("7")))
		assert.Equal(t, float64(15), testutil.ToFloat64(StepsPerWait.WithLabelValues("7")))
	})
}

func TestMetricsRegistration(t *testing.T) {
	collectors := []prometheus.Collector{
		EndpointResponses,
		TesterPasses,
		TesterFailures,
		TesterBandwidth,
		TesterThroughput,
		KernelTimeSeconds,
		InnerIterations,
		StepsPerWait,
	}

	for _, c := range collectors {
		err := prometheus.Register(c)
		var already prometheus.AlreadyRegisteredError
		assert.ErrorAs(t, err, &already, "collector should be registered by promauto")
	}
}

func TestMiddleware(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusInternalServerError)
	}), "/teapot", nil)

	before := testutil.ToFloat64(EndpointResponses.WithLabelValues("/teapot", "418"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(EndpointResponses.WithLabelValues("/teapot", "418")))
}

func TestMiddleware_ImplicitOK(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
		w.WriteHeader(http.StatusNotFound)
	}), "/implicit", zap.NewNop())

	before := testutil.ToFloat64(EndpointResponses.WithLabelValues("/implicit", "200"))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/implicit", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(EndpointResponses.WithLabelValues("/implicit", "200")))
}

func TestServer(t *testing.T) {
	status := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"testers":[]}`)
	})
	srv := NewServer("127.0.0.1:0", status, zap.NewNop())
	require.NoError(t, srv.Start(context.Background()))
	defer func() { require.NoError(t, srv.Stop(context.Background())) }()

	TesterPasses.WithLabelValues("server-test").Inc()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `gpustress_passes_total{device="server-test"} 1`))

	resp, err = http.Get("http://" + srv.Addr() + "/status")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.JSONEq(t, `{"testers":[]}`, string(body))
}

func BenchmarkMetricsObservation(b *testing.B) {
	b.Run("SetGauge", func(b *testing.B) {
		g := TesterBandwidth.WithLabelValues("bench")
		for i := 0; i < b.N; i++ {
			g.Set(float64(i))
		}
	})

	b.Run("IncCounter", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			TesterPasses.WithLabelValues("bench").Inc()
		}
	})
}
