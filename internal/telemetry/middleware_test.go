package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func TestHTTPMiddlewareRecordsSpanPerRequest(t *testing.T) {
	recorder := withSpanRecorder(t)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware("pulse-status"))
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "/status", spans[0].Name())

	attrs := spans[0].Attributes()
	var sawStatus, sawMethod bool
	for _, kv := range attrs {
		switch kv.Key {
		case semconv.HTTPStatusCodeKey:
			sawStatus = true
			assert.Equal(t, int64(http.StatusOK), kv.Value.AsInt64())
		case semconv.HTTPMethodKey:
			sawMethod = true
			assert.Equal(t, http.MethodGet, kv.Value.AsString())
		}
	}
	assert.True(t, sawStatus, "span carries the response status code")
	assert.True(t, sawMethod, "span carries the request method")
}

func TestHTTPMiddlewareMarksErrorStatuses(t *testing.T) {
	recorder := withSpanRecorder(t)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware("pulse-status"))
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/boom")
	require.NoError(t, err)
	resp.Body.Close()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "Internal Server Error", spans[0].Status().Description)
}
