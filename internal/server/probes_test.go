package server

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/controller-runtime/pkg/healthz"

	_ "go.miloapis.com/eventhistory/internal/metrics"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestHandler_Probes(t *testing.T) {
	ready := errors.New("namespaces not synced: demo")
	h := Handler(Checks{
		Liveness: map[string]healthz.Checker{
			"pipeline": func(*http.Request) error { return nil },
		},
		Readiness: map[string]healthz.Checker{
			"watchers": func(*http.Request) error { return ready },
		},
	})

	code, body := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, _ = get(t, h, "/readyz")
	assert.Equal(t, http.StatusInternalServerError, code)

	code, body = get(t, h, "/readyz/ping")
	assert.Equal(t, http.StatusOK, code, "individual checks are addressable")
	assert.Equal(t, "ok", body)
}

func TestHandler_Metrics(t *testing.T) {
	h := Handler(Checks{})

	code, body := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "kubeevents_queue_depth")
}

func TestWithPing(t *testing.T) {
	checks := withPing(nil)
	assert.Contains(t, checks, "ping")

	checks = withPing(map[string]healthz.Checker{"db": healthz.Ping})
	assert.Len(t, checks, 2)
}
