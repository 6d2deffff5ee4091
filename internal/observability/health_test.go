package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func readiness(t *testing.T, h *HealthChecker) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestReadiness_GateThenProbes(t *testing.T) {
	h := NewHealthChecker()
	natsUp := true
	h.Register("postgres", func(context.Context) error { return nil })
	h.Register("nats", func(context.Context) error {
		if !natsUp {
			return errors.New("disconnected")
		}
		return nil
	})

	code, body := readiness(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "not_ready", body["status"])

	h.SetReady(true)
	code, _ = readiness(t, h)
	require.Equal(t, http.StatusOK, code)

	natsUp = false
	code, body = readiness(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, map[string]interface{}{"nats": "disconnected"}, body["dependencies"])

	h.SetNotReady("shutting down")
	_, body = readiness(t, h)
	require.Equal(t, "shutting down", body["reason"])
}

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthChecker().LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
