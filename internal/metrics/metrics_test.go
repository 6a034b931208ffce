package metrics

import (
	"net/http/httptest"
	"testing"
)

func TestHealthStatusServeHTTPReportsDegradedWhenDisconnected(t *testing.T) {
	h := NewHealthStatus()

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != 503 {
		t.Fatalf("expected 503 when WS is disconnected, got %d", w.Code)
	}
}

func TestHealthStatusServeHTTPReportsHealthyWhenConnected(t *testing.T) {
	h := NewHealthStatus()
	h.SetWSConnected(true)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200 when WS is connected, got %d", w.Code)
	}
}

func TestSetDiagOKAndSetRedisConnectedAreIndependent(t *testing.T) {
	h := NewHealthStatus()
	h.SetDiagOK(true)
	h.SetRedisConnected(false)

	if !h.DiagOK {
		t.Fatal("expected DiagOK true")
	}
	if h.RedisConnected {
		t.Fatal("expected RedisConnected false")
	}
}
