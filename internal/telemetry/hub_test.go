package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sdss/archon/internal/archon"
	"github.com/sdss/archon/internal/logging"
)

func newTestHub() *Hub {
	return NewHub(10, logging.New(logging.Debug, logging.Text, io.Discard))
}

func TestReportAppendsHistoryAndBroadcasts(t *testing.T) {
	hub := newTestHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Report(EventStatusChanged, archon.StatusIdle, "", nil)

	select {
	case sample := <-ch:
		if sample.Event != EventStatusChanged {
			t.Fatalf("event = %q, want %q", sample.Event, EventStatusChanged)
		}
	default:
		t.Fatal("expected a sample on the subscriber channel")
	}

	if got := hub.History(); len(got) != 1 {
		t.Fatalf("history length = %d, want 1", len(got))
	}
}

func TestHandleDiagnosticsReturnsLatestSample(t *testing.T) {
	hub := newTestHub()
	hub.Report(EventExposureStarted, archon.StatusExposing, "10ms exposure", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/diagnostics", nil)
	rr := httptest.NewRecorder()

	hub.handleDiagnostics(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp Diagnostics
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Process.NumGoroutine == 0 {
		t.Fatal("expected goroutine count to be reported")
	}
	if resp.Latest == nil || resp.Latest.Event != EventExposureStarted {
		t.Fatalf("expected latest sample to be the exposure_started event, got %+v", resp.Latest)
	}
}

func TestHandleDiagnosticsMethodNotAllowed(t *testing.T) {
	hub := newTestHub()
	req := httptest.NewRequest(http.MethodPost, "/api/diagnostics", nil)
	rr := httptest.NewRecorder()

	hub.handleDiagnostics(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestHandleHealthReportsDegradedAfterExposureError(t *testing.T) {
	hub := newTestHub()

	okReq := httptest.NewRequest(http.MethodGet, "/api/diagnostics/health", nil)
	okRR := httptest.NewRecorder()
	hub.handleHealth(okRR, okReq)

	var okResp HealthStatus
	if err := json.NewDecoder(okRR.Body).Decode(&okResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if okResp.Status != "ok" {
		t.Fatalf("expected ok status with no history, got %q", okResp.Status)
	}

	hub.Report(EventExposureError, archon.StatusError, "controller is not reading", nil)

	degradedReq := httptest.NewRequest(http.MethodGet, "/api/diagnostics/health", nil)
	degradedRR := httptest.NewRecorder()
	hub.handleHealth(degradedRR, degradedReq)

	var degradedResp HealthStatus
	if err := json.NewDecoder(degradedRR.Body).Decode(&degradedResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if degradedResp.Status != "degraded" {
		t.Fatalf("expected degraded status after exposure error, got %q", degradedResp.Status)
	}
	if degradedResp.Reason != "controller is not reading" {
		t.Fatalf("reason = %q, want %q", degradedResp.Reason, "controller is not reading")
	}
}

func TestHandleHealthMethodNotAllowed(t *testing.T) {
	hub := newTestHub()
	req := httptest.NewRequest(http.MethodPost, "/api/diagnostics/health", nil)
	rr := httptest.NewRecorder()

	hub.handleHealth(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestHandleSetConfigValidatesPollInterval(t *testing.T) {
	hub := newTestHub()

	body := `{"historyLimit": 50, "pollIntervalMs": 10, "logLevel": "info", "logFormat": "text"}`
	req := httptest.NewRequest(http.MethodPost, "/api/config/update", strings.NewReader(body))
	rr := httptest.NewRecorder()

	hub.handleSetConfig(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range poll interval, got %d", rr.Code)
	}
}
