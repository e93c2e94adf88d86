package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sdss/archon/internal/archon"
	"github.com/sdss/archon/internal/logging"
)

// ControllerQuery is the minimal read-only view a WebServer needs from a
// running archon.Controller to answer /api/status requests.
type ControllerQuery interface {
	Status() archon.Status
	ACFLoaded() string
}

// WebServer exposes telemetry history and live controller updates over HTTP.
type WebServer struct {
	srv  *http.Server
	hub  *Hub
	ctrl ControllerQuery
	log  logging.Logger
}

// NewWebServer builds an HTTP server serving history, live SSE, diagnostics
// and config endpoints. ctrl may be nil if no live controller is attached,
// in which case /api/status reports unavailable.
func NewWebServer(addr string, hub *Hub, ctrl ControllerQuery, logger logging.Logger) *WebServer {
	if logger == nil {
		logger = logging.Default()
	}
	ws := &WebServer{
		hub:  hub,
		ctrl: ctrl,
		log:  logger.With(logging.Field{Key: "subsystem", Value: "telemetry"}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", hub.handleHistory)
	mux.HandleFunc("/api/live", hub.handleLive)
	mux.HandleFunc("/api/diagnostics", hub.handleDiagnostics)
	mux.HandleFunc("/api/diagnostics/health", hub.handleHealth)
	mux.HandleFunc("/api/config", hub.handleGetConfig)
	mux.HandleFunc("/api/config/update", hub.handleSetConfig)
	mux.HandleFunc("/api/status", ws.handleStatus)

	ws.srv = &http.Server{Addr: addr, Handler: mux}
	return ws
}

func (w *WebServer) handleStatus(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(rw, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if w.ctrl == nil {
		writeJSONError(rw, http.StatusServiceUnavailable, "no controller attached")
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]string{
		"status":    w.ctrl.Status().String(),
		"acfLoaded": w.ctrl.ACFLoaded(),
	})
}

// Start begins listening and shuts down when the context is canceled.
func (w *WebServer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.log.Warn("web telemetry shutdown", logging.Field{Key: "error", Value: err})
		}
	}()

	if err := w.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		w.log.Error("web telemetry server error", logging.Field{Key: "error", Value: err})
	}
}
