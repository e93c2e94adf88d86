// Package telemetry collects controller status and exposure lifecycle
// events and fans them out to HTTP subscribers: a history ring buffer,
// persisted config, and an SSE broadcast of Archon status transitions.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/sdss/archon/internal/archon"
	"github.com/sdss/archon/internal/logging"
)

// Config represents the runtime configuration exposed by the telemetry
// hub: history buffering and logging, guarded by the hub's RWMutex.
type Config struct {
	HistoryLimit   int    `json:"historyLimit"`
	PollIntervalMS int    `json:"pollIntervalMs"`
	LogLevel       string `json:"logLevel"`
	LogFormat      string `json:"logFormat"`
	DebugMode      bool   `json:"debugMode"`
}

const (
	minHistoryLimit   = 1
	maxHistoryLimit   = 10_000
	minPollIntervalMS = 100
	maxPollIntervalMS = 60_000
	configFilePath    = "telemetry_config.json"
)

type persistentConfig struct {
	HistoryLimit   int    `json:"history_limit"`
	PollIntervalMS int    `json:"poll_interval_ms"`
	LogLevel       string `json:"log_level"`
	LogFormat      string `json:"log_format"`
	DebugMode      bool   `json:"debug_mode"`
}

func defaultConfig() Config {
	return Config{
		HistoryLimit:   500,
		PollIntervalMS: 1000,
		LogLevel:       "warn",
		LogFormat:      "text",
		DebugMode:      false,
	}
}

func defaultPersistentConfig() persistentConfig {
	d := defaultConfig()
	return persistentConfig{
		HistoryLimit:   d.HistoryLimit,
		PollIntervalMS: d.PollIntervalMS,
		LogLevel:       d.LogLevel,
		LogFormat:      d.LogFormat,
		DebugMode:      d.DebugMode,
	}
}

func configFromPersistent(stored persistentConfig) Config {
	return Config{
		HistoryLimit:   stored.HistoryLimit,
		PollIntervalMS: stored.PollIntervalMS,
		LogLevel:       stored.LogLevel,
		LogFormat:      stored.LogFormat,
		DebugMode:      stored.DebugMode,
	}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 {
		base = defaultConfig()
	}

	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.PollIntervalMS == 0 {
		cfg.PollIntervalMS = base.PollIntervalMS
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = base.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = base.LogFormat
	}

	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	if cfg.PollIntervalMS < minPollIntervalMS || cfg.PollIntervalMS > maxPollIntervalMS {
		return Config{}, fmt.Errorf("poll interval must be between %d and %d ms", minPollIntervalMS, maxPollIntervalMS)
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, fmt.Errorf("invalid log level: %w", err)
	}
	if _, err := logging.ParseFormat(cfg.LogFormat); err != nil {
		return Config{}, fmt.Errorf("invalid log format: %w", err)
	}

	return cfg, nil
}

func loadPersistentConfig(path string) (persistentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return persistentConfig{}, err
	}
	var cfg persistentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return persistentConfig{}, err
	}
	return cfg, nil
}

func savePersistentConfig(path string, cfg persistentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func (h *Hub) persistConfig(cfg Config) error {
	stored, err := loadPersistentConfig(configFilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			stored = defaultPersistentConfig()
		} else {
			return err
		}
	}

	stored.HistoryLimit = cfg.HistoryLimit
	stored.PollIntervalMS = cfg.PollIntervalMS
	stored.LogLevel = cfg.LogLevel
	stored.LogFormat = cfg.LogFormat
	stored.DebugMode = cfg.DebugMode

	return savePersistentConfig(configFilePath, stored)
}

// Event names a kind of controller lifecycle occurrence.
type Event string

const (
	EventStatusChanged     Event = "status_changed"
	EventExposureStarted   Event = "exposure_started"
	EventExposureCompleted Event = "exposure_completed"
	EventExposureError     Event = "exposure_error"
	EventFetchCompleted    Event = "fetch_completed"
	EventReconnected       Event = "reconnected"
)

// Sample captures a single telemetry point for visualization.
type Sample struct {
	Timestamp time.Time  `json:"timestamp"`
	Event     Event      `json:"event"`
	Status    string     `json:"status"`
	Message   string     `json:"message,omitempty"`
	Debug     *DebugInfo `json:"debug,omitempty"`
}

// DebugInfo captures optional connection internals for troubleshooting.
type DebugInfo struct {
	CommandsSent   uint64 `json:"commandsSent"`
	CommandsFailed uint64 `json:"commandsFailed"`
	ReconnectCount uint64 `json:"reconnectCount"`
}

// ProcessMetrics captures runtime state for diagnostics.
type ProcessMetrics struct {
	StartTime        time.Time     `json:"startTime"`
	LastUpdated      time.Time     `json:"lastUpdated"`
	Uptime           time.Duration `json:"uptime"`
	MemoryAlloc      uint64        `json:"memoryAllocBytes"`
	MemoryTotalAlloc uint64        `json:"memoryTotalAllocBytes"`
	MemorySys        uint64        `json:"memorySysBytes"`
	NumGoroutine     int           `json:"numGoroutine"`
}

// Diagnostics bundles runtime metrics with the latest reported sample.
type Diagnostics struct {
	Process ProcessMetrics `json:"process"`
	Latest  *Sample        `json:"latest,omitempty"`
}

// HealthStatus surfaces overall process health.
type HealthStatus struct {
	Status  string         `json:"status"`
	Process ProcessMetrics `json:"process"`
	Reason  string         `json:"reason,omitempty"`
}

// Hub collects history and fans out controller telemetry to subscribers.
type Hub struct {
	mu           sync.RWMutex
	history      []Sample
	historyLimit int
	subscribers  map[chan Sample]struct{}
	config       Config
	logger       logging.Logger
	startTime    time.Time
	process      ProcessMetrics
}

// NewHub builds a telemetry hub with the provided history limit. A
// historyLimit of 0 keeps whatever is already persisted or the default.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	cfg := defaultConfig()
	if stored, err := loadPersistentConfig(configFilePath); err == nil {
		if validated, vErr := validateConfig(configFromPersistent(stored), cfg); vErr == nil {
			cfg = validated
		} else {
			logger.Warn("ignoring invalid stored config", logging.Field{Key: "error", Value: vErr})
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("failed to load persisted config", logging.Field{Key: "error", Value: err})
	}
	if historyLimit > 0 {
		cfg.HistoryLimit = historyLimit
	}
	cfg, _ = validateConfig(cfg, defaultConfig())

	h := &Hub{
		historyLimit: cfg.HistoryLimit,
		subscribers:  make(map[chan Sample]struct{}),
		config:       cfg,
		logger:       logger.With(logging.Field{Key: "subsystem", Value: "telemetry"}),
		startTime:    time.Now(),
	}
	h.process = h.collectProcessMetrics()
	return h
}

// Report implements Reporter and records a new telemetry sample.
func (h *Hub) Report(event Event, status archon.Status, message string, debug *DebugInfo) Sample {
	sample := Sample{Timestamp: time.Now(), Event: event, Status: status.String(), Message: message}

	h.mu.RLock()
	debugEnabled := h.config.DebugMode
	h.mu.RUnlock()
	if debug != nil && debugEnabled {
		sample.Debug = debug
	}

	h.mu.Lock()
	h.history = append(h.history, sample)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- sample:
		default:
		}
	}
	h.mu.Unlock()

	return sample
}

// History returns a copy of stored telemetry samples.
func (h *Hub) History() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.history))
	copy(out, h.history)
	return out
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Sample, func()) {
	ch := make(chan Sample, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Reporter captures controller telemetry events.
type Reporter interface {
	Report(event Event, status archon.Status, message string, debug *DebugInfo) Sample
}

// ControllerReporter adapts a Hub to archon.TelemetryReporter, so an
// archon.Controller can report its lifecycle events without importing
// this package's HTTP/SSE machinery.
type ControllerReporter struct {
	hub *Hub
}

// NewControllerReporter wraps hub for use as a Controller's telemetry sink.
func NewControllerReporter(hub *Hub) ControllerReporter {
	return ControllerReporter{hub: hub}
}

// ReportEvent implements archon.TelemetryReporter.
func (r ControllerReporter) ReportEvent(event, message string, status archon.Status) {
	r.hub.Report(Event(event), status, message, nil)
}

// MultiReporter fans out telemetry to multiple destinations.
type MultiReporter []Reporter

// Report forwards telemetry to each configured reporter and returns the
// sample produced by the last one (kept for interface symmetry with Hub).
func (m MultiReporter) Report(event Event, status archon.Status, message string, debug *DebugInfo) Sample {
	var last Sample
	for _, r := range m {
		if r != nil {
			last = r.Report(event, status, message, debug)
		}
	}
	return last
}

func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	h.historyLimit = cfg.HistoryLimit
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
}

func (h *Hub) collectProcessMetrics() ProcessMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	h.mu.RLock()
	start := h.startTime
	h.mu.RUnlock()

	metrics := ProcessMetrics{
		StartTime:        start,
		LastUpdated:      time.Now(),
		Uptime:           time.Since(start),
		MemoryAlloc:      mem.Alloc,
		MemoryTotalAlloc: mem.TotalAlloc,
		MemorySys:        mem.Sys,
		NumGoroutine:     runtime.NumGoroutine(),
	}

	h.mu.Lock()
	h.process = metrics
	h.mu.Unlock()

	return metrics
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (h *Hub) handleHistory(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.History())
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.ConfigSnapshot())
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var incoming Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid config payload: %v", err))
		return
	}

	h.mu.RLock()
	current := h.config
	h.mu.RUnlock()

	cfg, err := validateConfig(incoming, current)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.mu.Lock()
	h.applyConfig(cfg)
	h.mu.Unlock()

	if err := h.persistConfig(cfg); err != nil {
		h.logger.Warn("failed to persist config", logging.Field{Key: "error", Value: err})
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to save config: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	for _, sample := range h.History() {
		payload, _ := json.Marshal(sample)
		w.Write([]byte("data: "))
		w.Write(payload)
		w.Write([]byte("\n\n"))
	}
	flusher.Flush()

	for {
		select {
		case sample, ok := <-ch:
			if !ok {
				return
			}
			payload, _ := json.Marshal(sample)
			w.Write([]byte("data: "))
			w.Write(payload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Hub) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	history := h.History()
	var latest *Sample
	if len(history) > 0 {
		s := history[len(history)-1]
		latest = &s
	}

	response := Diagnostics{
		Process: h.collectProcessMetrics(),
		Latest:  latest,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	process := h.collectProcessMetrics()
	status := HealthStatus{Status: "ok", Process: process}

	history := h.History()
	if len(history) > 0 && history[len(history)-1].Event == EventExposureError {
		status.Status = "degraded"
		status.Reason = history[len(history)-1].Message
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
