package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/voicer/internal/config"
	"github.com/skypro1111/voicer/internal/jobs"
	"github.com/skypro1111/voicer/internal/metrics"
)

// Version is reported by the health and root endpoints
var Version = "dev"

const maxUploadSize = 2 << 30

// JobService is the job API the server exposes
type JobService interface {
	Submit(input, scenario string) (jobs.Info, error)
	SubmitOwned(input, scenario string) (jobs.Info, error)
	Get(id string) (jobs.Info, bool)
	List() []jobs.Info
	Cancel(id string) error
	Subscribe(id string) (<-chan jobs.Event, func(), error)
	GetStats() jobs.Stats
}

// StatsProvider returns a JSON-encodable statistics snapshot of a component
type StatsProvider func() any

// Options contains the HTTP server collaborators
type Options struct {
	Config    *config.Config
	Jobs      JobService
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer      // nil uses the default registry
	Stats     map[string]StatsProvider // extra components listed by /stats
	UploadDir string                   // where multipart uploads are stored
}

// HTTPServer provides the job API plus monitoring endpoints
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	opts     Options
	upgrader websocket.Upgrader

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(opts Options, logger *slog.Logger) (*HTTPServer, error) {
	if opts.Config == nil || opts.Jobs == nil || opts.Metrics == nil {
		return nil, fmt.Errorf("config, jobs and metrics are required")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.UploadDir == "" {
		opts.UploadDir = filepath.Join(opts.Config.Audio.WorkDir, "uploads")
	}

	h := &HTTPServer{
		logger:    logger,
		opts:      opts,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         net.JoinHostPort(opts.Config.Server.Address, fmt.Sprintf("%d", opts.Config.Server.Port)),
		Handler:      mux,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h, nil
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("GET /stats", h.withMetrics("/stats", h.handleStats))

	mux.HandleFunc("POST /jobs", h.withMetrics("/jobs", h.handleSubmit))
	mux.HandleFunc("GET /jobs", h.withMetrics("/jobs", h.handleList))
	mux.HandleFunc("GET /jobs/{id}", h.withMetrics("/jobs/{id}", h.handleJob))
	mux.HandleFunc("DELETE /jobs/{id}", h.withMetrics("/jobs/{id}", h.handleCancel))

	// Websocket and metrics endpoints are not instrumented
	mux.HandleFunc("GET /jobs/{id}/events", h.handleEvents)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.opts.Metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.opts.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	jobStats := h.opts.Jobs.GetStats()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "voicer",
			"version": Version,
		},
		"components": map[string]any{
			"jobs": map[string]any{
				"status": "running",
				"active": jobStats.Active,
				"queued": jobStats.Queued,
			},
			"asr": map[string]any{
				"provider": h.opts.Config.ASR.Provider,
				"model":    h.opts.Config.ASR.Model,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.opts.Config

	// API keys are never returned
	sanitized := map[string]any{
		"audio": map[string]any{
			"sample_rate":     c.Audio.SampleRate,
			"channels":        c.Audio.Channels,
			"segment_codec":   c.Audio.SegmentCodec,
			"segment_bitrate": c.Audio.SegmentBitrate,
			"segment_format":  c.Audio.SegmentFormat,
		},
		"vad":     c.VAD,
		"segment": c.Segment,
		"context": map[string]any{
			"max_tokens":    c.Context.MaxTokens,
			"token_counter": c.Context.TokenCounter,
			"scenario":      c.Context.Scenario,
		},
		"asr": map[string]any{
			"provider":          c.ASR.Provider,
			"base_url":          c.ASR.BaseURL,
			"model":             c.ASR.Model,
			"language":          c.ASR.Language,
			"timeout":           c.ASR.Timeout,
			"max_retries":       c.ASR.MaxRetries,
			"max_concurrent":    c.ASR.MaxConcurrent,
			"fallback_provider": c.ASR.Fallback.Provider,
		},
		"output": map[string]any{
			"dir":     c.Output.Dir,
			"formats": c.Output.Formats,
		},
		"jobs": map[string]any{
			"max_concurrent": c.Jobs.MaxConcurrent,
			"max_queued":     c.Jobs.MaxQueued,
			"retention":      c.Jobs.Retention,
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitized)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"jobs":      h.opts.Jobs.GetStats(),
	}
	for name, provider := range h.opts.Stats {
		stats[name] = provider()
	}

	writeJSON(w, http.StatusOK, stats)
}

type submitRequest struct {
	Input    string `json:"input"`
	Scenario string `json:"scenario"`
}

// handleSubmit implements POST /jobs. It accepts either a JSON body naming a
// file on the server or a multipart upload with a "file" part.
func (h *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var (
		req      submitRequest
		uploaded bool
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		path, err := h.saveUpload(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Input = path
		req.Scenario = r.FormValue("scenario")
		uploaded = true
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		if req.Input == "" {
			writeError(w, http.StatusBadRequest, "input is required")
			return
		}
		if _, err := os.Stat(req.Input); err != nil {
			writeError(w, http.StatusBadRequest, "input not found: "+req.Input)
			return
		}
	}

	if req.Scenario == "" {
		req.Scenario = h.opts.Config.Context.Scenario
	}

	submit := h.opts.Jobs.Submit
	if uploaded {
		submit = h.opts.Jobs.SubmitOwned
	}

	info, err := submit(req.Input, req.Scenario)
	if err != nil && uploaded {
		if rmErr := os.Remove(req.Input); rmErr != nil {
			h.logger.Warn("Failed to remove rejected upload",
				slog.String("path", req.Input),
				slog.String("error", rmErr.Error()),
			)
		}
	}

	switch {
	case errors.Is(err, jobs.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, jobs.ErrManagerStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Location", "/jobs/"+info.ID)
	writeJSON(w, http.StatusAccepted, info)
}

func (h *HTTPServer) saveUpload(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return "", fmt.Errorf("invalid multipart form: %w", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", fmt.Errorf("file part is required: %w", err)
	}
	defer file.Close()

	if err := os.MkdirAll(h.opts.UploadDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload dir: %w", err)
	}

	name := uuid.NewString() + "-" + filepath.Base(header.Filename)
	path := filepath.Join(h.opts.UploadDir, name)

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to store upload: %w", err)
	}

	h.logger.Info("Stored upload",
		slog.String("filename", header.Filename),
		slog.String("path", path),
		slog.Int64("size", header.Size),
	)
	return path, nil
}

// handleList implements GET /jobs
func (h *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	list := h.opts.Jobs.List()

	status := r.URL.Query().Get("status")
	if status != "" {
		filtered := list[:0]
		for _, info := range list {
			if string(info.Status) == status {
				filtered = append(filtered, info)
			}
		}
		list = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_jobs": len(list),
		"timestamp":  time.Now().UTC(),
		"jobs":       list,
	})
}

// handleJob implements GET /jobs/{id}
func (h *HTTPServer) handleJob(w http.ResponseWriter, r *http.Request) {
	info, ok := h.opts.Jobs.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// handleCancel implements DELETE /jobs/{id}
func (h *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := h.opts.Jobs.Cancel(id)
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, jobs.ErrJobFinished):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

// handleEvents streams job events over a websocket. The first message is a
// snapshot of the job, the last one its final state.
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	events, unsubscribe, err := h.opts.Jobs.Subscribe(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	// Reading is required to process control frames and to notice the peer leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if info, ok := h.opts.Jobs.Get(id); ok {
		if err := conn.WriteJSON(map[string]any{"type": "snapshot", "job": info}); err != nil {
			return
		}
	}

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				info, _ := h.opts.Jobs.Get(id)
				conn.WriteJSON(map[string]any{"type": "final", "job": info})
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("Websocket write failed",
					slog.String("job_id", id),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	apiDoc := map[string]any{
		"service": "voicer transcription service",
		"version": Version,
		"endpoints": map[string]string{
			"GET /":                 "API documentation",
			"GET /health":           "Service health check",
			"GET /config":           "Service configuration without secrets",
			"GET /stats":            "Service statistics",
			"GET /metrics":          "Prometheus metrics",
			"POST /jobs":            "Submit a job (JSON {input, scenario} or multipart file upload)",
			"GET /jobs":             "List jobs, optionally ?status=" + strings.Join(statusNames(), "|"),
			"GET /jobs/{id}":        "Job details and result",
			"DELETE /jobs/{id}":     "Cancel a job",
			"GET /jobs/{id}/events": "Websocket stream of job progress",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

func statusNames() []string {
	return []string{
		string(jobs.StatusQueued),
		string(jobs.StatusRunning),
		string(jobs.StatusSucceeded),
		string(jobs.StatusFailed),
		string(jobs.StatusCancelled),
	}
}
