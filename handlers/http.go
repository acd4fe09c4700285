package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/health"
	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/Yulian302/lfusys-services-recordings/metrics"
	"github.com/Yulian302/lfusys-services-recordings/models"
	"github.com/Yulian302/lfusys-services-recordings/services"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

const multipartOverhead = 1 << 20

var allowedAudioTypes = map[string]bool{
	"audio/mpeg":  true,
	"audio/mp3":   true,
	"audio/wav":   true,
	"audio/x-wav": true,
	"audio/wave":  true,
}

type HTTPHandler struct {
	pipeline      services.PipelineService
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	checks        []health.ReadinessCheck
	maxChunkBytes int64
	logger        logging.Logger
}

func NewHTTPHandler(
	pipeline services.PipelineService,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
	checks []health.ReadinessCheck,
	maxChunkBytes int64,
	logger logging.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		pipeline:      pipeline,
		metrics:       m,
		gatherer:      gatherer,
		checks:        checks,
		maxChunkBytes: maxChunkBytes,
		logger:        logger,
	}
}

// Routes builds the router. An empty origins list allows every origin.
func (h *HTTPHandler) Routes(allowedOrigins []string) http.Handler {
	r := mux.NewRouter()
	r.Use(h.instrument)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/audio/add", h.addChunk).Methods(http.MethodPost)
	api.HandleFunc("/audio/merge/{timestamp}", h.merge).Methods(http.MethodPost)
	api.HandleFunc("/audio/remove/{timestamp}", h.remove).Methods(http.MethodDelete)
	api.HandleFunc("/audio/{timestamp}", h.status).Methods(http.MethodGet)
	api.HandleFunc("/audio/{timestamp}/access", h.access).Methods(http.MethodGet)

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.readyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(r)
}

func (h *HTTPHandler) addChunk(w http.ResponseWriter, r *http.Request) {
	if h.maxChunkBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxChunkBytes+multipartOverhead)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.writeError(w, apperror.InvalidChunk("", "invalid multipart body: "+err.Error()))
		return
	}

	file, header, err := r.FormFile("audio")
	if errors.Is(err, http.ErrMissingFile) {
		file, header, err = r.FormFile("chunk")
	}
	if err != nil {
		h.writeError(w, apperror.InvalidChunk("", "audio file is required"))
		return
	}
	defer file.Close()

	sessionKey := r.FormValue("timestamp")
	if sessionKey == "" {
		sessionKey = r.FormValue("sessionKey")
	}
	if sessionKey == "" {
		sessionKey = h.pipeline.NewSessionKey()
	}

	mediaType, _, err := mime.ParseMediaType(header.Header.Get("Content-Type"))
	if err != nil || !allowedAudioTypes[mediaType] {
		h.writeError(w, apperror.InvalidChunk(sessionKey, "unsupported audio type"))
		return
	}
	if h.maxChunkBytes > 0 && header.Size > h.maxChunkBytes {
		h.writeError(w, apperror.InvalidChunk(sessionKey, "chunk exceeds the size limit"))
		return
	}

	var index *int
	if raw := r.FormValue("index"); raw != "" {
		i, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, apperror.InvalidChunk(sessionKey, "index must be an integer"))
			return
		}
		index = &i
	}

	payload, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, apperror.InvalidChunk(sessionKey, "failed to read chunk"))
		return
	}

	ref, err := h.pipeline.AppendChunk(r.Context(), sessionKey, payload, index)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "chunk uploaded",
		"sessionKey": ref.SessionKey,
		"index":      ref.Index,
	})
}

func (h *HTTPHandler) merge(w http.ResponseWriter, r *http.Request) {
	res, err := h.pipeline.Merge(r.Context(), mux.Vars(r)["timestamp"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accessUrl":        res.Grant.URL,
		"expiresInSeconds": res.Grant.ExpiresInSeconds(time.Now()),
		"storageKey":       res.Object.Key,
		"durationSeconds":  res.DurationSeconds,
	})
}

func (h *HTTPHandler) remove(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["timestamp"]
	outcome, err := h.pipeline.Remove(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if outcome == models.RemoveOutcomeNotFound {
		writeJSON(w, http.StatusNotFound, errorBody{ErrorKind: "NotFound", Message: "nothing stored for " + key})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "recording removed"})
}

func (h *HTTPHandler) status(w http.ResponseWriter, r *http.Request) {
	status, err := h.pipeline.Status(r.Context(), mux.Vars(r)["timestamp"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *HTTPHandler) access(w http.ResponseWriter, r *http.Request) {
	grant, err := h.pipeline.IssueAccess(r.Context(), mux.Vars(r)["timestamp"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accessUrl":        grant.URL,
		"expiresInSeconds": grant.ExpiresInSeconds(time.Now()),
	})
}

func (h *HTTPHandler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) readyz(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	results := make(map[string]string, len(h.checks))

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		err := c.IsReady(ctx)
		cancel()

		if err != nil {
			code = http.StatusServiceUnavailable
			results[c.Name()] = err.Error()
			continue
		}
		results[c.Name()] = "ok"
	}

	writeJSON(w, code, map[string]any{"ready": code == http.StatusOK, "checks": results})
}

type errorBody struct {
	ErrorKind string `json:"errorKind"`
	Message   string `json:"message"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	kind := apperror.KindOf(err)
	msg := err.Error()

	var appErr *apperror.Error
	if !errors.As(err, &appErr) || kind == apperror.KindInternal {
		h.logger.Error("request failed", "error", err)
		msg = "internal error"
	}

	writeJSON(w, kind.HTTPStatus(), errorBody{ErrorKind: kind.String(), Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
