package api

import (
	"errors"
	"guildsync/internal/metrics"
	"guildsync/internal/service"
	"guildsync/internal/types"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

const maxBody = 1 << 20

type Handler struct {
	Service *service.Service
	Metrics *metrics.Metrics
}

func NewHandler(svc *service.Service, m *metrics.Metrics) *Handler {
	return &Handler{Service: svc, Metrics: m}
}

// patchRequest is the body of PATCH /config/{key}.
type patchRequest struct {
	ExpectedVersion *int64        `json:"expectedVersion"`
	Patch           types.Payload `json:"patch"`
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	h.handle(mux, "GET /config/{key}", h.handleGet)
	h.handle(mux, "PATCH /config/{key}", h.handlePatch)
	h.handle(mux, "DELETE /config/{key}", h.handleDelete)
	h.handle(mux, "PUT /update/{key}", h.handleReplace)
	h.handle(mux, "GET /{$}", h.handleList)
	h.handle(mux, "GET /server/{key}", h.handleExists)
	h.handle(mux, "GET /langs", h.handleLangs)
	h.handle(mux, "GET /reload", h.handleReload)
	h.handle(mux, "GET /schema", h.handleSchema)
	h.handle(mux, "GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", h.Metrics.Handler())
	return mux
}

// handle registers fn under pattern and counts its responses by status code.
func (h *Handler) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		fn(rec, r)
		h.Metrics.HTTPRequest(pattern, rec.code)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Service.Get(r.Context(), types.ConfigKey(r.PathValue("key")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, doc)
}

func (h *Handler) handlePatch(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Patch == nil {
		http.Error(w, "missing patch", http.StatusBadRequest)
		return
	}
	doc, err := h.Service.Patch(r.Context(), types.ConfigKey(r.PathValue("key")), req.ExpectedVersion, req.Patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, doc)
}

func (h *Handler) handleReplace(w http.ResponseWriter, r *http.Request) {
	expected, ok := expectedVersion(w, r)
	if !ok {
		return
	}
	var payload types.Payload
	if !readJSON(w, r, &payload) {
		return
	}
	doc, err := h.Service.Replace(r.Context(), types.ConfigKey(r.PathValue("key")), expected, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, doc)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	expected, ok := expectedVersion(w, r)
	if !ok {
		return
	}
	doc, err := h.Service.Delete(r.Context(), types.ConfigKey(r.PathValue("key")), expected)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, doc)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Service.ListGuilds(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, keys)
}

func (h *Handler) handleExists(w http.ResponseWriter, r *http.Request) {
	ok, err := h.Service.Exists(r.Context(), types.ConfigKey(r.PathValue("key")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, ok)
}

func (h *Handler) handleLangs(w http.ResponseWriter, r *http.Request) {
	langs, err := h.Service.Languages(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, langs)
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	writeOK(w, h.Service.ReloadLanguages())
}

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeOK(w, h.Service.Schema())
}

// expectedVersion reads the optional expectedVersion query parameter.
func expectedVersion(w http.ResponseWriter, r *http.Request) (*int64, bool) {
	raw := r.URL.Query().Get("expectedVersion")
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		http.Error(w, "invalid expectedVersion", http.StatusBadRequest)
		return nil, false
	}
	return &v, true
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer func() {
		_ = r.Body.Close()
	}()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "read error", http.StatusBadRequest)
		return false
	}
	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps service errors to status codes. The body is a JSON object with an error
// message plus the details of typed errors.
func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}
	code := http.StatusInternalServerError

	var (
		conflict  *types.ConflictError
		invalid   *types.ValidationError
		migration *types.MigrationError
	)
	switch {
	case errors.Is(err, types.ErrInvalidKey):
		code = http.StatusBadRequest
	case errors.As(err, &conflict):
		code = http.StatusConflict
		body["expectedVersion"] = conflict.Expected
		body["actualVersion"] = conflict.Actual
	case errors.As(err, &invalid):
		code = http.StatusUnprocessableEntity
		body["fields"] = invalid.Errors
	case errors.As(err, &migration):
		body["fromVersion"] = migration.From
		body["toVersion"] = migration.To
		body["field"] = migration.Field
	case errors.Is(err, types.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, types.ErrIOFailure):
		code = http.StatusServiceUnavailable
	}
	if code >= http.StatusInternalServerError {
		log.WithError(err).WithField("status", code).Error("request failed")
	}
	if err := writeJSON(w, code, body); err != nil {
		log.WithError(err).Warn("failed to write error response")
	}
}

func writeOK(w http.ResponseWriter, v any) {
	if err := writeJSON(w, http.StatusOK, v); err != nil {
		http.Error(w, "failed to write response", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}
