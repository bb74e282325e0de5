// Package server exposes the Registration Service over HTTP: the public
// /v1/evidence surface plus operator and health endpoints. Handler shape
// (thin struct wrapping a service, writeJSON/writeError helpers) follows
// the teacher's pkg/server/proof_handlers.go.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/proofvault/engine/pkg/evidence"
	"github.com/proofvault/engine/pkg/registration"
)

const maxMemoryMultipart = 32 << 20 // 32 MiB held in memory before spilling to temp files

// EvidenceHandlers implements the evidence registration HTTP surface.
type EvidenceHandlers struct {
	svc     *registration.Service
	logger  *log.Logger
	metrics *Metrics
}

// NewEvidenceHandlers builds the handler set around svc.
func NewEvidenceHandlers(svc *registration.Service, metrics *Metrics, logger *log.Logger) *EvidenceHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[EvidenceAPI] ", log.LstdFlags)
	}
	return &EvidenceHandlers{svc: svc, metrics: metrics, logger: logger}
}

// HandleRegister handles POST /v1/evidence. The document is submitted as
// multipart/form-data: file field "document", plus "filename",
// "submitter_label" and "organization_label" text fields.
func (h *EvidenceHandlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST is allowed")
		return
	}
	defer h.observe("register")()

	if err := r.ParseMultipartForm(maxMemoryMultipart); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_MULTIPART", "Failed to parse multipart body: "+err.Error())
		return
	}

	file, header, err := r.FormFile("document")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "MISSING_DOCUMENT", "Form field 'document' is required")
		return
	}
	defer file.Close()

	docBytes, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "READ_FAILED", "Failed to read uploaded document")
		return
	}

	filename := r.FormValue("filename")
	if filename == "" {
		filename = header.Filename
	}
	submitterLabel := r.FormValue("submitter_label")
	orgLabel := r.FormValue("organization_label")

	result, err := h.svc.Register(r.Context(), docBytes, filename, submitterLabel, orgLabel)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if !result.Created {
		status = http.StatusOK
	}
	h.writeJSON(w, status, map[string]any{
		"created": result.Created,
		"record":  result.Record,
	})
}

// HandleGetRecord handles GET /v1/evidence/{id}.
func (h *EvidenceHandlers) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}
	defer h.observe("get_record")()

	id, ok := h.parseID(w, r, "/v1/evidence/")
	if !ok {
		return
	}

	view, err := h.svc.GetRecord(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// HandleListRecords handles GET /v1/evidence.
func (h *EvidenceHandlers) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}
	defer h.observe("list_records")()

	filters := evidence.ListFilters{
		Limit:          h.parseIntParam(r, "limit", 100),
		Offset:         h.parseIntParam(r, "offset", 0),
		SortField:      r.URL.Query().Get("sort"),
		SortDescending: r.URL.Query().Get("order") == "desc",
	}
	if org := r.URL.Query().Get("organization_label"); org != "" {
		filters.OrganizationLabel = &org
	}
	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		s := evidence.Status(statusParam)
		filters.Status = &s
	}

	page, err := h.svc.ListRecords(r.Context(), filters)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// HandleVerify handles POST /v1/evidence/{id}/verify.
func (h *EvidenceHandlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST is allowed")
		return
	}
	defer h.observe("verify")()

	id, ok := h.parseID(w, r, "/v1/evidence/", "/verify")
	if !ok {
		return
	}

	view, err := h.svc.Verify(r.Context(), id)
	if err != nil {
		var mismatch *registration.IntegrityMismatch
		if errors.As(err, &mismatch) {
			h.writeJSON(w, http.StatusConflict, map[string]any{
				"error":        map[string]string{"code": "INTEGRITY_MISMATCH", "message": mismatch.Error()},
				"verification": view,
			})
			return
		}
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// HandleRetry handles POST /v1/evidence/{id}/retry.
func (h *EvidenceHandlers) HandleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST is allowed")
		return
	}
	defer h.observe("retry")()

	id, ok := h.parseID(w, r, "/v1/evidence/", "/retry")
	if !ok {
		return
	}

	view, err := h.svc.Retry(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// parseID extracts a uuid from a path of the form prefix + id + suffix...,
// trimming prefix and any one of the given suffixes.
func (h *EvidenceHandlers) parseID(w http.ResponseWriter, r *http.Request, prefix string, suffixes ...string) (uuid.UUID, bool) {
	path := strings.TrimPrefix(r.URL.Path, prefix)
	for _, suffix := range suffixes {
		path = strings.TrimSuffix(path, suffix)
	}
	path = strings.Trim(path, "/")

	id, err := uuid.Parse(path)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid evidence record id")
		return uuid.UUID{}, false
	}
	return id, true
}

func (h *EvidenceHandlers) writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *registration.ValidationError
	switch {
	case errors.Is(err, evidence.ErrRecordNotFound):
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", "No evidence record found with that id")
	case errors.As(err, &validationErr):
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", validationErr.Error())
	case errors.Is(err, evidence.ErrStaleState):
		h.writeError(w, http.StatusConflict, "STALE_STATE", "Record was concurrently modified; reload and retry")
	default:
		h.logger.Printf("internal error: %v", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Unexpected server error")
	}
}

func (h *EvidenceHandlers) parseIntParam(r *http.Request, name string, defaultVal int) int {
	valStr := r.URL.Query().Get(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func (h *EvidenceHandlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Printf("error encoding response: %v", err)
	}
}

func (h *EvidenceHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func (h *EvidenceHandlers) observe(operation string) func() {
	if h.metrics == nil {
		return func() {}
	}
	return h.metrics.ObserveRequest(operation)
}
