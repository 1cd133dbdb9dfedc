package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vigil/internal/assessment"
	"vigil/internal/audit"

	"github.com/go-chi/chi/v5"
)

// AssessmentHandler serves the read-only ops view. Submission, claiming and
// cancellation belong to the controller and processors, not this surface.
type AssessmentHandler struct {
	Store    *assessment.Store
	Recorder *audit.Recorder
}

type assessmentDTO struct {
	AssessmentID   string          `json:"assessment_id"`
	State          string          `json:"state"`
	Version        uint64          `json:"version"`
	RequestData    json.RawMessage `json:"request_data,omitempty"`
	ResultData     json.RawMessage `json:"result_data,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	Progress       int             `json:"progress"`
	Priority       int             `json:"priority"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	Source         string          `json:"source,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

func toDTO(a *assessment.Assessment) assessmentDTO {
	return assessmentDTO{
		AssessmentID:   a.AssessmentID,
		State:          string(a.State),
		Version:        a.Version,
		RequestData:    a.RequestData,
		ResultData:     a.ResultData,
		ErrorMessage:   a.ErrorMessage,
		Progress:       a.Progress,
		Priority:       a.Priority,
		RetryCount:     a.RetryCount,
		MaxRetries:     a.MaxRetries,
		TimeoutSeconds: a.TimeoutSeconds,
		NextRetryAt:    a.NextRetryAt,
		Source:         a.Source,
		Tags:           []string(a.Tags),
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
		CompletedAt:    a.CompletedAt,
	}
}

func (h *AssessmentHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f assessment.Filter

	for _, s := range strings.Split(q.Get("state"), ",") {
		s = strings.TrimSpace(strings.ToLower(s))
		if s != "" {
			f.States = append(f.States, assessment.State(s))
		}
	}
	f.Source = strings.TrimSpace(q.Get("source"))
	f.Tag = strings.TrimSpace(q.Get("tag"))
	f.PriorityMin, _ = strconv.Atoi(q.Get("priority_min"))
	f.PriorityMax, _ = strconv.Atoi(q.Get("priority_max"))
	f.OrderBy = strings.TrimSpace(q.Get("order"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	rows, err := h.Store.List(r.Context(), f)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	out := make([]assessmentDTO, 0, len(rows))
	for i := range rows {
		out = append(out, toDTO(&rows[i]))
	}
	writeJSON(w, out)
}

func (h *AssessmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a, err := h.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, assessment.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, toDTO(a))
}

func (h *AssessmentHandler) Trail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entries, err := h.Recorder.Trail(r.Context(), id)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	// the trail may outlive the record, so an empty trail (not the record's
	// absence) is the 404 signal here
	if len(entries) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
