package handler

import (
	"net/http"

	"vigil/internal/audit"
	"vigil/internal/stats"
)

type StatsHandler struct {
	Svc      *stats.Service
	Recorder *audit.Recorder
}

func (h *StatsHandler) Overview(w http.ResponseWriter, r *http.Request) {
	o, err := h.Svc.Overview(r.Context())
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, o)
}

func (h *StatsHandler) ByActor(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Recorder.ChangesByActor(r.Context())
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func (h *StatsHandler) ByState(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Recorder.ChangesByState(r.Context())
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}
