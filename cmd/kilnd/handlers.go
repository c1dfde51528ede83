package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/kilnwork/kiln"
	"github.com/kilnwork/kiln/search"
)

type handler struct {
	engine *kiln.Engine
}

func newHandler(e *kiln.Engine) *handler {
	return &handler{engine: e}
}

// POST /search
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var req struct {
		Query          string `json:"query"`
		K              int    `json:"k"`
		NotePathPrefix string `json:"note_path_prefix,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.K <= 0 {
		req.K = 10
	}

	results, err := h.engine.Search(ctx, req.Query, req.K, search.Filters{NotePathPrefix: req.NotePathPrefix})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// POST /process
func (h *handler) handleProcessFile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req struct {
		Path  string `json:"path"`
		Force bool   `json:"force,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "invalid request: expected JSON with 'path'")
		return
	}

	outcome, err := h.engine.ProcessFile(ctx, req.Path, req.Force)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "processing failed")
		slog.Error("process file error", "path", req.Path, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// GET /status
func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status unavailable")
		slog.Error("status error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
