package api

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-git/go-billy/v5"

	"github.com/moodle-backup/exportd/internal/model"
)

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	name := fp + ".zip"

	err := s.supervisor.Download(r.Context(), fp, func(f billy.File, info os.FileInfo) error {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		http.ServeContent(w, r, name, info.ModTime(), f)
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Message: "Not found"})
	case errors.Is(err, context.Canceled):
		slog.DebugContext(r.Context(), "download abandoned while queued", "fingerprint", fp)
	default:
		slog.ErrorContext(r.Context(), "download failed", "fingerprint", fp, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: "Internal error"})
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	err := s.supervisor.DeleteBundle(r.Context(), fp)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, model.ErrInvalidRequest):
		writeJSON(w, http.StatusNotFound, errorBody{Message: "Not found"})
	default:
		slog.ErrorContext(r.Context(), "delete failed", "fingerprint", fp, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: "Internal error"})
	}
}
