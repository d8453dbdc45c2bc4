package api

import (
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecapture/internal/objectstore"
	"github.com/JakeFAU/sitecapture/internal/objectstore/signed"
)

// artifact serves GET /v1/artifacts/{key}. The capability is checked before the store is
// touched, so an expired URL fails with 403 whether or not the object exists.
func (s *Server) artifact(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.opts.Verifier.Verify(key, r.URL.Query()); err != nil {
		msg := "invalid capability"
		if errors.Is(err, signed.ErrExpired) {
			msg = "capability expired"
		}
		s.writeFailure(w, http.StatusForbidden, msg)
		return
	}

	rc, err := s.opts.Artifacts.Get(r.Context(), key)
	if errors.Is(err, objectstore.ErrNotFound) {
		s.writeFailure(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		s.logger.Error("read artifact failed", zap.String("key", key), zap.Error(err))
		s.writeFailure(w, http.StatusInternalServerError, "read artifact failed")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", objectstore.ArchiveContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+key+`"`)

	// Files from the local store get ranges and conditional requests.
	if f, ok := rc.(*os.File); ok {
		if info, err := f.Stat(); err == nil {
			http.ServeContent(w, r, key, info.ModTime(), f)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("stream artifact interrupted", zap.String("key", key), zap.Error(err))
	}
}
