package api

import (
	"io"
	"net/http"

	"github.com/aphrodite-server/aphrodite/internal/httputil"
	"github.com/aphrodite-server/aphrodite/internal/models"
)

// maxPosterUpload caps custom poster bodies; Jellyfin refuses anything
// near this size anyway.
const maxPosterUpload = 32 << 20

func (s *Server) handleCustomUpload(w http.ResponseWriter, r *http.Request) {
	if s.posterOps == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "unavailable", "jellyfin is not configured")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPosterUpload))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "poster body too large or unreadable")
		return
	}
	if len(data) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "empty poster body")
		return
	}

	res, err := s.posterOps.CustomUpload(r.Context(), r.PathValue("id"), s.userID(r), data, r.Header.Get("Content-Type"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleRevertPoster(w http.ResponseWriter, r *http.Request) {
	if s.posterOps == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "unavailable", "jellyfin is not configured")
		return
	}

	res, err := s.posterOps.Revert(r.Context(), r.PathValue("id"), s.userID(r))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
