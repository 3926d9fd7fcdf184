package api

import (
	"net/http"
	"strings"

	"github.com/aphrodite-server/aphrodite/internal/httputil"
	"github.com/aphrodite-server/aphrodite/internal/models"
)

// LibraryItem is the slim browse row; full media stream payloads stay
// server-side.
type LibraryItem struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	ProductionYear int    `json:"production_year,omitempty"`
	HasOverlay     bool   `json:"has_overlay"`
}

func (s *Server) handleListLibraries(w http.ResponseWriter, r *http.Request) {
	if s.jellyfin == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "unavailable", "jellyfin is not configured")
		return
	}
	libs, err := s.jellyfin.ListLibraries(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, libs)
}

func (s *Server) handleListLibraryItems(w http.ResponseWriter, r *http.Request) {
	if s.jellyfin == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "unavailable", "jellyfin is not configured")
		return
	}
	items, err := s.jellyfin.ListLibraryItems(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	rows := make([]LibraryItem, 0, len(items))
	for _, item := range items {
		row := LibraryItem{
			ID:             item.ID,
			Name:           item.Name,
			Type:           item.Type,
			ProductionYear: item.ProductionYear,
		}
		for _, tag := range item.Tags {
			if strings.EqualFold(tag, models.OverlayTag) {
				row.HasOverlay = true
				break
			}
		}
		rows = append(rows, row)
	}
	httputil.WriteJSON(w, http.StatusOK, rows)
}
