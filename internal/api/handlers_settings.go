package api

import (
	"context"
	"net/http"
	"time"

	"github.com/aphrodite-server/aphrodite/internal/httputil"
	"github.com/aphrodite-server/aphrodite/internal/jellyfin"
	"github.com/aphrodite-server/aphrodite/internal/models"
	"github.com/aphrodite-server/aphrodite/internal/settings"
)

// settingsKeys are the documents reachable over the API. Anything else
// in app_settings stays internal.
var settingsKeys = map[string]bool{
	settings.KeySystem:          true,
	settings.KeyBadgeAudio:      true,
	settings.KeyBadgeResolution: true,
	settings.KeyBadgeReview:     true,
	settings.KeyBadgeAwards:     true,
	settings.KeyReviewSources:   true,
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !settingsKeys[name] {
		httputil.WriteError(w, http.StatusNotFound, "not_found", "unknown settings document "+name)
		return
	}
	doc, err := s.settings.Document(name)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !settingsKeys[name] {
		httputil.WriteError(w, http.StatusNotFound, "not_found", "unknown settings document "+name)
		return
	}

	var doc settings.Doc
	if err := httputil.ReadJSON(r, &doc); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid settings body")
		return
	}
	if err := s.settings.Put(name, doc); err != nil {
		s.respondDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, doc)
}

type JellyfinTestRequest struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
	UserID string `json:"user_id"`
}

// handleTestJellyfin checks connectivity. With a body it probes the given
// credentials (so operators can verify before saving); without one it
// probes the configured client.
func (s *Server) handleTestJellyfin(w http.ResponseWriter, r *http.Request) {
	var req JellyfinTestRequest
	if r.ContentLength != 0 {
		if err := httputil.ReadJSON(r, &req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid request body")
			return
		}
	}

	var client mediaServer
	if req.URL != "" {
		client = jellyfin.NewClient(req.URL, req.APIKey, req.UserID)
	} else {
		if s.jellyfin == nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, "unavailable", "jellyfin is not configured")
			return
		}
		client = s.jellyfin
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	info, err := client.TestConnection(ctx)
	if err != nil {
		httputil.WriteError(w, http.StatusBadGateway, string(models.ErrKindNetworkTransient), err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}
