package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/aphrodite-server/aphrodite/internal/httputil"
	"github.com/aphrodite-server/aphrodite/internal/models"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, string(models.ErrKindInvalidInput), "invalid request body")
		return
	}

	user, err := s.users.GetByUsername(req.Username)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}
	if err := s.auth.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}

	token, err := s.auth.GenerateToken(user)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "internal", "failed to generate token")
		return
	}

	user.PasswordHash = ""
	httputil.WriteJSON(w, http.StatusOK, LoginResponse{Token: token, User: user})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(s.userID(r))
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid token subject")
		return
	}

	user, err := s.users.GetByID(id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	user.PasswordHash = ""
	httputil.WriteJSON(w, http.StatusOK, user)
}
