package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/pkg/audit"
	"github.com/toolgate/toolgate/pkg/auth"
	"github.com/toolgate/toolgate/pkg/registry"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 50 {
		writeError(w, http.StatusBadRequest, "Username must be between 3 and 50 characters")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	ctx := r.Context()
	if _, err := s.reg.Store().GetUserByName(ctx, req.Username); err == nil {
		writeError(w, http.StatusBadRequest, "Username already exists")
		return
	} else if !errors.Is(err, registry.ErrNotFound) {
		s.log.Error("user lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.log.Error("password hash failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	user := &registry.UserRecord{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         auth.RoleUser.Name,
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.reg.Store().CreateUser(ctx, user); err != nil {
		s.log.Error("create user failed", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.auditLogger(ctx).LogUserCreate(ctx, user.Username, user.Role)
	s.log.Info("user registered", "username", user.Username)

	writeJSON(w, http.StatusCreated, userResponse(user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := r.Context()
	logger := audit.NewLogger(s.auditStore, req.Username)

	user, err := s.reg.Store().GetUserByName(ctx, req.Username)
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		logger.LogLogin(ctx, false)
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	if !user.IsActive {
		logger.LogLogin(ctx, false)
		writeError(w, http.StatusForbidden, "User account is disabled")
		return
	}

	access, err := s.tokens.Access(user)
	if err != nil {
		s.log.Error("issue access token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	refresh, err := s.tokens.Refresh(user.ID)
	if err != nil {
		s.log.Error("issue refresh token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if err := s.reg.Store().TouchUserLogin(ctx, user.ID); err != nil {
		s.log.Warn("record login time failed", "user", user.Username, "error", err)
	}
	logger.LogLogin(ctx, true)

	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    s.cfg.Auth.AccessTTLMinutes * 60,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	user, err := s.reg.Store().GetUserByName(r.Context(), claims.Username)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	writeJSON(w, http.StatusOK, userResponse(user))
}
