package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/choregarden/choregarden-core/pkg/auth"
	cgerr "github.com/choregarden/choregarden-core/pkg/errors"
	"github.com/choregarden/choregarden-core/pkg/users"
)

// maxBodySize caps JSON request bodies.
const maxBodySize = 64 << 10

type handlers struct {
	users  UserService
	db     Clock
	logger *slog.Logger
}

type messageResponse struct {
	Message string `json:"message"`
}

type deepPingResponse struct {
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type protectedPingResponse struct {
	Message   string `json:"message"`
	CognitoID string `json:"cognitoId"`
}

type registerResponse struct {
	Message string      `json:"message"`
	User    *users.User `json:"user"`
}

type updateProfileRequest struct {
	DisplayName *string `json:"displayName"`
}

func (h *handlers) ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, messageResponse{Message: "pong"})
}

func (h *handlers) pingDeep(w http.ResponseWriter, r *http.Request) {
	now, err := h.db.Now(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "deep ping query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Database query failed")
		return
	}
	writeJSON(w, http.StatusOK, deepPingResponse{Message: "pong with DB connection", Time: now})
}

func (h *handlers) pingProtected(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, protectedPingResponse{Message: "pong (protected)", CognitoID: id.SubjectID})
}

// getProfile runs behind RequireUser, so the user is loaded.
func (h *handlers) getProfile(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, id.AppUser())
}

func (h *handlers) updateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := auth.IdentityFromContext(ctx)

	var req updateProfileRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.DisplayName == nil {
		writeError(w, http.StatusBadRequest, "Display name is required")
		return
	}

	u, err := h.users.UpdateDisplayName(ctx, id.SubjectID, *req.DisplayName)
	switch {
	case cgerr.IsValidation(err):
		writeError(w, http.StatusBadRequest, "Display name is required")
	case cgerr.IsNotFound(err):
		writeError(w, http.StatusNotFound, "User not found")
	case err != nil:
		h.logger.ErrorContext(ctx, "profile update failed", "error", err, "subject", id.SubjectID)
		writeError(w, http.StatusInternalServerError, "Failed to update user")
	default:
		writeJSON(w, http.StatusOK, u)
	}
}

// register is the explicit provisioning endpoint for callers that came
// through the gateway path. A user already loaded by RequireAuth is
// returned as is.
func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := auth.IdentityFromContext(ctx)

	u := id.AppUser()
	if u == nil {
		var err error
		u, err = h.users.Register(ctx, auth.ExternalIdentity{SubjectID: id.SubjectID, Email: id.Email}.UserIdentity())
		if err != nil {
			h.logger.ErrorContext(ctx, "registration failed", "error", err, "subject", id.SubjectID)
			writeError(w, http.StatusInternalServerError, "Failed to create user")
			return
		}
	}
	writeJSON(w, http.StatusOK, registerResponse{Message: "User registered successfully", User: u})
}
