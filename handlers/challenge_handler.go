package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"centumAPI/internal/apperr"
	"centumAPI/internal/challenge"
	"centumAPI/middleware"
	"centumAPI/services"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type ChallengeHandler struct {
	challengeService *services.ChallengeService
}

func NewChallengeHandler(challengeService *services.ChallengeService) *ChallengeHandler {
	return &ChallengeHandler{
		challengeService: challengeService,
	}
}

func (h *ChallengeHandler) ListChallenges(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	if err := h.challengeService.EnsureSession(ctx, userID); err != nil {
		respondWithServiceError(w, err)
		return
	}

	var list []*challenge.Challenge
	switch strings.ToLower(r.URL.Query().Get("filter")) {
	case "active":
		list = h.challengeService.Active(userID)
	case "archived":
		list = h.challengeService.Archived(userID)
	default:
		list = h.challengeService.All(userID)
	}

	respondWithJSON(w, http.StatusOK, list)
}

func (h *ChallengeHandler) GetChallenge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid challenge id")
		return
	}

	if err := h.challengeService.EnsureSession(ctx, userID); err != nil {
		respondWithServiceError(w, err)
		return
	}

	c, err := h.challengeService.Get(userID, id)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

func (h *ChallengeHandler) CreateChallenge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var req challenge.CreateChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		respondWithError(w, http.StatusBadRequest, "Title is required")
		return
	}

	c, err := h.challengeService.Create(ctx, userID, strings.TrimSpace(req.Title))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, c)
}

func (h *ChallengeHandler) UpdateChallenge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid challenge id")
		return
	}

	var req challenge.UpdateChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.challengeService.EnsureSession(ctx, userID); err != nil {
		respondWithServiceError(w, err)
		return
	}

	c, err := h.challengeService.Get(userID, id)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	if req.Title != nil && strings.TrimSpace(*req.Title) != "" {
		c.Title = strings.TrimSpace(*req.Title)
	}
	// Archiving is one-way: an archived challenge cannot be reactivated.
	if req.Archived != nil && *req.Archived {
		c.Archived = true
	}

	if err := h.challengeService.Save(ctx, userID, c); err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

func (h *ChallengeHandler) DeleteChallenge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid challenge id")
		return
	}

	if err := h.challengeService.Delete(ctx, userID, id); err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "Challenge deleted successfully"})
}

func (h *ChallengeHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid challenge id")
		return
	}

	c, err := h.challengeService.CheckIn(ctx, userID, id)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

func (h *ChallengeHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	if err := h.challengeService.Refresh(ctx, userID); err != nil {
		// The cached list stays authoritative; tell the caller the sync
		// failed but hand back what we have.
		if errors.Is(err, apperr.ErrNetwork) {
			respondWithJSON(w, http.StatusOK, map[string]any{
				"challenges": h.challengeService.All(userID),
				"stale":      true,
			})
			return
		}
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"challenges": h.challengeService.All(userID),
		"stale":      false,
	})
}

func (h *ChallengeHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	h.challengeService.EndSession(userID)
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "Session ended"})
}

func respondWithServiceError(w http.ResponseWriter, err error) {
	var qe *apperr.QuotaError
	if errors.As(err, &qe) {
		respondWithJSON(w, http.StatusForbidden, map[string]any{
			"error":            qe.Error(),
			"limit":            qe.Limit,
			"active":           qe.Active,
			"upgrade_required": true,
		})
		return
	}

	switch {
	case errors.Is(err, apperr.ErrNotAuthenticated):
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
	case errors.Is(err, apperr.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "Challenge not found")
	case errors.Is(err, apperr.ErrAlreadyCheckedIn):
		respondWithError(w, http.StatusConflict, "Already checked in today")
	case errors.Is(err, apperr.ErrChallengeCompleted):
		respondWithError(w, http.StatusConflict, "Challenge already completed")
	case errors.Is(err, apperr.ErrNetwork):
		respondWithError(w, http.StatusBadGateway, "Remote store unavailable")
	default:
		respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
