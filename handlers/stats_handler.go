package handlers

import (
	"context"
	"net/http"
	"time"

	"centumAPI/internal/stats"
	"centumAPI/middleware"
	"centumAPI/services"
)

type StatsHandler struct {
	challengeService *services.ChallengeService
	aggregator       *stats.Aggregator
}

func NewStatsHandler(challengeService *services.ChallengeService, aggregator *stats.Aggregator) *StatsHandler {
	return &StatsHandler{
		challengeService: challengeService,
		aggregator:       aggregator,
	}
}

func (h *StatsHandler) GetUserMetrics(w http.ResponseWriter, r *http.Request) {
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

	respondWithJSON(w, http.StatusOK, h.aggregator.Metrics(userID))
}
