package handlers

import (
	"net/http"

	"github.com/incrypt/backend/internal/reputation"
)

// HandleReputation returns one agent's record with ?agentId=, otherwise
// every agent in leaderboard order.
func HandleReputation(svc *reputation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if agentID := r.URL.Query().Get("agentId"); agentID != "" {
			rep, err := svc.Get(r.Context(), agentID)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeData(w, rep)
			return
		}

		all, err := svc.All(r.Context(), 0)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, nonNil(all))
	}
}

func HandleLeaderboard(svc *reputation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryLimit(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		top, err := svc.Leaderboard(r.Context(), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, nonNil(top))
	}
}

func nonNil(reps []*reputation.AgentReputation) []*reputation.AgentReputation {
	if reps == nil {
		return []*reputation.AgentReputation{}
	}
	return reps
}
