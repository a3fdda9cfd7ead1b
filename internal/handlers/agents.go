package handlers

import (
	"net/http"

	"github.com/incrypt/backend/internal/signals"
)

func HandleListAgents(svc *signals.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeData(w, svc.Agents())
	}
}

func HandleListPairs(svc *signals.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeData(w, svc.Pairs())
	}
}
