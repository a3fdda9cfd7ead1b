package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/incrypt/backend/internal/circuitbreaker"
	"github.com/incrypt/backend/internal/events"
	"github.com/incrypt/backend/internal/ledger"
	"github.com/incrypt/backend/internal/metrics"
	"github.com/incrypt/backend/internal/middleware"
	"github.com/incrypt/backend/internal/reputation"
	"github.com/incrypt/backend/internal/signals"
	"github.com/incrypt/backend/internal/websocket"
)

// Deps wires the router. Limiter, Bus, Gatherer and Upstreams are optional.
type Deps struct {
	Signals       *signals.Service
	Ledger        *ledger.Ledger
	Reputation    *reputation.Service
	Bus           *events.Bus
	Upstreams     *circuitbreaker.Upstreams
	Limiter       *middleware.RateLimiter
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger
	AllowedOrigin string
	SignalsPath   string
}

func NewRouter(d Deps) *mux.Router {
	if d.SignalsPath == "" {
		d.SignalsPath = "/api/signals"
	}

	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(d.Logger, d.Metrics))
	r.Use(middleware.CORS(d.AllowedOrigin))

	issue := http.Handler(HandleIssueSignal(d.Signals))
	if d.Limiter != nil {
		issue = d.Limiter.Middleware(issue)
	}
	r.Handle(d.SignalsPath, issue).Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/api/receipt/{hash}", HandleGetReceipt(d.Ledger)).Methods(http.MethodGet)
	r.HandleFunc("/api/receipts", HandleListReceipts(d.Ledger)).Methods(http.MethodGet)
	r.HandleFunc("/api/reputation", HandleReputation(d.Reputation)).Methods(http.MethodGet)
	r.HandleFunc("/api/reputation/leaderboard", HandleLeaderboard(d.Reputation)).Methods(http.MethodGet)
	r.HandleFunc("/api/agents", HandleListAgents(d.Signals)).Methods(http.MethodGet)
	r.HandleFunc("/api/pairs", HandleListPairs(d.Signals)).Methods(http.MethodGet)
	r.HandleFunc("/api/payment/requirements", HandlePaymentRequirements(d.Signals, d.SignalsPath)).Methods(http.MethodGet)

	r.HandleFunc("/health", HandleHealth(map[string]Pinger{
		"receipts":   d.Ledger,
		"reputation": d.Reputation,
	}, d.Upstreams)).Methods(http.MethodGet)

	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if d.Bus != nil {
		r.HandleFunc("/api/events/stream", HandleSSEStream(d.Bus)).Methods(http.MethodGet)
		r.Handle("/api/events/ws", websocket.NewStreamer(d.Bus, d.AllowedOrigin, d.Logger)).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorEnvelope{Error: "Not found"})
	})
	return r
}
