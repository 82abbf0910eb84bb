// Package api is the HTTP surface: the gateway endpoints, analytics,
// webhook management and operational probes.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server owns the router and the handler dependencies.
type Server struct {
	gateway  GatewayService
	streamer StreamService
	detector DetectService
	store    AnalyticsStore
	webhooks WebhookStore
	rules    RuleSource
	auth     *Authenticator
	registry *prometheus.Registry
}

func NewServer(gateway GatewayService, streamer StreamService, detector DetectService, store AnalyticsStore, webhooks WebhookStore, rules RuleSource, auth *Authenticator, registry *prometheus.Registry) *Server {
	return &Server{
		gateway:  gateway,
		streamer: streamer,
		detector: detector,
		store:    store,
		webhooks: webhooks,
		rules:    rules,
		auth:     auth,
		registry: registry,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	// Unauthenticated operational endpoints.
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.auth.Middleware)

	v1.HandleFunc("/chat/completions", s.handleChatCompletions).Methods("POST", "OPTIONS")
	v1.HandleFunc("/chat/completions/stream", s.handleChatStream).Methods("POST", "OPTIONS")
	v1.HandleFunc("/detect-pii", s.handleDetectPII).Methods("POST", "OPTIONS")

	v1.HandleFunc("/analytics/overview", s.handleOverview).Methods("GET", "OPTIONS")
	v1.HandleFunc("/analytics/providers", s.handleProviders).Methods("GET", "OPTIONS")
	v1.HandleFunc("/analytics/users", s.handleUsers).Methods("GET", "OPTIONS")
	v1.HandleFunc("/analytics/timeline", s.handleTimeline).Methods("GET", "OPTIONS")
	v1.HandleFunc("/analytics/recent", s.handleRecent).Methods("GET", "OPTIONS")
	v1.HandleFunc("/analytics/live", s.handleLive).Methods("GET", "OPTIONS")
	v1.HandleFunc("/analytics/live/ws", s.handleLiveWS).Methods("GET")

	v1.HandleFunc("/webhooks", s.handleListWebhooks).Methods("GET", "OPTIONS")
	v1.HandleFunc("/webhooks", s.handleCreateWebhook).Methods("POST")
	v1.HandleFunc("/webhooks/{id}", s.handleDeleteWebhook).Methods("DELETE", "OPTIONS")

	v1.HandleFunc("/guardrails", s.handleListRules).Methods("GET", "OPTIONS")
	v1.HandleFunc("/guardrails/violations", s.handleViolations).Methods("GET", "OPTIONS")

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
