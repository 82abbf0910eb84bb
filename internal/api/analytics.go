package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aigateway/backend/internal/database"
)

// AnalyticsStore is the aggregation surface; *database.Store satisfies
// it.
type AnalyticsStore interface {
	Overview(ctx context.Context, filter database.StatsFilter) (*database.OverviewStats, error)
	ByProvider(ctx context.Context, filter database.StatsFilter) ([]database.ProviderStats, error)
	ByUser(ctx context.Context, filter database.StatsFilter, limit int) ([]database.UserStats, error)
	Timeline(ctx context.Context, start, end time.Time, granularity string, userID *uuid.UUID) ([]database.TimelinePoint, error)
	Recent(ctx context.Context, userID *uuid.UUID, limit int) ([]database.RecentRequest, error)
	Live(ctx context.Context) (*database.LiveStats, error)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The REST surface is already open CORS; the websocket matches.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const liveWSInterval = 3 * time.Second

// parseStatsFilter reads optional start/end query parameters (RFC 3339)
// and scopes non-admin callers to their own rows.
func parseStatsFilter(r *http.Request, principal *Principal) database.StatsFilter {
	var filter database.StatsFilter
	if v := r.URL.Query().Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Start = &t
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.End = &t
		}
	}
	if !principal.IsAdmin {
		filter.UserID = &principal.UserID
	}
	return filter
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Overview(r.Context(), parseStatsFilter(r, PrincipalFrom(r.Context())))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.ByProvider(r.Context(), parseStatsFilter(r, PrincipalFrom(r.Context())))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	if !principal.IsAdmin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	stats, err := s.store.ByUser(r.Context(), parseStatsFilter(r, principal), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	filter := parseStatsFilter(r, principal)

	end := time.Now().UTC()
	if filter.End != nil {
		end = *filter.End
	}
	start := end.Add(-24 * time.Hour)
	if filter.Start != nil {
		start = *filter.Start
	}

	points, err := s.store.Timeline(r.Context(), start, end, r.URL.Query().Get("granularity"), filter.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var userID *uuid.UUID
	if !principal.IsAdmin {
		userID = &principal.UserID
	}

	recent, err := s.store.Recent(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, recent)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Live(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleLiveWS upgrades the connection and pushes live stats on a fixed
// interval until the client disconnects.
func (s *Server) handleLiveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error
	}
	defer conn.Close()

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(liveWSInterval)
	defer ticker.Stop()

	for {
		stats, err := s.store.Live(r.Context())
		if err != nil {
			slog.Warn("live stats query failed", "error", err)
		} else if err := conn.WriteJSON(stats); err != nil {
			return
		}

		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}
