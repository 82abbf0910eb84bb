package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OverviewStats is the headline aggregate over request_logs.
type OverviewStats struct {
	TotalRequests         int64   `json:"total_requests"`
	TotalPromptTokens     int64   `json:"total_prompt_tokens"`
	TotalCompletionTokens int64   `json:"total_completion_tokens"`
	TotalTokens           int64   `json:"total_tokens"`
	TotalCost             float64 `json:"total_cost"`
	AvgDurationMS         float64 `json:"avg_duration_ms"`
	CacheHits             int64   `json:"cache_hits"`
	PIIDetections         int64   `json:"pii_detections"`
}

// ProviderStats is the per-provider rollup.
type ProviderStats struct {
	Provider      string  `json:"provider"`
	TotalRequests int64   `json:"total_requests"`
	TotalTokens   int64   `json:"total_tokens"`
	TotalCost     float64 `json:"total_cost"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// UserStats is the per-user rollup.
type UserStats struct {
	UserID        string  `json:"user_id"`
	TotalRequests int64   `json:"total_requests"`
	TotalTokens   int64   `json:"total_tokens"`
	TotalCost     float64 `json:"total_cost"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// TimelinePoint is one time bucket of the timeline series.
type TimelinePoint struct {
	Timestamp     time.Time `json:"timestamp"`
	TotalRequests int64     `json:"total_requests"`
	TotalTokens   int64     `json:"total_tokens"`
	TotalCost     float64   `json:"total_cost"`
	AvgDurationMS float64   `json:"avg_duration_ms"`
}

// RecentRequest is a trimmed request_logs row for the activity feed.
type RecentRequest struct {
	ID               uuid.UUID `json:"id"`
	UserID           uuid.UUID `json:"user_id"`
	RequestTimestamp time.Time `json:"request_timestamp"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	DurationMS       int       `json:"duration_ms"`
	CacheHit         bool      `json:"cache_hit"`
	Status           string    `json:"status"`
}

// LiveStats is the rolling one-minute window pushed over the analytics
// websocket.
type LiveStats struct {
	RequestsLastMinute int64   `json:"requests_last_minute"`
	TokensLastMinute   int64   `json:"tokens_last_minute"`
	CostLastMinute     float64 `json:"cost_last_minute"`
	AvgDurationMS      float64 `json:"avg_duration_ms"`
}

// StatsFilter bounds an aggregate query. Nil fields are unbounded.
type StatsFilter struct {
	Start  *time.Time
	End    *time.Time
	UserID *uuid.UUID
}

func (f StatsFilter) where(startIdx int) (string, []interface{}) {
	clause := ""
	var args []interface{}
	add := func(cond string, v interface{}) {
		if clause == "" {
			clause = " WHERE "
		} else {
			clause += " AND "
		}
		clause += fmt.Sprintf(cond, startIdx+len(args))
		args = append(args, v)
	}
	if f.Start != nil {
		add("request_timestamp >= $%d", *f.Start)
	}
	if f.End != nil {
		add("request_timestamp <= $%d", *f.End)
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	return clause, args
}

// Overview aggregates totals over the filtered window.
func (s *Store) Overview(ctx context.Context, filter StatsFilter) (*OverviewStats, error) {
	clause, args := filter.where(1)
	var (
		stats   OverviewStats
		pTok    sql.NullInt64
		cTok    sql.NullInt64
		tTok    sql.NullInt64
		cost    sql.NullFloat64
		avgDur  sql.NullFloat64
		hits    sql.NullInt64
		piiHits sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT count(id), sum(prompt_tokens), sum(completion_tokens),
			sum(total_tokens), sum(cost_usd), avg(duration_ms),
			sum(cache_hit::int), sum(pii_detected::int)
		 FROM request_logs`+clause, args...).
		Scan(&stats.TotalRequests, &pTok, &cTok, &tTok, &cost, &avgDur, &hits, &piiHits)
	if err != nil {
		return nil, fmt.Errorf("database: overview stats: %w", err)
	}
	stats.TotalPromptTokens = pTok.Int64
	stats.TotalCompletionTokens = cTok.Int64
	stats.TotalTokens = tTok.Int64
	stats.TotalCost = cost.Float64
	stats.AvgDurationMS = avgDur.Float64
	stats.CacheHits = hits.Int64
	stats.PIIDetections = piiHits.Int64
	return &stats, nil
}

// ByProvider aggregates per provider, busiest first.
func (s *Store) ByProvider(ctx context.Context, filter StatsFilter) ([]ProviderStats, error) {
	clause, args := filter.where(1)
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, count(id), coalesce(sum(total_tokens), 0),
			coalesce(sum(cost_usd), 0), coalesce(avg(duration_ms), 0)
		 FROM request_logs`+clause+`
		 GROUP BY provider ORDER BY count(id) DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("database: provider stats: %w", err)
	}
	defer rows.Close()

	var out []ProviderStats
	for rows.Next() {
		var p ProviderStats
		if err := rows.Scan(&p.Provider, &p.TotalRequests, &p.TotalTokens, &p.TotalCost, &p.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("database: scan provider stats: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ByUser aggregates per user, busiest first.
func (s *Store) ByUser(ctx context.Context, filter StatsFilter, limit int) ([]UserStats, error) {
	if limit <= 0 {
		limit = 100
	}
	clause, args := filter.where(1)
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, count(id), coalesce(sum(total_tokens), 0),
			coalesce(sum(cost_usd), 0), coalesce(avg(duration_ms), 0)
		 FROM request_logs`+clause+
			fmt.Sprintf(` GROUP BY user_id ORDER BY count(id) DESC LIMIT %d`, limit), args...)
	if err != nil {
		return nil, fmt.Errorf("database: user stats: %w", err)
	}
	defer rows.Close()

	var out []UserStats
	for rows.Next() {
		var u UserStats
		if err := rows.Scan(&u.UserID, &u.TotalRequests, &u.TotalTokens, &u.TotalCost, &u.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("database: scan user stats: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

var timelineGranularities = map[string]bool{
	"hour": true, "day": true, "week": true, "month": true,
}

// Timeline buckets the window with date_trunc at the given granularity.
func (s *Store) Timeline(ctx context.Context, start, end time.Time, granularity string, userID *uuid.UUID) ([]TimelinePoint, error) {
	if !timelineGranularities[granularity] {
		granularity = "hour"
	}

	query := fmt.Sprintf(
		`SELECT date_trunc('%s', request_timestamp) AS bucket, count(id),
			coalesce(sum(total_tokens), 0), coalesce(sum(cost_usd), 0),
			coalesce(avg(duration_ms), 0)
		 FROM request_logs
		 WHERE request_timestamp >= $1 AND request_timestamp <= $2`, granularity)
	args := []interface{}{start, end}
	if userID != nil {
		query += ` AND user_id = $3`
		args = append(args, *userID)
	}
	query += ` GROUP BY bucket ORDER BY bucket`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database: timeline stats: %w", err)
	}
	defer rows.Close()

	var out []TimelinePoint
	for rows.Next() {
		var p TimelinePoint
		if err := rows.Scan(&p.Timestamp, &p.TotalRequests, &p.TotalTokens, &p.TotalCost, &p.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("database: scan timeline point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Recent lists the newest requests, optionally filtered by user.
func (s *Store) Recent(ctx context.Context, userID *uuid.UUID, limit int) ([]RecentRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT id, user_id, request_timestamp, provider, model,
			total_tokens, cost_usd, duration_ms, cache_hit, status
		 FROM request_logs`
	args := []interface{}{}
	if userID != nil {
		query += ` WHERE user_id = $1`
		args = append(args, *userID)
	}
	query += fmt.Sprintf(` ORDER BY request_timestamp DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database: recent requests: %w", err)
	}
	defer rows.Close()

	var out []RecentRequest
	for rows.Next() {
		var r RecentRequest
		if err := rows.Scan(&r.ID, &r.UserID, &r.RequestTimestamp, &r.Provider, &r.Model,
			&r.TotalTokens, &r.CostUSD, &r.DurationMS, &r.CacheHit, &r.Status); err != nil {
			return nil, fmt.Errorf("database: scan recent request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Live aggregates the trailing minute for the websocket feed.
func (s *Store) Live(ctx context.Context) (*LiveStats, error) {
	var (
		stats  LiveStats
		tokens sql.NullInt64
		cost   sql.NullFloat64
		avgDur sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT count(id), sum(total_tokens), sum(cost_usd), avg(duration_ms)
		 FROM request_logs WHERE request_timestamp >= now() - interval '1 minute'`).
		Scan(&stats.RequestsLastMinute, &tokens, &cost, &avgDur)
	if err != nil {
		return nil, fmt.Errorf("database: live stats: %w", err)
	}
	stats.TokensLastMinute = tokens.Int64
	stats.CostLastMinute = cost.Float64
	stats.AvgDurationMS = avgDur.Float64
	return &stats, nil
}
