// Package database is the PostgreSQL persistence layer: users and API
// keys, request logs (a Timescale hypertable when the extension is
// present), budgets, webhooks and guardrail logs.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store wraps the SQL connection pool.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return &Store{db: db, logger: slog.Default().With("component", "database")}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying pool for the analytics queries.
func (s *Store) DB() *sql.DB { return s.db }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		username VARCHAR(255) UNIQUE NOT NULL,
		email VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		key_hash VARCHAR(255) NOT NULL,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_used_at TIMESTAMPTZ,
		is_active BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_active ON api_keys (is_active)`,
	// request_timestamp is part of the primary key so the table can be a
	// Timescale hypertable partitioned on it.
	`CREATE TABLE IF NOT EXISTS request_logs (
		id UUID NOT NULL,
		user_id UUID NOT NULL,
		request_timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
		provider VARCHAR(50) NOT NULL,
		model VARCHAR(100) NOT NULL,
		messages JSONB,
		max_tokens INTEGER,
		temperature DOUBLE PRECISION,
		completion TEXT,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL,
		cache_hit BOOLEAN NOT NULL DEFAULT false,
		pii_detected BOOLEAN NOT NULL DEFAULT false,
		pii_entities JSONB,
		status VARCHAR(50) NOT NULL DEFAULT 'completed',
		error_message TEXT,
		guardrail_violations JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (id, request_timestamp)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_user_timestamp ON request_logs (user_id, request_timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_provider_timestamp ON request_logs (provider, request_timestamp)`,
	`CREATE TABLE IF NOT EXISTS budgets (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
		spend_limit DOUBLE PRECISION NOT NULL,
		period VARCHAR(20) NOT NULL,
		current_spend DOUBLE PRECISION NOT NULL DEFAULT 0,
		reset_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS webhooks (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		url VARCHAR(500) NOT NULL,
		events TEXT[] NOT NULL,
		secret VARCHAR(255) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhooks_active ON webhooks (is_active)`,
	`CREATE TABLE IF NOT EXISTS guardrail_logs (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		request_id UUID,
		rule_name VARCHAR(100) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		action VARCHAR(20) NOT NULL,
		details JSONB,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_guardrail_logs_user ON guardrail_logs (user_id, timestamp)`,
}

// EnsureSchema creates the tables when missing and promotes request_logs
// to a hypertable when TimescaleDB is installed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("database: ensure schema: %w", err)
		}
	}

	// Best effort: plain PostgreSQL works without the extension.
	if _, err := s.db.ExecContext(ctx,
		`SELECT create_hypertable('request_logs', 'request_timestamp', if_not_exists => TRUE)`); err != nil {
		s.logger.Info("timescaledb unavailable, request_logs stays a plain table", "error", err)
	}
	return nil
}

// User is an authenticated principal.
type User struct {
	ID        uuid.UUID
	Username  string
	Email     string
	CreatedAt time.Time
}

// APIKey is a bcrypt-hashed credential belonging to a user.
type APIKey struct {
	ID         uuid.UUID
	KeyHash    string
	UserID     uuid.UUID
	Name       string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	IsActive   bool
}

// RequestLog is one completed (or failed, or blocked) gateway request.
type RequestLog struct {
	ID                  uuid.UUID
	UserID              uuid.UUID
	RequestTimestamp    time.Time
	Provider            string
	Model               string
	Messages            json.RawMessage
	MaxTokens           *int
	Temperature         *float64
	Completion          string
	PromptTokens        int
	CompletionTokens    int
	TotalTokens         int
	CostUSD             float64
	DurationMS          int
	CacheHit            bool
	PIIDetected         bool
	PIIEntities         json.RawMessage
	Status              string
	ErrorMessage        string
	GuardrailViolations json.RawMessage
}

// Budget is a per-user spend limit with a rolling reset boundary.
type Budget struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Limit        float64
	Period       string
	CurrentSpend float64
	ResetAt      time.Time
}

// Webhook is a registered event subscription.
type Webhook struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	URL       string
	Events    []string
	Secret    string
	IsActive  bool
	CreatedAt time.Time
}

// GuardrailLog is one recorded rule violation.
type GuardrailLog struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	RequestID *uuid.UUID
	RuleName  string
	Severity  string
	Action    string
	Details   json.RawMessage
	Timestamp time.Time
}

// ActiveAPIKeys returns every active key hash with its owner, for the
// bcrypt comparison scan during authentication.
func (s *Store) ActiveAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key_hash, user_id, name, created_at, last_used_at, is_active
		 FROM api_keys WHERE is_active = true`)
	if err != nil {
		return nil, fmt.Errorf("database: list api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.KeyHash, &k.UserID, &k.Name, &k.CreatedAt, &k.LastUsedAt, &k.IsActive); err != nil {
			return nil, fmt.Errorf("database: scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchAPIKey records a successful authentication.
func (s *Store) TouchAPIKey(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("database: touch api key: %w", err)
	}
	return nil
}

func (s *Store) UserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.Email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: user by id: %w", err)
	}
	return &u, nil
}

// EnsureUser inserts the user when missing. Used for the admin principal
// and the bootstrap fixtures.
func (s *Store) EnsureUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Username, u.Email)
	if err != nil {
		return fmt.Errorf("database: ensure user: %w", err)
	}
	return nil
}

// InsertRequestLog writes one audit row and returns its id.
func (s *Store) InsertRequestLog(ctx context.Context, entry RequestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (
			id, user_id, request_timestamp, provider, model, messages,
			max_tokens, temperature, completion, prompt_tokens,
			completion_tokens, total_tokens, cost_usd, duration_ms,
			cache_hit, pii_detected, pii_entities, status, error_message,
			guardrail_violations
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		entry.ID, entry.UserID, entry.RequestTimestamp, entry.Provider, entry.Model,
		nullableJSON(entry.Messages), entry.MaxTokens, entry.Temperature,
		entry.Completion, entry.PromptTokens, entry.CompletionTokens,
		entry.TotalTokens, entry.CostUSD, entry.DurationMS, entry.CacheHit,
		entry.PIIDetected, nullableJSON(entry.PIIEntities), entry.Status,
		entry.ErrorMessage, nullableJSON(entry.GuardrailViolations))
	if err != nil {
		return fmt.Errorf("database: insert request log: %w", err)
	}
	return nil
}

func (s *Store) GetBudget(ctx context.Context, userID uuid.UUID) (*Budget, error) {
	var b Budget
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, spend_limit, period, current_spend, reset_at
		 FROM budgets WHERE user_id = $1`, userID).
		Scan(&b.ID, &b.UserID, &b.Limit, &b.Period, &b.CurrentSpend, &b.ResetAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: get budget: %w", err)
	}
	return &b, nil
}

func (s *Store) CreateBudget(ctx context.Context, b Budget) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets (id, user_id, spend_limit, period, current_spend, reset_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO NOTHING`,
		b.ID, b.UserID, b.Limit, b.Period, b.CurrentSpend, b.ResetAt)
	if err != nil {
		return fmt.Errorf("database: create budget: %w", err)
	}
	return nil
}

// ResetBudget zeroes the spend and advances the reset boundary.
func (s *Store) ResetBudget(ctx context.Context, userID uuid.UUID, resetAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE budgets SET current_spend = 0, reset_at = $2, updated_at = now()
		 WHERE user_id = $1`, userID, resetAt)
	if err != nil {
		return fmt.Errorf("database: reset budget: %w", err)
	}
	return nil
}

// AddSpend accumulates actual cost into the current period.
func (s *Store) AddSpend(ctx context.Context, userID uuid.UUID, amount float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE budgets SET current_spend = current_spend + $2, updated_at = now()
		 WHERE user_id = $1`, userID, amount)
	if err != nil {
		return fmt.Errorf("database: add spend: %w", err)
	}
	return nil
}

// ActiveWebhooks returns the active subscriptions for an event type.
func (s *Store) ActiveWebhooks(ctx context.Context, event string) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, url, events, secret, is_active, created_at
		 FROM webhooks WHERE is_active = true AND $1 = ANY(events)`, event)
	if err != nil {
		return nil, fmt.Errorf("database: active webhooks: %w", err)
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

func (s *Store) CreateWebhook(ctx context.Context, w Webhook) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, user_id, url, events, secret, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.UserID, w.URL, pq.Array(w.Events), w.Secret, w.IsActive)
	if err != nil {
		return fmt.Errorf("database: create webhook: %w", err)
	}
	return nil
}

func (s *Store) WebhooksByUser(ctx context.Context, userID uuid.UUID) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, url, events, secret, is_active, created_at
		 FROM webhooks WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("database: webhooks by user: %w", err)
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

// DeleteWebhook removes a subscription owned by userID. Returns false
// when no row matched.
func (s *Store) DeleteWebhook(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhooks WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, fmt.Errorf("database: delete webhook: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanWebhooks(rows *sql.Rows) ([]Webhook, error) {
	var hooks []Webhook
	for rows.Next() {
		var w Webhook
		if err := rows.Scan(&w.ID, &w.UserID, &w.URL, pq.Array(&w.Events), &w.Secret, &w.IsActive, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("database: scan webhook: %w", err)
		}
		hooks = append(hooks, w)
	}
	return hooks, rows.Err()
}

func (s *Store) InsertGuardrailLog(ctx context.Context, entry GuardrailLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guardrail_logs (id, user_id, request_id, rule_name, severity, action, details, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.UserID, entry.RequestID, entry.RuleName,
		entry.Severity, entry.Action, nullableJSON(entry.Details), entry.Timestamp)
	if err != nil {
		return fmt.Errorf("database: insert guardrail log: %w", err)
	}
	return nil
}

// BackfillGuardrailRequestID attaches a request id to the user's recent
// unattached violation rows. The window bounds how far back a violation
// can belong to the request being finalised.
func (s *Store) BackfillGuardrailRequestID(ctx context.Context, userID, requestID uuid.UUID, window time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE guardrail_logs SET request_id = $2
		 WHERE user_id = $1 AND request_id IS NULL AND timestamp >= $3`,
		userID, requestID, time.Now().UTC().Add(-window))
	if err != nil {
		return fmt.Errorf("database: backfill guardrail request id: %w", err)
	}
	return nil
}

// GuardrailViolations lists recent violations, optionally filtered by
// user.
func (s *Store) GuardrailViolations(ctx context.Context, userID *uuid.UUID, limit int) ([]GuardrailLog, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, user_id, request_id, rule_name, severity, action, details, timestamp
		 FROM guardrail_logs`
	args := []interface{}{}
	if userID != nil {
		query += ` WHERE user_id = $1`
		args = append(args, *userID)
	}
	query += fmt.Sprintf(` ORDER BY timestamp DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database: guardrail violations: %w", err)
	}
	defer rows.Close()

	var logs []GuardrailLog
	for rows.Next() {
		var g GuardrailLog
		var details []byte
		if err := rows.Scan(&g.ID, &g.UserID, &g.RequestID, &g.RuleName, &g.Severity, &g.Action, &details, &g.Timestamp); err != nil {
			return nil, fmt.Errorf("database: scan guardrail log: %w", err)
		}
		g.Details = details
		logs = append(logs, g)
	}
	return logs, rows.Err()
}

func nullableJSON(data json.RawMessage) interface{} {
	if len(data) == 0 {
		return nil
	}
	return []byte(data)
}
