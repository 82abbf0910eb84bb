package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/aigateway/backend/internal/database"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	UserID  uuid.UUID
	IsAdmin bool
}

// AdminUserID is the fixed principal id for admin-key callers. The
// composition root seeds a users row for it so foreign keys on budgets
// and logs hold for admin requests.
var AdminUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// KeySource lists active API keys for the bcrypt scan; *database.Store
// satisfies it.
type KeySource interface {
	ActiveAPIKeys(ctx context.Context) ([]database.APIKey, error)
	TouchAPIKey(ctx context.Context, id uuid.UUID) error
}

// Authenticator validates Authorization headers. The admin key compares
// by constant-time equality; everything else bcrypt-compares across the
// active key hashes.
type Authenticator struct {
	keys     KeySource
	adminKey string
}

func NewAuthenticator(keys KeySource, adminKey string) *Authenticator {
	return &Authenticator{keys: keys, adminKey: adminKey}
}

// extractKey accepts "Bearer <key>" or the raw key.
func extractKey(header string) string {
	header = strings.TrimSpace(header)
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return header
}

// Authenticate resolves the header into a principal, or nil when the key
// matches nothing.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (*Principal, error) {
	key := extractKey(header)
	if key == "" {
		return nil, nil
	}

	if a.adminKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(a.adminKey)) == 1 {
		return &Principal{UserID: AdminUserID, IsAdmin: true}, nil
	}

	if a.keys == nil {
		return nil, nil
	}
	active, err := a.keys.ActiveAPIKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range active {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(key)) == nil {
			// last_used_at is advisory; ignore the touch failing.
			_ = a.keys.TouchAPIKey(ctx, k.ID)
			return &Principal{UserID: k.UserID}, nil
		}
	}
	return nil, nil
}

// Middleware rejects unauthenticated requests with 401 and attaches the
// principal for handlers downstream.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if extractKey(header) == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		principal, err := a.Authenticate(r.Context(), header)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "authentication unavailable")
			return
		}
		if principal == nil {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, principal)))
	})
}

// PrincipalFrom returns the authenticated principal, or nil outside the
// auth middleware.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}
