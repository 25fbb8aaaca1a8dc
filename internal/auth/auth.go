package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrInvalidTransition  = errors.New("invalid assignment transition")
	ErrInvalidPercentage  = errors.New("quota percentage must be between 1 and 100")
)

// AssignmentState tracks delegation of a credential to another user.
type AssignmentState string

const (
	AssignmentUnassigned AssignmentState = "unassigned"
	AssignmentPending    AssignmentState = "pending"
	AssignmentAccepted   AssignmentState = "accepted"
)

// CanTransition reports whether the assignment state machine permits
// from → to. The machine only moves forward: unassigned → pending → accepted.
func CanTransition(from, to AssignmentState) bool {
	switch from {
	case AssignmentUnassigned:
		return to == AssignmentPending
	case AssignmentPending:
		return to == AssignmentAccepted
	default:
		return false
	}
}

// Credential identifies a consumer of the gateway. The secret itself is never
// stored; only its bcrypt hash. Revocation is a soft delete: a revoked
// credential is never reactivated or reused.
type Credential struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	SecretHash      string          `json:"-"`
	QuotaPercentage int             `json:"quota_percentage"` // 1-100; 0 means unset, treated as 100
	Active          bool            `json:"active"`
	Assignment      AssignmentState `json:"assignment"`
	AssignedTo      string          `json:"assigned_to,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	RevokedAt       *time.Time      `json:"revoked_at,omitempty"`
}

// Tenant owns the upstream subscription and exactly one plan.
type Tenant struct {
	ID        string    `json:"id"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	// ListActive returns every active credential. Secret resolution scans
	// this constant set; there is deliberately no lookup keyed by the secret.
	ListActive(ctx context.Context) ([]*Credential, error)
	GetByID(ctx context.Context, id string) (*Credential, error)
	Create(ctx context.Context, c *Credential) error
	Revoke(ctx context.Context, id string) error
	SetQuotaPercentage(ctx context.Context, id string, pct int) error
	SetAssignment(ctx context.Context, id string, from, to AssignmentState, assignedTo string) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
}

// HashSecret produces the stored bcrypt hash for a freshly issued secret.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Resolve finds the active credential matching the presented secret by
// comparing it against every stored hash. Slow by construction: bcrypt
// comparison per candidate, no shortcut index.
func Resolve(ctx context.Context, store Store, secret string) (*Credential, error) {
	creds, err := store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		if bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil {
			return c, nil
		}
	}
	return nil, ErrCredentialNotFound
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	credentialKey contextKey = "credential"
	requestIDKey  contextKey = "request_id"
)

// NewMiddleware authenticates the Bearer secret and attaches the resolved
// credential to the request context.
func NewMiddleware(store Store, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, "missing or invalid Authorization header")
				return
			}
			secret := strings.TrimPrefix(authHeader, "Bearer ")

			cred, err := Resolve(ctx, store, secret)
			if err != nil {
				if errors.Is(err, ErrCredentialNotFound) {
					writeAuthError(w, "invalid credential")
					return
				}
				logger.Error("credential resolution failed", zap.Error(err))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			ctx = context.WithValue(ctx, credentialKey, cred)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"type":    "authentication_error",
			"message": msg,
		},
	})
}

// Helpers to extract from context
func GetCredential(ctx context.Context) *Credential {
	if c, ok := ctx.Value(credentialKey).(*Credential); ok {
		return c
	}
	return nil
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithCredential(ctx context.Context, c *Credential) context.Context {
	return context.WithValue(ctx, credentialKey, c)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
