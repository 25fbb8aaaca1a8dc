package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Mock credential store
type mockStore struct {
	creds   []*Credential
	tenants map[string]*Tenant
	listErr error
}

func (m *mockStore) ListActive(ctx context.Context) ([]*Credential, error) {
	return m.creds, m.listErr
}

func (m *mockStore) GetByID(ctx context.Context, id string) (*Credential, error) {
	for _, c := range m.creds {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, ErrCredentialNotFound
}

func (m *mockStore) Create(ctx context.Context, c *Credential) error  { return nil }
func (m *mockStore) Revoke(ctx context.Context, id string) error      { return nil }
func (m *mockStore) SetQuotaPercentage(ctx context.Context, id string, pct int) error {
	return nil
}
func (m *mockStore) SetAssignment(ctx context.Context, id string, from, to AssignmentState, assignedTo string) error {
	return nil
}
func (m *mockStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return t, nil
}

func hashFor(t *testing.T, secret string) string {
	t.Helper()
	// MinCost keeps the scan fast in tests; production uses DefaultCost.
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}
	return string(h)
}

func TestResolve_MatchesAcrossSet(t *testing.T) {
	store := &mockStore{creds: []*Credential{
		{ID: "a", SecretHash: hashFor(t, "secret-a")},
		{ID: "b", SecretHash: hashFor(t, "secret-b")},
	}}

	c, err := Resolve(context.Background(), store, "secret-b")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if c.ID != "b" {
		t.Errorf("Expected credential b, got %s", c.ID)
	}
}

func TestResolve_NoMatch(t *testing.T) {
	store := &mockStore{creds: []*Credential{
		{ID: "a", SecretHash: hashFor(t, "secret-a")},
	}}

	_, err := Resolve(context.Background(), store, "wrong")
	if err != ErrCredentialNotFound {
		t.Errorf("Expected ErrCredentialNotFound, got %v", err)
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	mw := NewMiddleware(&mockStore{}, zap.NewNop())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler should not run")
	}))

	req := httptest.NewRequest("POST", "/v1/messages", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}
}

func TestMiddleware_ValidSecret(t *testing.T) {
	store := &mockStore{creds: []*Credential{
		{ID: "cred-1", TenantID: "tenant-1", SecretHash: hashFor(t, "good-secret"), Active: true},
	}}
	mw := NewMiddleware(store, zap.NewNop())

	var got *Credential
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetCredential(r.Context())
	}))

	req := httptest.NewRequest("POST", "/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer good-secret")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if got == nil || got.ID != "cred-1" {
		t.Errorf("Expected cred-1 in context, got %+v", got)
	}
}

func TestMiddleware_InvalidSecret(t *testing.T) {
	store := &mockStore{creds: []*Credential{
		{ID: "cred-1", SecretHash: hashFor(t, "good-secret")},
	}}
	mw := NewMiddleware(store, zap.NewNop())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler should not run")
	}))

	req := httptest.NewRequest("POST", "/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer bad-secret")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to AssignmentState
		want     bool
	}{
		{AssignmentUnassigned, AssignmentPending, true},
		{AssignmentPending, AssignmentAccepted, true},
		{AssignmentUnassigned, AssignmentAccepted, false},
		{AssignmentAccepted, AssignmentPending, false},
		{AssignmentPending, AssignmentUnassigned, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
