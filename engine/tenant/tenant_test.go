package tenant

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, userID string, roles []string) string {
	t.Helper()
	claims := Claims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type fakeMembers struct {
	member bool
	err    error
}

func (f fakeMembers) IsMember(_ context.Context, _, _ string) (bool, error) {
	return f.member, f.err
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID, _ := OrganizationID(r.Context())
		w.Header().Set("X-Resolved-Org", orgID)
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_MissingOrgHeaderRejected(t *testing.T) {
	h := Middleware(testSecret, fakeMembers{member: true})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "u1", nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMiddleware_MissingCredentialsRejected(t *testing.T) {
	h := Middleware(testSecret, fakeMembers{member: true})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("x-organization-id", "org1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_NonMemberRejected(t *testing.T) {
	h := Middleware(testSecret, fakeMembers{member: false})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("x-organization-id", "org1")
	req.Header.Set("Authorization", "Bearer "+signToken(t, "u1", nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestMiddleware_MemberAllowedAndOrgBound(t *testing.T) {
	h := Middleware(testSecret, fakeMembers{member: true})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("x-organization-id", "org1")
	req.Header.Set("Authorization", "Bearer "+signToken(t, "u1", nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Resolved-Org"); got != "org1" {
		t.Errorf("expected bound org org1, got %q", got)
	}
}

func TestMiddleware_SuperadminBypassesMembership(t *testing.T) {
	h := Middleware(testSecret, fakeMembers{member: false})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("x-organization-id", "org1")
	req.Header.Set("Authorization", "Bearer "+signToken(t, "root", []string{"superadmin"}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected superadmin bypass to reach handler, got %d", rec.Code)
	}
}

type fakeDealLookup struct {
	org string
	err error
}

func (f fakeDealLookup) OrganizationForDeal(_ context.Context, _ string) (string, error) {
	return f.org, f.err
}

func TestVerifyDeal_MatchingOrgPasses(t *testing.T) {
	ctx := context.WithValue(context.Background(), organizationKey, "org1")
	if err := VerifyDeal(ctx, "deal1", fakeDealLookup{org: "org1"}); err != nil {
		t.Fatalf("expected match to pass, got %v", err)
	}
}

func TestVerifyDeal_MismatchRejected(t *testing.T) {
	ctx := context.WithValue(context.Background(), organizationKey, "org1")
	err := VerifyDeal(ctx, "deal1", fakeDealLookup{org: "org2"})
	if !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch, got %v", err)
	}
}

func TestVerifyDeal_SuperadminBypassesOwnershipCheck(t *testing.T) {
	ctx := context.WithValue(context.Background(), superadminKey, true)
	if err := VerifyDeal(ctx, "deal1", fakeDealLookup{org: "org2"}); err != nil {
		t.Fatalf("expected superadmin bypass, got %v", err)
	}
}

type fakeGraphNamespaces struct {
	legacy      []string
	renameCalls map[string]string
}

func (f *fakeGraphNamespaces) LegacyNamespaces(context.Context) ([]string, error) {
	return f.legacy, nil
}

func (f *fakeGraphNamespaces) RenameNamespace(_ context.Context, from, to string) (int64, int64, error) {
	if f.renameCalls == nil {
		f.renameCalls = map[string]string{}
	}
	f.renameCalls[from] = to
	return 3, 5, nil
}

type fakeDeals struct {
	orgs map[string]string
}

func (f fakeDeals) OrganizationForDeal(_ context.Context, dealID string) (string, error) {
	org, ok := f.orgs[dealID]
	if !ok {
		return "", errors.New("no deal on file")
	}
	return org, nil
}

func TestMigrate_RewritesLegacyNamespace(t *testing.T) {
	graph := &fakeGraphNamespaces{legacy: []string{"deal1"}}
	deals := fakeDeals{orgs: map[string]string{"deal1": "org1"}}
	m := NewMigrator(graph, deals)

	report, err := m.Migrate(context.Background(), false)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(report.Entries) != 1 || report.Entries[0].Composite != "org1:deal1" {
		t.Fatalf("expected composite org1:deal1, got %+v", report.Entries)
	}
	if graph.renameCalls["deal1"] != "org1:deal1" {
		t.Errorf("expected RenameNamespace called, got %v", graph.renameCalls)
	}
}

func TestMigrate_DryRunDoesNotRename(t *testing.T) {
	graph := &fakeGraphNamespaces{legacy: []string{"deal1"}}
	deals := fakeDeals{orgs: map[string]string{"deal1": "org1"}}
	m := NewMigrator(graph, deals)

	report, err := m.Migrate(context.Background(), true)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !report.DryRun || len(report.Entries) != 1 {
		t.Fatalf("expected one dry-run entry, got %+v", report)
	}
	if len(graph.renameCalls) != 0 {
		t.Errorf("expected no renames in dry-run, got %v", graph.renameCalls)
	}
}

func TestMigrate_ReportsOrphan(t *testing.T) {
	graph := &fakeGraphNamespaces{legacy: []string{"ghost-deal"}}
	deals := fakeDeals{orgs: map[string]string{}}
	m := NewMigrator(graph, deals)

	report, err := m.Migrate(context.Background(), false)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(report.Entries) != 1 || !report.Entries[0].Orphan {
		t.Fatalf("expected orphan entry, got %+v", report.Entries)
	}
}

func TestMigrate_SkipsAlreadyComposite(t *testing.T) {
	graph := &fakeGraphNamespaces{legacy: []string{"org1:deal1"}}
	m := NewMigrator(graph, fakeDeals{orgs: map[string]string{}})

	report, err := m.Migrate(context.Background(), false)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(report.Entries) != 1 || !report.Entries[0].Skipped {
		t.Fatalf("expected skipped entry for already-composite namespace, got %+v", report.Entries)
	}
}
