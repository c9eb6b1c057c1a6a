// Package tenant enforces multi-tenant isolation (spec §4.J): every
// authenticated request is bound to an {organization_id, deal_id} pair at
// the HTTP boundary and trusted thereafter by downstream handlers.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const (
	organizationKey contextKey = iota
	superadminKey
)

// Claims is the JWT payload this middleware trusts, grounded on the
// teacher pack's auth/token.go Claims shape (evalgo-org-eve).
type Claims struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

func (c Claims) isSuperadmin() bool {
	for _, r := range c.Roles {
		if r == "superadmin" {
			return true
		}
	}
	return false
}

// MembershipChecker resolves whether a user belongs to an organization.
// Membership is resolved once at the boundary and trusted thereafter
// (spec §4.J).
type MembershipChecker interface {
	IsMember(ctx context.Context, organizationID, userID string) (bool, error)
}

// DealOrganizationLookup resolves a deal's owning organization, satisfied
// by engine/storage.Adapter.OrganizationForDeal.
type DealOrganizationLookup interface {
	OrganizationForDeal(ctx context.Context, dealID string) (string, error)
}

// ErrTenantMismatch is returned by VerifyDeal when the organization bound
// to the request context does not own the deal being operated on.
var ErrTenantMismatch = errors.New("tenant: organization does not own this deal")

// Middleware validates the Authorization bearer JWT and the
// x-organization-id header, rejects non-members, and records the resolved
// organization in the request context for downstream handlers to trust
// (spec §4.J, §6's "Tenant headers"). Missing header -> 400; missing or
// invalid credentials -> 401; non-member -> 403; superadmin role bypasses
// the membership check.
func Middleware(secret []byte, members MembershipChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID := r.Header.Get("x-organization-id")
			if orgID == "" {
				http.Error(w, `{"error":"missing x-organization-id header"}`, http.StatusBadRequest)
				return
			}

			claims, err := parseBearer(r.Header.Get("Authorization"), secret)
			if err != nil {
				http.Error(w, `{"error":"missing or invalid credentials"}`, http.StatusUnauthorized)
				return
			}

			ctx := r.Context()
			superadmin := claims.isSuperadmin()
			if !superadmin {
				ok, err := members.IsMember(ctx, orgID, claims.UserID)
				if err != nil || !ok {
					http.Error(w, `{"error":"not a member of this organization"}`, http.StatusForbidden)
					return
				}
			}

			ctx = context.WithValue(ctx, organizationKey, orgID)
			ctx = context.WithValue(ctx, superadminKey, superadmin)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseBearer(header string, secret []byte) (Claims, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return Claims{}, errors.New("tenant: missing bearer token")
	}
	raw := strings.TrimPrefix(header, prefix)

	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("tenant: unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, errors.New("tenant: invalid token")
	}
	return claims, nil
}

// OrganizationID returns the organization Middleware bound to ctx.
func OrganizationID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(organizationKey).(string)
	return v, ok
}

// IsSuperadmin reports whether the caller bound to ctx bypassed the
// membership check via the superadmin role.
func IsSuperadmin(ctx context.Context) bool {
	v, _ := ctx.Value(superadminKey).(bool)
	return v
}

// VerifyDeal checks that the organization Middleware bound to ctx owns
// dealID, honoring the superadmin bypass. Handlers call this once they
// have a deal_id in hand (the tenant header alone only proves organization
// membership, not ownership of a specific deal).
func VerifyDeal(ctx context.Context, dealID string, lookup DealOrganizationLookup) error {
	if IsSuperadmin(ctx) {
		return nil
	}
	orgID, ok := OrganizationID(ctx)
	if !ok {
		return errors.New("tenant: no organization bound to request context")
	}
	owner, err := lookup.OrganizationForDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if owner != orgID {
		return ErrTenantMismatch
	}
	return nil
}
