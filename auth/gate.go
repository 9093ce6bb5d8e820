package auth

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/savvycare/backend/apierr"
	"github.com/savvycare/backend/models"
)

// Verifier is the token check the gate relies on.
type Verifier interface {
	Verify(ctx context.Context, raw string) (*Claims, error)
}

// Gate decides whether a bearer may act on a resource. It never touches a
// store, so a denial always happens before any read or write.
type Gate struct {
	verifier Verifier
	logger   *zap.Logger
}

func NewGate(v Verifier, logger *zap.Logger) *Gate {
	return &Gate{verifier: v, logger: logger}
}

// Authenticate turns an Authorization header value into claims.
func (g *Gate) Authenticate(ctx context.Context, header string) (*Claims, error) {
	raw := BearerToken(header)
	if raw == "" {
		return nil, apierr.New(apierr.Unauthenticated, "missing bearer credential")
	}
	claims, err := g.verifier.Verify(ctx, raw)
	if err != nil {
		g.logger.Debug("credential rejected", zap.Error(err))
		return nil, apierr.Wrap(err, apierr.Unauthenticated, "invalid or expired credential")
	}
	return claims, nil
}

// AuthorizeOwner requires the caller to be owner.
func (g *Gate) AuthorizeOwner(claims *Claims, owner string) error {
	if claims == nil {
		return apierr.New(apierr.Unauthenticated, "missing bearer credential")
	}
	if models.NormalizeEmail(claims.Email) != models.NormalizeEmail(owner) {
		g.logger.Info("owner check denied",
			zap.String("caller", claims.Email),
			zap.String("owner", owner))
		return apierr.New(apierr.Forbidden, "credential does not belong to the resource owner")
	}
	return nil
}

// AuthorizeOwnerOrRole lets the owner through, or any caller holding one
// of roles.
func (g *Gate) AuthorizeOwnerOrRole(claims *Claims, owner string, roles ...models.Role) error {
	if claims == nil {
		return apierr.New(apierr.Unauthenticated, "missing bearer credential")
	}
	if models.NormalizeEmail(claims.Email) == models.NormalizeEmail(owner) {
		return nil
	}
	return g.AuthorizeRole(claims, roles...)
}

// AuthorizeRole requires the caller's role to be one of roles.
func (g *Gate) AuthorizeRole(claims *Claims, roles ...models.Role) error {
	if claims == nil {
		return apierr.New(apierr.Unauthenticated, "missing bearer credential")
	}
	for _, r := range roles {
		if hasRole(claims.Role, r) {
			return nil
		}
	}
	g.logger.Info("role check denied",
		zap.String("caller", claims.Email),
		zap.String("role", string(claims.Role)))
	return apierr.New(apierr.Forbidden, "insufficient role")
}

func hasRole(held, want models.Role) bool {
	switch held {
	case models.RoleAdmin:
		return want == models.RoleAdmin
	case models.RoleDoctor:
		return want == models.RoleDoctor
	case models.RolePatient:
		return want == models.RolePatient
	default:
		return false
	}
}

// BearerToken extracts the token from "Bearer <token>".
func BearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
