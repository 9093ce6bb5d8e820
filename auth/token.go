package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/savvycare/backend/cache"
	"github.com/savvycare/backend/models"
)

var (
	ErrBadToken = errors.New("invalid token")
	ErrRevoked  = errors.New("token revoked")
)

type Claims struct {
	Email string      `json:"email"`
	Role  models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 access tokens. When the cache is enabled
// every issued jti is recorded there so tokens can be revoked before expiry.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	cache  *cache.Cache
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration, c *cache.Cache) *Issuer {
	return &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		cache:  c,
		now:    time.Now,
	}
}

// Issue creates a token for email carrying role.
func (i *Issuer) Issue(ctx context.Context, email string, role models.Role) (string, error) {
	now := i.now()
	claims := Claims{
		Email: models.NormalizeEmail(email),
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   models.NormalizeEmail(email),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}

	if err := i.cache.Set(ctx, claims.ID, claims.Email, i.ttl); err != nil {
		return "", errors.Wrap(err, "failed to cache token")
	}
	return signed, nil
}

// Parse checks signature, algorithm and expiry.
func (i *Issuer) Parse(raw string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		// block alg confusion
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadToken
		}
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse token")
	}
	c, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || c.Email == "" {
		return nil, ErrBadToken
	}
	return c, nil
}

// Verify parses raw and, when revocation is tracked, requires its jti to
// still be live.
func (i *Issuer) Verify(ctx context.Context, raw string) (*Claims, error) {
	c, err := i.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !i.cache.Enabled() {
		return c, nil
	}
	live, err := i.cache.Exists(ctx, c.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check token")
	}
	if !live {
		return nil, ErrRevoked
	}
	return c, nil
}

// Revoke invalidates the token identified by jti.
func (i *Issuer) Revoke(ctx context.Context, jti string) error {
	return i.cache.Delete(ctx, jti)
}
