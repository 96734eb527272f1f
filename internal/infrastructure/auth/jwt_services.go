package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
)

// Claims carries the caller identity. Tokens are issued by the identity
// service; this process only verifies them.
type Claims struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Actor converts verified claims into the orchestrators' caller type.
func (c *Claims) Actor() (models.Actor, error) {
	id, err := uuid.Parse(c.UserID)
	if err != nil || id == uuid.Nil {
		return models.Actor{}, fmt.Errorf("%w: bad user_id", pkgerrors.ErrTokenInvalid)
	}
	// SYSTEM is reserved for in-process callers and never accepted on the wire.
	if !c.Role.Valid() || c.Role == models.RoleSystem {
		return models.Actor{}, fmt.Errorf("%w: bad role %q", pkgerrors.ErrTokenInvalid, c.Role)
	}
	return models.Actor{ID: id, Role: c.Role}, nil
}

type TokenService struct {
	secret []byte
}

func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

// GenerateJWT signs an HS256 token for actor. Used by tests and the
// local-development tooling.
func (s *TokenService) GenerateJWT(actor models.Actor, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("JWT secret not set")
	}
	now := time.Now()
	claims := Claims{
		UserID: actor.ID.String(),
		Role:   actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateJWT checks the signature and expiry and returns the claims.
func (s *TokenService) ValidateJWT(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrTokenInvalid, err)
	}
	return claims, nil
}
