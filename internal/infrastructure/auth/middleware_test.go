package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/honeynil/TradeCustodyService/internal/models"
	pkgerrors "github.com/honeynil/TradeCustodyService/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type revocations struct {
	ids map[string]bool
	err error
}

func (r revocations) IsRevoked(_ context.Context, id string) (bool, error) {
	return r.ids[id], r.err
}

func TestAuthMiddleware(t *testing.T) {
	tokens := NewTokenService("test-secret")
	actor := models.Actor{ID: uuid.New(), Role: models.RoleMerchant}
	token, err := tokens.GenerateJWT(actor, time.Hour)
	require.NoError(t, err)

	run := func(mw func(http.Handler) http.Handler, header string) (*httptest.ResponseRecorder, models.Actor) {
		var got models.Actor
		final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = ActorFrom(r.Context())
			w.WriteHeader(http.StatusNoContent)
		})
		req := httptest.NewRequest(http.MethodGet, "/api/transactions", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		mw(final).ServeHTTP(rec, req)
		return rec, got
	}

	t.Run("ValidToken", func(t *testing.T) {
		rec, got := run(AuthMiddleware(tokens, revocations{}), "Bearer "+token)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, actor, got)
	})

	t.Run("TokenInContext", func(t *testing.T) {
		var tok Token
		final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, _ = TokenFrom(r.Context())
		})
		req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		AuthMiddleware(tokens, nil)(final).ServeHTTP(httptest.NewRecorder(), req)

		claims, err := tokens.ValidateJWT(token)
		require.NoError(t, err)
		assert.Equal(t, claims.ID, tok.ID)
		assert.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, time.Minute)
	})

	t.Run("MissingHeader", func(t *testing.T) {
		rec, _ := run(AuthMiddleware(tokens, nil), "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("WrongScheme", func(t *testing.T) {
		rec, _ := run(AuthMiddleware(tokens, nil), "Basic "+token)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		rec, _ := run(AuthMiddleware(NewTokenService("other"), nil), "Bearer "+token)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("Revoked", func(t *testing.T) {
		claims, err := tokens.ValidateJWT(token)
		require.NoError(t, err)
		rec, _ := run(AuthMiddleware(tokens, revocations{ids: map[string]bool{claims.ID: true}}), "Bearer "+token)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("RevocationStoreDown", func(t *testing.T) {
		rec, _ := run(AuthMiddleware(tokens, revocations{err: errors.New("connection refused")}), "Bearer "+token)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("SystemRoleRejected", func(t *testing.T) {
		sys, err := tokens.GenerateJWT(models.Actor{ID: uuid.New(), Role: models.RoleSystem}, time.Hour)
		require.NoError(t, err)
		rec, _ := run(AuthMiddleware(tokens, nil), "Bearer "+sys)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestTokenService_ValidateJWT(t *testing.T) {
	tokens := NewTokenService("test-secret")

	t.Run("Expired", func(t *testing.T) {
		token, err := tokens.GenerateJWT(models.Actor{ID: uuid.New(), Role: models.RoleUser}, -time.Minute)
		require.NoError(t, err)
		_, err = tokens.ValidateJWT(token)
		assert.ErrorIs(t, err, pkgerrors.ErrTokenInvalid)
	})

	t.Run("NoneAlgorithm", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: uuid.NewString(), Role: models.RoleAdmin})
		token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = tokens.ValidateJWT(token)
		assert.ErrorIs(t, err, pkgerrors.ErrTokenInvalid)
	})

	t.Run("BadUserID", func(t *testing.T) {
		claims := &Claims{UserID: "42", Role: models.RoleUser}
		_, err := claims.Actor()
		assert.ErrorIs(t, err, pkgerrors.ErrTokenInvalid)
	})
}
