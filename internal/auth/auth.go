package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/npezzotti/quizhub/internal/types"
)

// Authenticator resolves an opaque auth token into a user identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (types.User, error)
}

type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 tokens issued by the auth service.
type JWTAuthenticator struct {
	signingKey []byte
	issuer     string
}

func NewJWTAuthenticator(signingKey []byte, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{signingKey: signingKey, issuer: issuer}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, tokenString string) (types.User, error) {
	if tokenString == "" {
		return types.User{}, types.ErrUnauthenticated
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return a.signingKey, nil
	}, opts...)
	if err != nil {
		return types.User{}, types.ErrUnauthenticated.Wrap(fmt.Errorf("parse token: %w", err))
	}

	if !token.Valid {
		return types.User{}, types.ErrUnauthenticated.Wrap(errors.New("invalid token"))
	}

	if claims.Subject == "" {
		return types.User{}, types.ErrUnauthenticated.Wrap(errors.New("missing subject claim"))
	}

	name := claims.Name
	if name == "" {
		name = claims.Subject
	}

	return types.User{Id: claims.Subject, Name: name}, nil
}

// SignToken issues a token in the format the auth service uses. The service
// itself never issues tokens; this exists for tooling and tests.
func SignToken(signingKey []byte, user types.User, exp time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Name: user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(exp)),
		},
	})

	return token.SignedString(signingKey)
}

// TokenFromRequest reads the bearer token from the Authorization header,
// falling back to the access_token query parameter browsers and mobile
// websocket clients use because they cannot set headers on upgrade.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}

	return r.URL.Query().Get("access_token")
}

type contextKey string

const userKey contextKey = "user"

func WithUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func UserFromContext(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(userKey).(types.User)
	return user, ok
}
