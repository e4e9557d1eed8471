package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"installment-service/internal/apperrors"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const callerKey = "caller"

// Authenticator verifies HS256 bearer tokens whose subject is the caller identity
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for the shared secret
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// IssueToken signs a token for subject valid for ttl
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses a token and returns its subject
func (a *Authenticator) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// caller identity on the context
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			abort(c, apperrors.ErrUnauthenticated)
			return
		}

		subject, err := a.Verify(token)
		if err != nil {
			abort(c, apperrors.Wrap(apperrors.ErrUnauthenticated, fmt.Errorf("invalid token: %w", err)))
			return
		}

		c.Set(callerKey, subject)
		c.Next()
	}
}

func callerFrom(c *gin.Context) string {
	return c.GetString(callerKey)
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(apperrors.HTTPStatus(err), gin.H{"error": apperrors.From(err)})
}
