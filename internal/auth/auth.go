// Package auth guards the admin control routes with a shared bearer token.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token. An empty Token denies
// everything.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Require rejects requests whose bearer token v does not accept.
func Require(v Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := v.Validate(BearerToken(c.Request)); err != nil {
			log.Warn().
				Str("path", c.FullPath()).
				Str("client_ip", c.ClientIP()).
				Msg("auth.Require rejected request")
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
