package admin

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dimspell/relayhost/internal/app/logger/logging"
	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenSubject = "admin"
	tokenIssuer  = "relayhost"
)

var ErrNoSecret = errors.New("admin: secret is not configured")

// IssueToken signs a token accepted by the mutating admin routes.
func IssueToken(secret []byte, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   tokenSubject,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateToken checks the signature, the subject and the expiry.
func ValidateToken(secret []byte, token string) error {
	if len(secret) == 0 {
		return ErrNoSecret
	}
	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(tokenSubject),
		jwt.WithExpirationRequired(),
	)
	return err
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.config.Secret) == 0 {
			renderError(w, r, http.StatusForbidden, ErrNoSecret)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="relayhost"`)
			renderError(w, r, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		if err := ValidateToken(s.config.Secret, token); err != nil {
			s.logger.Warn("Rejected admin token", logging.Error(err), logging.PeerAddr(r.RemoteAddr))
			renderError(w, r, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
