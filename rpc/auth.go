package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tandachain/crypto"
)

// CallerHeader names the caller directly when token auth is disabled.
const CallerHeader = "X-Tanda-Caller"

var (
	errMissingCaller = errors.New("caller identity required")
	errInvalidToken  = errors.New("invalid bearer token")
)

// AuthConfig configures bearer-token verification. The token subject is
// the caller address.
type AuthConfig struct {
	Enabled   bool
	Secret    []byte
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	Now       func() time.Time
}

type callerKey struct{}

type authenticator struct {
	cfg AuthConfig
}

func newAuthenticator(cfg AuthConfig) (*authenticator, error) {
	if cfg.Enabled && len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("auth enabled without hmac secret")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &authenticator{cfg: cfg}, nil
}

// Middleware resolves the caller and stores it on the request context.
// Requests without an identity pass through; handlers that need one reject
// them.
func (a *authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok, err := a.resolve(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, nil, codeUnauthorized, err.Error(), nil)
			return
		}
		if ok {
			r = r.WithContext(context.WithValue(r.Context(), callerKey{}, caller))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *authenticator) resolve(r *http.Request) ([20]byte, bool, error) {
	if !a.cfg.Enabled {
		raw := strings.TrimSpace(r.Header.Get(CallerHeader))
		if raw == "" {
			return [20]byte{}, false, nil
		}
		caller, err := crypto.ParseAddress(raw)
		if err != nil {
			return [20]byte{}, false, fmt.Errorf("invalid %s header: %w", CallerHeader, err)
		}
		return caller, true, nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return [20]byte{}, false, nil
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return [20]byte{}, false, errInvalidToken
	}
	claims, err := a.parseToken(strings.TrimSpace(header[len("bearer "):]))
	if err != nil {
		return [20]byte{}, false, err
	}
	caller, err := crypto.ParseAddress(claims.Subject)
	if err != nil {
		return [20]byte{}, false, fmt.Errorf("%w: subject is not an address", errInvalidToken)
	}
	return caller, true, nil
}

func (a *authenticator) parseToken(raw string) (*jwt.RegisteredClaims, error) {
	claims := new(jwt.RegisteredClaims)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithTimeFunc(a.cfg.Now),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.cfg.Secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}
	if a.cfg.Issuer != "" && claims.Issuer != a.cfg.Issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", errInvalidToken)
	}
	if a.cfg.Audience != "" {
		matched := false
		for _, aud := range claims.Audience {
			if aud == a.cfg.Audience {
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("%w: audience mismatch", errInvalidToken)
		}
	}
	return claims, nil
}

func callerFrom(ctx context.Context) ([20]byte, bool) {
	caller, ok := ctx.Value(callerKey{}).([20]byte)
	return caller, ok
}
