package middleware

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

type authCtxKey int

const authKey authCtxKey = 7

// Token roles. Owner tokens carry UID/Email; participant tokens carry
// PID/SID and are bound to a single session.
const (
	RoleOwner       = "owner"
	RoleParticipant = "participant"
)

type Claims struct {
	Role  string `json:"role"`
	UID   string `json:"uid,omitempty"`
	Email string `json:"email,omitempty"`
	PID   string `json:"pid,omitempty"`
	SID   string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

func secret() []byte {
	s := os.Getenv("ENGAGE_JWT_SECRET")
	if s == "" {
		s = "engage-dev-secret"
	}
	return []byte(s)
}

func SignOwnerToken(uid, email string, ttl time.Duration) (string, error) {
	return sign(Claims{Role: RoleOwner, UID: uid, Email: email}, ttl)
}

func SignParticipantToken(pid, sid string, ttl time.Duration) (string, error) {
	return sign(Claims{Role: RoleParticipant, PID: pid, SID: sid}, ttl)
}

func sign(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret())
}

func parseToken(tok string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(tok, &Claims{}, func(token *jwt.Token) (interface{}, error) { return secret(), nil })
	if err != nil {
		return nil, err
	}
	if c, ok := t.Claims.(*Claims); ok && t.Valid {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

// WithAuth attaches claims to the context when a valid bearer token is
// present. Handlers decide whether owner or participant claims are required.
func WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if strings.HasPrefix(h, "Bearer ") {
			tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
			if c, err := parseToken(tok); err == nil {
				ctx := context.WithValue(r.Context(), authKey, c)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func OwnerIDFromContext(ctx context.Context) (string, bool) {
	if c, ok := ctx.Value(authKey).(*Claims); ok && c.Role == RoleOwner && c.UID != "" {
		return c.UID, true
	}
	return "", false
}

// ParticipantFromContext returns the participant id and the session id the
// token is bound to.
func ParticipantFromContext(ctx context.Context) (string, string, bool) {
	if c, ok := ctx.Value(authKey).(*Claims); ok && c.Role == RoleParticipant && c.PID != "" && c.SID != "" {
		return c.PID, c.SID, true
	}
	return "", "", false
}
