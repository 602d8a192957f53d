package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Domenick1991/ridedispatch/config"
	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "ridedispatch"

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID string       `json:"user_id"`
	Email  string       `json:"email,omitempty"`
	Role   domain.Actor `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the verified caller attached to a request or websocket session.
type Identity struct {
	UserID string
	Email  string
	Role   domain.Actor
}

func (i Identity) IsAdmin() bool {
	return i.Role == domain.ActorAdmin
}

// Verifier is what the HTTP and websocket layers need from a token service.
type Verifier interface {
	Verify(token string) (Identity, error)
}

type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewManager(cfg config.AuthConfig) *Manager {
	return &Manager{
		secret: []byte(cfg.Secret),
		ttl:    time.Duration(cfg.TokenTTLMinutes) * time.Minute,
		now:    time.Now,
	}
}

// Issue mints a signed token. Production tokens come from the identity service;
// this is used by the token CLI and tests.
func (m *Manager) Issue(id Identity) (string, error) {
	if id.UserID == "" {
		return "", fmt.Errorf("issue token: empty user id")
	}
	if _, ok := domain.ParseActor(string(id.Role)); !ok {
		return "", fmt.Errorf("issue token: unknown role %q", id.Role)
	}

	now := m.now()
	claims := &Claims{
		UserID: id.UserID,
		Email:  id.Email,
		Role:   id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *Manager) Verify(tokenString string) (Identity, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return Identity{}, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if _, ok := domain.ParseActor(string(claims.Role)); !ok || claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing user or role", ErrInvalidToken)
	}
	return Identity{UserID: claims.UserID, Email: claims.Email, Role: claims.Role}, nil
}

var _ Verifier = (*Manager)(nil)
