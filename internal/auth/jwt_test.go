package auth

import (
	"testing"
	"time"

	"github.com/Domenick1991/ridedispatch/config"
	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(config.AuthConfig{Secret: "test-secret", TokenTTLMinutes: 5})
}

func TestManager_IssueAndVerify(t *testing.T) {
	m := newTestManager()

	token, err := m.Issue(Identity{UserID: "driver-1", Email: "d1@example.com", Role: domain.ActorDriver})
	require.NoError(t, err)

	id, err := m.Verify("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "driver-1", id.UserID)
	assert.Equal(t, "d1@example.com", id.Email)
	assert.Equal(t, domain.ActorDriver, id.Role)
	assert.False(t, id.IsAdmin())
}

func TestManager_VerifyExpired(t *testing.T) {
	m := newTestManager()
	issuedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return issuedAt }

	token, err := m.Issue(Identity{UserID: "c1", Role: domain.ActorCustomer})
	require.NoError(t, err)

	m.now = func() time.Time { return issuedAt.Add(10 * time.Minute) }
	_, err = m.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_VerifyWrongSecret(t *testing.T) {
	token, err := NewManager(config.AuthConfig{Secret: "other", TokenTTLMinutes: 5}).
		Issue(Identity{UserID: "c1", Role: domain.ActorCustomer})
	require.NoError(t, err)

	_, err = newTestManager().Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_VerifyRejectsUnknownRole(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	claims := &Claims{
		UserID: "x",
		Role:   domain.Actor("superuser"),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	require.NoError(t, err)

	_, err = m.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_IssueValidation(t *testing.T) {
	m := newTestManager()
	_, err := m.Issue(Identity{Role: domain.ActorAdmin})
	assert.Error(t, err)
	_, err = m.Issue(Identity{UserID: "u", Role: "pilot"})
	assert.Error(t, err)
	_, err = m.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
