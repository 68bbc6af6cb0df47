package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, userID string, exp time.Time) string {
	t.Helper()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

// TestJWTStoreParsesClaims 从令牌解析用户ID
func TestJWTStoreParsesClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	store, err := NewJWTStore(signToken(t, "user-42", exp), nil)
	require.NoError(t, err)

	creds, err := store.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-42", creds.UserID)
	assert.True(t, exp.Equal(creds.ExpiresAt))
	assert.False(t, creds.Expired(time.Now()))
}

// TestJWTStoreRefreshesExpired 过期令牌自动刷新
func TestJWTStoreRefreshesExpired(t *testing.T) {
	fresh := signToken(t, "user-42", time.Now().Add(time.Hour))
	calls := 0
	store, err := NewJWTStore(signToken(t, "user-42", time.Now().Add(-time.Minute)), func(ctx context.Context) (string, error) {
		calls++
		return fresh, nil
	})
	require.NoError(t, err)

	creds, err := store.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, creds.Token)
	assert.Equal(t, 1, calls)
}

// TestJWTStoreRejectsGarbage 非法令牌
func TestJWTStoreRejectsGarbage(t *testing.T) {
	_, err := NewJWTStore("not-a-token", nil)
	assert.Error(t, err)
}

// TestRefreshErrors 刷新失败
func TestRefreshErrors(t *testing.T) {
	_, err := NewStaticStore("tok", "u").Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoRefresher)

	store, err := NewJWTStore(signToken(t, "u", time.Now().Add(time.Hour)), func(ctx context.Context) (string, error) {
		return "", errors.New("offline")
	})
	require.NoError(t, err)
	_, err = store.Refresh(context.Background())
	assert.Error(t, err)
}
