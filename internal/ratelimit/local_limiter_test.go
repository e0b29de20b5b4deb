package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiter_AllowsWithinBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultRPS = 5
	cfg.Burst = 5
	l := NewLocalLimiter(cfg)
	defer l.Close()

	for i := 0; i < 5; i++ {
		allowed, _, _, err := l.Allow(context.Background(), "ip:1.2.3.4")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be within burst", i)
	}
}

func TestLocalLimiter_DeniesBeyondBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultRPS = 2
	cfg.Burst = 2
	l := NewLocalLimiter(cfg)
	defer l.Close()

	for i := 0; i < 2; i++ {
		allowed, _, _, err := l.Allow(context.Background(), "ip:1.2.3.4")
		require.NoError(t, err)
		require.True(t, allowed)
	}

	allowed, _, _, err := l.Allow(context.Background(), "ip:1.2.3.4")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestLocalLimiter_KeysAreIndependent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultRPS = 1
	cfg.Burst = 1
	l := NewLocalLimiter(cfg)
	defer l.Close()

	allowedA, _, _, err := l.Allow(context.Background(), "ip:1.1.1.1")
	require.NoError(t, err)
	assert.True(t, allowedA)

	allowedB, _, _, err := l.Allow(context.Background(), "ip:2.2.2.2")
	require.NoError(t, err)
	assert.True(t, allowedB, "a distinct key should have its own bucket")
}

func TestLocalLimiter_ResetRestoresBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultRPS = 1
	cfg.Burst = 1
	l := NewLocalLimiter(cfg)
	defer l.Close()

	allowed, _, _, err := l.Allow(context.Background(), "ip:1.2.3.4")
	require.NoError(t, err)
	require.True(t, allowed)

	denied, _, _, err := l.Allow(context.Background(), "ip:1.2.3.4")
	require.NoError(t, err)
	require.False(t, denied)

	require.NoError(t, l.Reset(context.Background(), "ip:1.2.3.4"))

	allowed, _, _, err = l.Allow(context.Background(), "ip:1.2.3.4")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestLocalLimiter_GetLimitReflectsConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuthRPS = 7
	l := NewLocalLimiter(cfg)
	defer l.Close()

	limit, err := l.GetLimit(context.Background(), "auth:login")
	require.NoError(t, err)
	assert.Equal(t, 7, limit)
}
