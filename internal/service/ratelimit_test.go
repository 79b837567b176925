package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserLimiterPerUser(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	l := newUserLimiter(60, 2)
	require.NotNil(t, l)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow(1))
	assert.True(t, l.Allow(1))
	assert.False(t, l.Allow(1))

	assert.True(t, l.Allow(2))

	now = now.Add(time.Second)
	assert.True(t, l.Allow(1))
	assert.False(t, l.Allow(1))
}

func TestUserLimiterPrunesIdleUsers(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	l := newUserLimiter(60, 2)
	l.now = func() time.Time { return now }
	l.pruneAt = 3

	assert.True(t, l.Allow(1))
	assert.True(t, l.Allow(1))
	assert.True(t, l.Allow(2))
	assert.True(t, l.Allow(3))
	require.Len(t, l.limiters, 3)

	// Через секунду у пользователей 2 и 3 запас полный, у пользователя 1 ещё нет.
	now = now.Add(time.Second)
	assert.True(t, l.Allow(4))

	assert.Len(t, l.limiters, 2)
	assert.Contains(t, l.limiters, int64(1))
	assert.Contains(t, l.limiters, int64(4))
	assert.Equal(t, minLimiterPruneSize, l.pruneAt)

	// Частично израсходованный запас сохраняется после очистки.
	assert.True(t, l.Allow(1))
	assert.False(t, l.Allow(1))

	// Удалённый пользователь получает полный запас.
	assert.True(t, l.Allow(2))
	assert.True(t, l.Allow(2))
	assert.False(t, l.Allow(2))
}
