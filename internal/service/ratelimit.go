package service

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const minLimiterPruneSize = 1024

// userLimiter ограничивает частоту начислений для каждого пользователя отдельно.
type userLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[int64]*rate.Limiter
	pruneAt  int
	now      func() time.Time
}

// newUserLimiter возвращает nil, если ограничение выключено.
func newUserLimiter(perMinute, burst int) *userLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &userLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		limiters: make(map[int64]*rate.Limiter),
		pruneAt:  minLimiterPruneSize,
		now:      time.Now,
	}
}

func (l *userLimiter) Allow(userID int64) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	now := l.now()
	lim, ok := l.limiters[userID]
	if !ok {
		if len(l.limiters) >= l.pruneAt {
			l.prune(now)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()

	return lim.AllowN(now, 1)
}

// prune удаляет ограничители с полным запасом токенов: такой ограничитель не отличается от нового.
// Следующая очистка выполняется, когда размер карты удвоится.
func (l *userLimiter) prune(now time.Time) {
	full := float64(l.burst)
	for id, lim := range l.limiters {
		if lim.TokensAt(now) >= full {
			delete(l.limiters, id)
		}
	}
	l.pruneAt = max(minLimiterPruneSize, 2*len(l.limiters))
}
