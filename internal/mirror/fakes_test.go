package mirror

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/fitledger/internal/model"
)

var errNotFound = errors.New("not found")

// memStore повторяет переходы состояний, которые хранилище выполняет в SQL.
type memStore struct {
	mu      sync.Mutex
	entries map[model.MirrorRef]*model.MirrorEntry
	now     func() time.Time

	failClaim bool
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{entries: make(map[model.MirrorRef]*model.MirrorEntry), now: now}
}

func (s *memStore) add(e model.MirrorEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Mirror.Status == "" {
		e.Mirror.Status = model.MirrorPending
	}
	if e.Mirror.UpdatedAt.IsZero() {
		e.Mirror.UpdatedAt = s.now()
	}
	s.entries[e.Ref] = &e
}

func (s *memStore) get(ref model.MirrorRef) model.MirrorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.entries[ref]
}

func (s *memStore) GetMirrorEntry(ctx context.Context, ref model.MirrorRef) (*model.MirrorEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ref]
	if !ok {
		return nil, errNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) MarkMirrored(ctx context.Context, ref model.MirrorRef, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[ref]
	if e.Mirror.Status != model.MirrorPending && e.Mirror.Status != model.MirrorFailed {
		return nil
	}
	e.Mirror.Status = model.MirrorMirrored
	e.Mirror.Sequence = &sequence
	e.Mirror.NextAttemptAt = nil
	e.Mirror.LastError = ""
	e.Mirror.UpdatedAt = s.now()
	return nil
}

func (s *memStore) MarkMirrorFailed(ctx context.Context, ref model.MirrorRef, attempts int, nextAttemptAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[ref]
	if e.Mirror.Status != model.MirrorPending {
		return nil
	}
	e.Mirror.Status = model.MirrorFailed
	e.Mirror.Attempts = attempts
	e.Mirror.NextAttemptAt = &nextAttemptAt
	e.Mirror.LastError = reason
	e.Mirror.UpdatedAt = s.now()
	return nil
}

func (s *memStore) ClaimMirrorRetry(ctx context.Context, ref model.MirrorRef) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[ref]
	if s.failClaim || e.Mirror.Status != model.MirrorFailed {
		return false, nil
	}
	e.Mirror.Status = model.MirrorPending
	e.Mirror.UpdatedAt = s.now()
	return true, nil
}

func (s *memStore) MarkMirrorAbandoned(ctx context.Context, ref model.MirrorRef, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[ref]
	if e.Mirror.Status != model.MirrorFailed {
		return nil
	}
	e.Mirror.Status = model.MirrorAbandoned
	e.Mirror.NextAttemptAt = nil
	e.Mirror.LastError = reason
	e.Mirror.UpdatedAt = s.now()
	return nil
}

func (s *memStore) ListMirrorCandidates(ctx context.Context, pendingBefore, now time.Time, limit int) ([]model.MirrorEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []model.MirrorEntry
	for _, e := range s.entries {
		m := e.Mirror
		switch {
		case m.Status == model.MirrorPending && !m.UpdatedAt.After(pendingBefore):
		case m.Status == model.MirrorFailed && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)):
		default:
			continue
		}
		res = append(res, *e)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].LedgerSeq < res[j].LedgerSeq })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// flakySubmitter отклоняет первые failures отправок, затем присваивает номера последовательности по порядку.
type flakySubmitter struct {
	mu       sync.Mutex
	failures int
	calls    int
	seq      int64
	messages []Message
}

func (f *flakySubmitter) Submit(ctx context.Context, msg Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures < 0 || f.calls <= f.failures {
		return 0, errors.New("mirror unreachable")
	}
	f.seq++
	f.messages = append(f.messages, msg)
	return f.seq, nil
}

func (f *flakySubmitter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var testChannels = Channels{Reward: "fit.rewards", Purchase: "fit.purchases"}

func rewardEntry(id, seq int64) model.MirrorEntry {
	return model.MirrorEntry{
		Ref:        model.MirrorRef{Kind: model.KindReward, ID: id},
		UserID:     7,
		RewardType: model.RewardReferral,
		Amount:     50,
		LedgerSeq:  seq,
		CreatedAt:  time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC),
	}
}
