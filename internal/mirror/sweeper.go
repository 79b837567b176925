package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/fitledger/internal/model"
)

// SweepStore описывает операции хранилища, нужные сборщику.
type SweepStore interface {
	ListMirrorCandidates(ctx context.Context, pendingBefore, now time.Time, limit int) ([]model.MirrorEntry, error)
	MarkMirrorAbandoned(ctx context.Context, ref model.MirrorRef, reason string) error
}

// SweeperConfig содержит параметры сборщика.
type SweeperConfig struct {
	Interval   time.Duration
	Grace      time.Duration
	Batch      int
	MaxRetries int
}

// SweepStats — итог одного прохода сборщика.
type SweepStats struct {
	Scanned   int
	Mirrored  int
	Failed    int
	Abandoned int
	Skipped   int
}

// Sweeper периодически повторяет публикацию записей pending и failed и переводит в abandoned
// записи, исчерпавшие лимит попыток.
type Sweeper struct {
	store     SweepStore
	publisher Publishing
	cfg       SweeperConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewSweeper создаёт сборщик.
func NewSweeper(store SweepStore, publisher Publishing, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Run выполняет проходы сборщика по таймеру до отмены контекста.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.RunOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("mirror sweep failed", zap.Error(err))
				continue
			}
			if stats.Scanned > 0 {
				s.logger.Info("mirror sweep finished",
					zap.Int("scanned", stats.Scanned),
					zap.Int("mirrored", stats.Mirrored),
					zap.Int("failed", stats.Failed),
					zap.Int("abandoned", stats.Abandoned),
					zap.Int("skipped", stats.Skipped),
				)
			}
		}
	}
}

// RunOnce выполняет один проход по записям, ожидающим публикации.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	now := s.now()
	entries, err := s.store.ListMirrorCandidates(ctx, now.Add(-s.cfg.Grace), now, s.cfg.Batch)
	if err != nil {
		return stats, fmt.Errorf("list mirror candidates: %w", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Scanned++

		if e.Mirror.Status == model.MirrorFailed && e.Mirror.Attempts >= s.cfg.MaxRetries {
			reason := fmt.Sprintf("retry limit %d reached: %s", s.cfg.MaxRetries, e.Mirror.LastError)
			if err := s.store.MarkMirrorAbandoned(ctx, e.Ref, reason); err != nil {
				return stats, fmt.Errorf("abandon %s %d: %w", e.Ref.Kind, e.Ref.ID, err)
			}
			stats.Abandoned++
			s.logger.Error("mirror abandoned, operator attention required",
				zap.String("kind", string(e.Ref.Kind)),
				zap.Int64("id", e.Ref.ID),
				zap.Int64("userID", e.UserID),
				zap.Int("attempts", e.Mirror.Attempts),
				zap.String("lastError", e.Mirror.LastError),
			)
			continue
		}

		_, err := s.publisher.Publish(ctx, e.Ref)
		switch {
		case err == nil:
			stats.Mirrored++
		case errors.Is(err, ErrFinalized), errors.Is(err, ErrNotClaimed):
			stats.Skipped++
		default:
			stats.Failed++
		}
	}

	return stats, nil
}
