package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/fitledger/internal/model"
)

var (
	// ErrFinalized возвращается для записей в состоянии mirrored или abandoned.
	ErrFinalized = errors.New("mirror record is finalized")
	// ErrNotClaimed возвращается, если повтор записи уже забрал другой исполнитель.
	ErrNotClaimed = errors.New("mirror record claimed by another worker")
)

// Store описывает операции хранилища, нужные для учёта публикации.
type Store interface {
	GetMirrorEntry(ctx context.Context, ref model.MirrorRef) (*model.MirrorEntry, error)
	MarkMirrored(ctx context.Context, ref model.MirrorRef, sequence int64) error
	MarkMirrorFailed(ctx context.Context, ref model.MirrorRef, attempts int, nextAttemptAt time.Time, reason string) error
	ClaimMirrorRetry(ctx context.Context, ref model.MirrorRef) (bool, error)
}

// Channels задаёт каналы внешнего журнала для каждого вида записей.
type Channels struct {
	Reward   string
	Purchase string
}

// For возвращает канал для вида записи.
func (c Channels) For(kind model.RecordKind) (string, error) {
	switch kind {
	case model.KindReward:
		return c.Reward, nil
	case model.KindPurchase:
		return c.Purchase, nil
	}
	return "", fmt.Errorf("unknown record kind %q", kind)
}

// Backoff вычисляет задержку перед следующей попыткой: экспоненциально от Base, не больше Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay возвращает задержку после attempt неудачных попыток (attempt >= 1).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	var bo retry.Backoff = retry.NewExponential(base)
	if b.Max > 0 {
		bo = retry.WithCappedDuration(b.Max, bo)
	}

	d := base
	for i := 0; i < attempt; i++ {
		next, stop := bo.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

// PublisherConfig содержит параметры публикации.
type PublisherConfig struct {
	Channels Channels
	Timeout  time.Duration
	Backoff  Backoff
}

// Publisher выполняет одну попытку публикации записи и сохраняет её результат.
type Publisher struct {
	store     Store
	submitter Submitter
	cfg       PublisherConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewPublisher создаёт Publisher.
func NewPublisher(store Store, submitter Submitter, cfg PublisherConfig, logger *zap.Logger) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		store:     store,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Publish отправляет запись во внешний журнал. Запись в состоянии failed сначала возвращается в pending;
// при ошибке отправки запись переходит в failed с увеличенным счётчиком попыток.
func (p *Publisher) Publish(ctx context.Context, ref model.MirrorRef) (int64, error) {
	entry, err := p.store.GetMirrorEntry(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("load %s %d: %w", ref.Kind, ref.ID, err)
	}

	if entry.Mirror.Status.Terminal() {
		return 0, ErrFinalized
	}
	if entry.Mirror.Status == model.MirrorFailed {
		claimed, err := p.store.ClaimMirrorRetry(ctx, ref)
		if err != nil {
			return 0, err
		}
		if !claimed {
			return 0, ErrNotClaimed
		}
	}

	seq, err := p.submit(ctx, entry)
	if err != nil {
		attempts := entry.Mirror.Attempts + 1
		next := p.now().Add(p.cfg.Backoff.Delay(attempts))
		if markErr := p.store.MarkMirrorFailed(ctx, ref, attempts, next, err.Error()); markErr != nil {
			p.logger.Error("record mirror failure",
				zap.Error(markErr), zap.String("kind", string(ref.Kind)), zap.Int64("id", ref.ID))
		}
		return 0, fmt.Errorf("mirror %s %d: %w", ref.Kind, ref.ID, err)
	}

	if err := p.store.MarkMirrored(ctx, ref, seq); err != nil {
		return seq, fmt.Errorf("record mirror sequence: %w", err)
	}

	p.logger.Debug("record mirrored",
		zap.String("kind", string(ref.Kind)), zap.Int64("id", ref.ID), zap.Int64("sequence", seq))
	return seq, nil
}

func (p *Publisher) submit(ctx context.Context, entry *model.MirrorEntry) (int64, error) {
	if p.submitter == nil {
		return 0, errors.New("mirror client not configured")
	}

	channel, err := p.cfg.Channels.For(entry.Ref.Kind)
	if err != nil {
		return 0, err
	}

	msg, err := Encode(*entry, channel)
	if err != nil {
		return 0, err
	}

	submitCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	return p.submitter.Submit(submitCtx, msg)
}
