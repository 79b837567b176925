package mirror

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/fitledger/internal/model"
)

// Publishing — одна попытка публикации записи.
type Publishing interface {
	Publish(ctx context.Context, ref model.MirrorRef) (int64, error)
}

// Dispatcher публикует записи асинхронно: Enqueue не блокирует вызывающего, публикацию выполняют рабочие горутины.
type Dispatcher struct {
	publisher Publishing
	queue     chan model.MirrorRef
	workers   int
	logger    *zap.Logger
	dropped   atomic.Int64
}

// NewDispatcher создаёт диспетчер с очередью queueSize и workers рабочими горутинами.
func NewDispatcher(publisher Publishing, workers, queueSize int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		publisher: publisher,
		queue:     make(chan model.MirrorRef, queueSize),
		workers:   workers,
		logger:    logger,
	}
}

// Enqueue ставит запись в очередь публикации. При переполненной очереди запись остаётся pending
// и будет опубликована сборщиком.
func (d *Dispatcher) Enqueue(ref model.MirrorRef) {
	select {
	case d.queue <- ref:
	default:
		d.dropped.Add(1)
		d.logger.Warn("mirror queue full, leaving record to sweeper",
			zap.String("kind", string(ref.Kind)), zap.Int64("id", ref.ID))
	}
}

// Dropped возвращает число записей, не поместившихся в очередь.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run запускает рабочие горутины и блокируется до отмены контекста.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
	err := g.Wait()

	d.logger.Info("mirror dispatcher stopped",
		zap.Int64("dropped", d.Dropped()), zap.Int("queued", len(d.queue)))
	return err
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ref := <-d.queue:
			if _, err := d.publisher.Publish(ctx, ref); err != nil && !errors.Is(err, ErrFinalized) {
				d.logger.Warn("mirror attempt failed",
					zap.Error(err), zap.String("kind", string(ref.Kind)), zap.Int64("id", ref.ID))
			}
		}
	}
}
