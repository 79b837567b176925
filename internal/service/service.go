// Package service реализует бизнес-логику учёта FIT: начисления, покупки и зеркалирование журнала.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"github.com/mmeshcher/fitledger/internal/model"
	"github.com/mmeshcher/fitledger/internal/repository"
)

var (
	// ErrInvalidAmount возвращается для неположительной суммы начисления.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidType возвращается для типа начисления вне перечня.
	ErrInvalidType = errors.New("invalid reward type")
	// ErrInvalidQuantity возвращается для количества товара меньше единицы.
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrInvalidReference возвращается для некорректного идентификатора события или устройства.
	ErrInvalidReference = errors.New("invalid reference id")
	// ErrRateLimited возвращается при превышении частоты начислений пользователю.
	ErrRateLimited = errors.New("reward rate limit exceeded")
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrMirrorDisabled возвращается, если публикация во внешний журнал не настроена.
	ErrMirrorDisabled = errors.New("mirror not configured")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	CreditAtomic(ctx context.Context, userID, delta, steps int64, insert repository.TxFunc) (*model.Balance, error)
	DebitAtomic(ctx context.Context, userID int64, precondition repository.DebitPrecondition, insert repository.TxFunc) (*model.Balance, error)
	FindRewardByReference(ctx context.Context, rewardType model.RewardType, referenceID string) (*model.RewardRecord, error)
	ListRewardsByUser(ctx context.Context, userID int64) ([]model.RewardRecord, error)
	ListPurchasesByUser(ctx context.Context, userID int64) ([]model.PurchaseRecord, error)
	ListLedger(ctx context.Context, userID int64) ([]model.LedgerEntry, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	ListMirrorsByStatus(ctx context.Context, statuses []model.MirrorStatus, limit int) ([]model.MirrorEntry, error)
}

// MirrorQueue принимает записи для асинхронной публикации во внешний журнал.
type MirrorQueue interface {
	Enqueue(ref model.MirrorRef)
}

// MirrorPublisher выполняет немедленную попытку публикации записи.
type MirrorPublisher interface {
	Publish(ctx context.Context, ref model.MirrorRef) (int64, error)
}

// Config содержит параметры бизнес-логики.
type Config struct {
	Policy        Policy
	RatePerMinute int
	RateBurst     int
}

// Service содержит бизнес-логику сервиса учёта FIT.
type Service struct {
	repo      Repository
	queue     MirrorQueue
	publisher MirrorPublisher
	policy    Policy
	limiter   *userLimiter
}

// NewService создаёт сервис. queue и publisher могут быть nil: тогда записи остаются pending.
func NewService(repo Repository, queue MirrorQueue, publisher MirrorPublisher, cfg Config) *Service {
	return &Service{
		repo:      repo,
		queue:     queue,
		publisher: publisher,
		policy:    cfg.Policy,
		limiter:   newUserLimiter(cfg.RatePerMinute, cfg.RateBurst),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя с нулевым балансом.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	return s.repo.CreateUser(ctx, login, hashPassword(login, password))
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	if subtle.ConstantTimeCompare(hashPassword(login, password), u.PasswordHash) != 1 {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// GetBalance возвращает баланс пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.repo.GetBalance(ctx, userID)
}

// ListRewards возвращает историю начислений пользователя.
func (s *Service) ListRewards(ctx context.Context, userID int64) ([]model.RewardRecord, error) {
	return s.repo.ListRewardsByUser(ctx, userID)
}

// ListPurchases возвращает историю покупок пользователя.
func (s *Service) ListPurchases(ctx context.Context, userID int64) ([]model.PurchaseRecord, error) {
	return s.repo.ListPurchasesByUser(ctx, userID)
}

// ListProducts возвращает каталог маркетплейса.
func (s *Service) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.repo.ListProducts(ctx)
}

// ReplayLedger пересчитывает баланс пользователя по истории начислений и покупок в порядке фиксации
// и сравнивает результат с хранимым балансом. Журнал читается после баланса, поэтому при
// параллельных изменениях Consistent может быть ложным без реального расхождения.
func (s *Service) ReplayLedger(ctx context.Context, userID int64) (*model.LedgerReplay, error) {
	bal, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	entries, err := s.repo.ListLedger(ctx, userID)
	if err != nil {
		return nil, err
	}

	var replayed int64
	for _, e := range entries {
		replayed += e.Delta
	}

	return &model.LedgerReplay{
		UserID:     userID,
		Stored:     bal.FitBalance,
		Replayed:   replayed,
		Consistent: replayed == bal.FitBalance,
		Entries:    entries,
	}, nil
}

// ListPendingMirrors возвращает записи, ещё не опубликованные во внешний журнал (pending и failed).
func (s *Service) ListPendingMirrors(ctx context.Context, limit int) ([]model.MirrorEntry, error) {
	return s.repo.ListMirrorsByStatus(ctx, []model.MirrorStatus{model.MirrorPending, model.MirrorFailed}, limit)
}

// ListAbandonedMirrors возвращает записи, публикация которых прекращена и требует внимания оператора.
func (s *Service) ListAbandonedMirrors(ctx context.Context, limit int) ([]model.MirrorEntry, error) {
	return s.repo.ListMirrorsByStatus(ctx, []model.MirrorStatus{model.MirrorAbandoned}, limit)
}

// RetryMirror немедленно повторяет публикацию записи и возвращает номер последовательности внешнего журнала.
func (s *Service) RetryMirror(ctx context.Context, ref model.MirrorRef) (int64, error) {
	if s.publisher == nil {
		return 0, ErrMirrorDisabled
	}
	return s.publisher.Publish(ctx, ref)
}

func (s *Service) enqueueMirror(ref model.MirrorRef) {
	if s.queue != nil {
		s.queue.Enqueue(ref)
	}
}
