// Package repository содержит хранилища баланса, начислений, товаров и покупок.
//
// Изменение баланса выполняется только через CreditAtomic и DebitAtomic: оба метода блокируют строку
// пользователя и выполняют переданные функции в той же транзакции, что и изменение баланса.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/fitledger/internal/model"
)

var (
	// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientStock возвращается, если остатка товара не хватает на покупку.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInsufficientFunds возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDuplicateReward возвращается, если начисление с той же парой (type, reference_id) уже существует.
	ErrDuplicateReward = errors.New("reward already granted")
	// ErrRecordNotFound возвращается, если запись журнала не найдена.
	ErrRecordNotFound = errors.New("ledger record not found")
)

// LedgerTx — операции, доступные функциям, выполняемым внутри транзакции изменения баланса.
type LedgerTx interface {
	FindRewardByReference(ctx context.Context, rewardType model.RewardType, referenceID string) (*model.RewardRecord, error)
	InsertReward(ctx context.Context, rec *model.RewardRecord) error
	LockProduct(ctx context.Context, productID int64) (*model.Product, error)
	DecrementStock(ctx context.Context, productID, quantity int64) error
	InsertPurchase(ctx context.Context, rec *model.PurchaseRecord) error
}

// TxFunc выполняется внутри транзакции изменения баланса.
type TxFunc func(ctx context.Context, tx LedgerTx) error

// DebitPrecondition выполняется под блокировкой строки пользователя и возвращает сумму списания.
type DebitPrecondition func(ctx context.Context, tx LedgerTx) (int64, error)

// Store объединяет все хранилища сервиса.
type Store interface {
	Close() error

	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)

	CreditAtomic(ctx context.Context, userID, delta, steps int64, insert TxFunc) (*model.Balance, error)
	DebitAtomic(ctx context.Context, userID int64, precondition DebitPrecondition, insert TxFunc) (*model.Balance, error)

	GetReward(ctx context.Context, id int64) (*model.RewardRecord, error)
	FindRewardByReference(ctx context.Context, rewardType model.RewardType, referenceID string) (*model.RewardRecord, error)
	ListRewardsByUser(ctx context.Context, userID int64) ([]model.RewardRecord, error)
	ListPurchasesByUser(ctx context.Context, userID int64) ([]model.PurchaseRecord, error)
	ListLedger(ctx context.Context, userID int64) ([]model.LedgerEntry, error)

	CreateProduct(ctx context.Context, p *model.Product) (int64, error)
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)

	GetMirrorEntry(ctx context.Context, ref model.MirrorRef) (*model.MirrorEntry, error)
	MarkMirrored(ctx context.Context, ref model.MirrorRef, sequence int64) error
	MarkMirrorFailed(ctx context.Context, ref model.MirrorRef, attempts int, nextAttemptAt time.Time, reason string) error
	ClaimMirrorRetry(ctx context.Context, ref model.MirrorRef) (bool, error)
	MarkMirrorAbandoned(ctx context.Context, ref model.MirrorRef, reason string) error
	ListMirrorCandidates(ctx context.Context, pendingBefore, now time.Time, limit int) ([]model.MirrorEntry, error)
	ListMirrorsByStatus(ctx context.Context, statuses []model.MirrorStatus, limit int) ([]model.MirrorEntry, error)
}

// Open открывает хранилище по DSN: postgres:// и postgresql:// — PostgreSQL, sqlite:// и file: — SQLite.
func Open(dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresRepository(dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLiteRepository(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "file:"):
		return NewSQLiteRepository(dsn)
	case dsn == "":
		return nil, errors.New("database URI is empty")
	}
	return nil, fmt.Errorf("unsupported database URI scheme: %q", dsn)
}

func mirrorTable(kind model.RecordKind) (string, error) {
	switch kind {
	case model.KindReward:
		return "reward_records", nil
	case model.KindPurchase:
		return "purchase_records", nil
	}
	return "", fmt.Errorf("unknown record kind %q", kind)
}

// truncateReason ограничивает длину текста ошибки, сохраняемого в записи.
func truncateReason(reason string) string {
	const maxLen = 512
	if len(reason) > maxLen {
		return reason[:maxLen]
	}
	return reason
}

func rewardToEntry(r *model.RewardRecord) model.MirrorEntry {
	e := model.MirrorEntry{
		Ref:        model.MirrorRef{Kind: model.KindReward, ID: r.ID},
		UserID:     r.UserID,
		RewardType: r.Type,
		Amount:     r.Amount,
		LedgerSeq:  r.LedgerSeq,
		CreatedAt:  r.CreatedAt,
		Mirror:     r.Mirror,
	}
	if r.ReferenceID != nil {
		e.ReferenceID = *r.ReferenceID
	}
	return e
}

func purchaseToEntry(p *model.PurchaseRecord) model.MirrorEntry {
	return model.MirrorEntry{
		Ref:       model.MirrorRef{Kind: model.KindPurchase, ID: p.ID},
		UserID:    p.UserID,
		ProductID: p.ProductID,
		Quantity:  p.Quantity,
		Amount:    p.TotalCost,
		LedgerSeq: p.LedgerSeq,
		CreatedAt: p.CreatedAt,
		Mirror:    p.Mirror,
	}
}

// mergeEntries объединяет записи двух таблиц в порядке ledger_seq и обрезает результат до limit.
func mergeEntries(a, b []model.MirrorEntry, limit int) []model.MirrorEntry {
	res := make([]model.MirrorEntry, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		if j >= len(b) || (i < len(a) && a[i].LedgerSeq <= b[j].LedgerSeq) {
			res = append(res, a[i])
			i++
		} else {
			res = append(res, b[j])
			j++
		}
	}
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

func statusStrings(statuses []model.MirrorStatus) []string {
	res := make([]string, 0, len(statuses))
	for _, s := range statuses {
		res = append(res, string(s))
	}
	return res
}
