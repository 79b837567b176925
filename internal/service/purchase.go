package service

import (
	"context"
	"fmt"
	"math"

	"github.com/mmeshcher/fitledger/internal/model"
	"github.com/mmeshcher/fitledger/internal/repository"
)

// Purchase списывает стоимость товара с баланса пользователя, уменьшает остаток и сохраняет покупку.
// Все изменения выполняются в одной транзакции; цена фиксируется в записи покупки.
func (s *Service) Purchase(ctx context.Context, userID, productID, quantity int64) (*model.PurchaseResult, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}

	rec := &model.PurchaseRecord{
		UserID:    userID,
		ProductID: productID,
		Quantity:  quantity,
	}

	precondition := func(ctx context.Context, tx repository.LedgerTx) (int64, error) {
		p, err := tx.LockProduct(ctx, productID)
		if err != nil {
			return 0, err
		}
		if p.Stock < quantity {
			return 0, repository.ErrInsufficientStock
		}
		if p.PriceTokens > math.MaxInt64/quantity {
			return 0, repository.ErrInsufficientFunds
		}
		rec.TotalCost = p.PriceTokens * quantity
		return rec.TotalCost, nil
	}

	insert := func(ctx context.Context, tx repository.LedgerTx) error {
		if err := tx.DecrementStock(ctx, productID, quantity); err != nil {
			return err
		}
		return tx.InsertPurchase(ctx, rec)
	}

	bal, err := s.repo.DebitAtomic(ctx, userID, precondition, insert)
	if err != nil {
		return nil, err
	}

	s.enqueueMirror(model.MirrorRef{Kind: model.KindPurchase, ID: rec.ID})

	return &model.PurchaseResult{
		Success:          true,
		TotalCost:        rec.TotalCost,
		RemainingBalance: bal.FitBalance,
		PurchaseID:       rec.ID,
	}, nil
}
