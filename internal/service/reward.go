package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mmeshcher/fitledger/internal/model"
	"github.com/mmeshcher/fitledger/internal/repository"
	"github.com/mmeshcher/fitledger/internal/validation"
)

// RewardRequest описывает запрос на начисление FIT.
type RewardRequest struct {
	UserID      int64
	Type        model.RewardType
	Amount      int64
	ReferenceID string
	Steps       int64
}

// ComputeReward возвращает размер начисления по политике сервиса.
func (s *Service) ComputeReward(t model.RewardType, c RewardContext) (int64, error) {
	return s.policy.Compute(t, c)
}

// GrantReward начисляет FIT пользователю. Повторный запрос с той же парой (type, referenceId)
// не начисляет ничего и возвращает Granted == false, идентификатор существующей записи и текущий баланс.
func (s *Service) GrantReward(ctx context.Context, req RewardRequest) (*model.RewardResult, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, req.Type)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}
	if req.Steps < 0 {
		return nil, fmt.Errorf("%w: negative steps %d", ErrInvalidAmount, req.Steps)
	}
	if req.ReferenceID != "" && !validation.IsValidReferenceID(req.ReferenceID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReference, req.ReferenceID)
	}

	if !s.limiter.Allow(req.UserID) {
		return nil, ErrRateLimited
	}

	rec := &model.RewardRecord{
		UserID: req.UserID,
		Type:   req.Type,
		Amount: req.Amount,
		Steps:  req.Steps,
	}
	if req.ReferenceID != "" {
		ref := req.ReferenceID
		rec.ReferenceID = &ref
	}

	bal, err := s.repo.CreditAtomic(ctx, req.UserID, req.Amount, req.Steps, func(ctx context.Context, tx repository.LedgerTx) error {
		if rec.ReferenceID != nil {
			_, err := tx.FindRewardByReference(ctx, rec.Type, *rec.ReferenceID)
			switch {
			case err == nil:
				return repository.ErrDuplicateReward
			case !errors.Is(err, repository.ErrRecordNotFound):
				return err
			}
		}
		return tx.InsertReward(ctx, rec)
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateReward) {
			return s.alreadyGranted(ctx, req)
		}
		return nil, err
	}

	s.enqueueMirror(model.MirrorRef{Kind: model.KindReward, ID: rec.ID})

	return &model.RewardResult{
		Granted:    true,
		NewBalance: bal.FitBalance,
		RewardID:   rec.ID,
	}, nil
}

func (s *Service) alreadyGranted(ctx context.Context, req RewardRequest) (*model.RewardResult, error) {
	existing, err := s.repo.FindRewardByReference(ctx, req.Type, req.ReferenceID)
	if err != nil {
		return nil, fmt.Errorf("load granted reward: %w", err)
	}

	bal, err := s.repo.GetBalance(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	return &model.RewardResult{
		Granted:    false,
		NewBalance: bal.FitBalance,
		RewardID:   existing.ID,
	}, nil
}

// StepsReferenceID возвращает ключ идемпотентности начисления за шаги пользователя за день.
func StepsReferenceID(userID int64, day time.Time) string {
	return "steps:" + strconv.FormatInt(userID, 10) + ":" + day.UTC().Format(time.DateOnly)
}

// SyncDevice начисляет FIT за шаги, переданные устройством. Пользователь получает не более одного
// начисления за шаги в календарный день, сколько бы устройств он ни синхронизировал; шаги
// учитываются в total_steps вместе с начислением.
func (s *Service) SyncDevice(ctx context.Context, ev model.WorkoutEvent) (*model.RewardResult, error) {
	if !validation.IsValidDeviceID(ev.DeviceID) {
		return nil, fmt.Errorf("%w: device %q", ErrInvalidReference, ev.DeviceID)
	}
	if ev.WorkoutDate.IsZero() {
		return nil, fmt.Errorf("%w: workout date is required", ErrInvalidReference)
	}

	amount, err := s.policy.Compute(model.RewardDailySteps, RewardContext{Steps: ev.Steps})
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		bal, err := s.repo.GetBalance(ctx, ev.UserID)
		if err != nil {
			return nil, err
		}
		return &model.RewardResult{Granted: false, NewBalance: bal.FitBalance}, nil
	}

	return s.GrantReward(ctx, RewardRequest{
		UserID:      ev.UserID,
		Type:        model.RewardDailySteps,
		Amount:      amount,
		ReferenceID: StepsReferenceID(ev.UserID, ev.WorkoutDate),
		Steps:       ev.Steps,
	})
}
