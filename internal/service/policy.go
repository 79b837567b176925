package service

import (
	"fmt"

	"github.com/mmeshcher/fitledger/internal/model"
)

// RewardContext содержит данные события, от которых зависит размер начисления.
type RewardContext struct {
	Steps  int64
	Amount int64
}

// Policy — единственное место, где задаются размеры начислений.
type Policy struct {
	StepsPerToken      int64
	StepBonusThreshold int64
	StepBonus          int64
	DailyStepsCap      int64
	Encouragement      int64
	BestComment        int64
	Referral           int64
	ChallengeDefault   int64
}

// DefaultPolicy возвращает политику начислений по умолчанию.
func DefaultPolicy() Policy {
	return Policy{
		StepsPerToken:      1000,
		StepBonusThreshold: 10000,
		StepBonus:          5,
		DailyStepsCap:      30,
		Encouragement:      1,
		BestComment:        10,
		Referral:           50,
		ChallengeDefault:   20,
	}
}

// Compute возвращает размер начисления для типа и контекста события. Ноль означает, что начислять нечего.
func (p Policy) Compute(t model.RewardType, c RewardContext) (int64, error) {
	switch t {
	case model.RewardDailySteps:
		return p.dailySteps(c.Steps)
	case model.RewardEncouragement:
		return p.Encouragement, nil
	case model.RewardBestComment:
		return p.BestComment, nil
	case model.RewardReferral:
		return p.Referral, nil
	case model.RewardChallenge:
		if c.Amount > 0 {
			return c.Amount, nil
		}
		return p.ChallengeDefault, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidType, t)
}

func (p Policy) dailySteps(steps int64) (int64, error) {
	if steps < 0 {
		return 0, fmt.Errorf("%w: negative steps %d", ErrInvalidAmount, steps)
	}
	if p.StepsPerToken <= 0 {
		return 0, nil
	}

	amount := steps / p.StepsPerToken
	if p.StepBonusThreshold > 0 && steps >= p.StepBonusThreshold {
		amount += p.StepBonus
	}
	if p.DailyStepsCap > 0 && amount > p.DailyStepsCap {
		amount = p.DailyStepsCap
	}
	return amount, nil
}
