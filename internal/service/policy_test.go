package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/fitledger/internal/model"
)

func TestDefaultPolicyCompute(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name string
		typ  model.RewardType
		ctx  RewardContext
		want int64
	}{
		{name: "steps below one token", typ: model.RewardDailySteps, ctx: RewardContext{Steps: 999}, want: 0},
		{name: "steps rate", typ: model.RewardDailySteps, ctx: RewardContext{Steps: 7500}, want: 7},
		{name: "steps bonus threshold", typ: model.RewardDailySteps, ctx: RewardContext{Steps: 10000}, want: 15},
		{name: "steps capped", typ: model.RewardDailySteps, ctx: RewardContext{Steps: 80000}, want: 30},
		{name: "encouragement", typ: model.RewardEncouragement, want: 1},
		{name: "best comment", typ: model.RewardBestComment, want: 10},
		{name: "referral", typ: model.RewardReferral, want: 50},
		{name: "challenge default", typ: model.RewardChallenge, want: 20},
		{name: "challenge explicit", typ: model.RewardChallenge, ctx: RewardContext{Amount: 35}, want: 35},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Compute(tt.typ, tt.ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicyComputeErrors(t *testing.T) {
	p := DefaultPolicy()

	_, err := p.Compute("gift", RewardContext{})
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = p.Compute(model.RewardDailySteps, RewardContext{Steps: -10})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPolicyWithoutStepRate(t *testing.T) {
	p := Policy{}

	got, err := p.Compute(model.RewardDailySteps, RewardContext{Steps: 50000})
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestUserLimiterDisabled(t *testing.T) {
	var l *userLimiter = newUserLimiter(0, 5)
	assert.Nil(t, l)

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(1))
	}
}
