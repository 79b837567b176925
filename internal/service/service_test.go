package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/fitledger/internal/model"
	"github.com/mmeshcher/fitledger/internal/repository"
)

type recordingQueue struct {
	mu   sync.Mutex
	refs []model.MirrorRef
}

func (q *recordingQueue) Enqueue(ref model.MirrorRef) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refs = append(q.refs, ref)
}

func (q *recordingQueue) Refs() []model.MirrorRef {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.MirrorRef(nil), q.refs...)
}

func newTestStore(t *testing.T) *repository.SQLiteRepository {
	t.Helper()

	store, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "fit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestService(t *testing.T) (*Service, *repository.SQLiteRepository, *recordingQueue) {
	t.Helper()

	store := newTestStore(t)
	queue := &recordingQueue{}
	svc := NewService(store, queue, nil, Config{Policy: DefaultPolicy()})
	return svc, store, queue
}

func registerUser(t *testing.T, svc *Service, login string) int64 {
	t.Helper()

	id, err := svc.RegisterUser(context.Background(), login, "pass")
	require.NoError(t, err)
	return id
}

func createProduct(t *testing.T, store repository.Store, price, stock int64) int64 {
	t.Helper()

	id, err := store.CreateProduct(context.Background(), &model.Product{
		Name:        "whey protein",
		Category:    model.CategoryProtein,
		PriceTokens: price,
		Stock:       stock,
	})
	require.NoError(t, err)
	return id
}

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	id := registerUser(t, svc, "runner")

	_, err := svc.RegisterUser(ctx, "runner", "other")
	assert.ErrorIs(t, err, repository.ErrUserExists)

	got, err := svc.AuthenticateUser(ctx, "runner", "pass")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = svc.AuthenticateUser(ctx, "runner", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.AuthenticateUser(ctx, "nobody", "pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	bal, err := svc.GetBalance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.FitBalance)
	assert.Equal(t, int64(0), bal.TotalSteps)
}

func TestRewardAndPurchaseScenario(t *testing.T) {
	svc, store, queue := newTestService(t)
	ctx := context.Background()

	userID := registerUser(t, svc, "user")
	productA := createProduct(t, store, 10, 5)

	req := RewardRequest{UserID: userID, Type: model.RewardDailySteps, Amount: 15, ReferenceID: "sync-1"}

	res, err := svc.GrantReward(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, int64(15), res.NewBalance)
	firstID := res.RewardID

	res, err = svc.GrantReward(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, int64(15), res.NewBalance)
	assert.Equal(t, firstID, res.RewardID)

	pres, err := svc.Purchase(ctx, userID, productA, 1)
	require.NoError(t, err)
	assert.True(t, pres.Success)
	assert.Equal(t, int64(10), pres.TotalCost)
	assert.Equal(t, int64(5), pres.RemainingBalance)

	_, err = svc.Purchase(ctx, userID, productA, 1)
	assert.ErrorIs(t, err, repository.ErrInsufficientFunds)

	bal, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal.FitBalance)

	product, err := store.GetProduct(ctx, productA)
	require.NoError(t, err)
	assert.Equal(t, int64(4), product.Stock)

	assert.Equal(t, []model.MirrorRef{
		{Kind: model.KindReward, ID: firstID},
		{Kind: model.KindPurchase, ID: pres.PurchaseID},
	}, queue.Refs())
}

func TestGrantRewardValidation(t *testing.T) {
	svc, _, queue := newTestService(t)
	userID := registerUser(t, svc, "user")

	tests := []struct {
		name    string
		req     RewardRequest
		wantErr error
	}{
		{
			name:    "unknown type",
			req:     RewardRequest{UserID: userID, Type: "gift", Amount: 5},
			wantErr: ErrInvalidType,
		},
		{
			name:    "zero amount",
			req:     RewardRequest{UserID: userID, Type: model.RewardReferral, Amount: 0},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "negative amount",
			req:     RewardRequest{UserID: userID, Type: model.RewardReferral, Amount: -3},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "negative steps",
			req:     RewardRequest{UserID: userID, Type: model.RewardDailySteps, Amount: 3, Steps: -1},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "malformed reference",
			req:     RewardRequest{UserID: userID, Type: model.RewardReferral, Amount: 3, ReferenceID: "ref with spaces"},
			wantErr: ErrInvalidReference,
		},
		{
			name:    "unknown user",
			req:     RewardRequest{UserID: 9999, Type: model.RewardReferral, Amount: 3},
			wantErr: repository.ErrUserNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.GrantReward(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	rewards, err := svc.ListRewards(context.Background(), userID)
	require.NoError(t, err)
	assert.Empty(t, rewards)
	assert.Empty(t, queue.Refs())
}

func TestGrantRewardWithoutReferenceIsNotDeduplicated(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	userID := registerUser(t, svc, "user")

	for i := 0; i < 3; i++ {
		res, err := svc.GrantReward(ctx, RewardRequest{UserID: userID, Type: model.RewardEncouragement, Amount: 1})
		require.NoError(t, err)
		assert.True(t, res.Granted)
	}

	bal, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), bal.FitBalance)
}

func TestGrantRewardSameReferenceDifferentType(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	userID := registerUser(t, svc, "user")

	_, err := svc.GrantReward(ctx, RewardRequest{UserID: userID, Type: model.RewardBestComment, Amount: 10, ReferenceID: "comment/7"})
	require.NoError(t, err)

	res, err := svc.GrantReward(ctx, RewardRequest{UserID: userID, Type: model.RewardEncouragement, Amount: 1, ReferenceID: "comment/7"})
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, int64(11), res.NewBalance)
}

func TestConcurrentGrantNoDoubleReward(t *testing.T) {
	svc, _, queue := newTestService(t)
	ctx := context.Background()
	userID := registerUser(t, svc, "user")

	const workers = 20

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		ids     = make(map[int64]struct{})
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.GrantReward(ctx, RewardRequest{
				UserID: userID, Type: model.RewardChallenge, Amount: 20, ReferenceID: "challenge/oct",
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Granted {
				granted++
			}
			ids[res.RewardID] = struct{}{}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Len(t, ids, 1)

	bal, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), bal.FitBalance)

	rewards, err := svc.ListRewards(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, rewards, 1)
	assert.Len(t, queue.Refs(), 1)
}

func TestConcurrentPurchaseNoOversell(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	productID := createProduct(t, store, 5, 3)

	users := make([]int64, 10)
	for i := range users {
		users[i] = registerUser(t, svc, "buyer-"+string(rune('a'+i)))
		_, err := svc.GrantReward(ctx, RewardRequest{UserID: users[i], Type: model.RewardReferral, Amount: 50})
		require.NoError(t, err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, userID := range users {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, err := svc.Purchase(ctx, userID, productID, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, repository.ErrInsufficientStock):
			default:
				t.Errorf("unexpected purchase error: %v", err)
			}
		}(userID)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)

	product, err := store.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), product.Stock)
}

func TestConcurrentPurchaseNoOverdraft(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	userID := registerUser(t, svc, "user")
	productID := createProduct(t, store, 5, 100)

	_, err := svc.GrantReward(ctx, RewardRequest{UserID: userID, Type: model.RewardChallenge, Amount: 22})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Purchase(ctx, userID, productID, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, repository.ErrInsufficientFunds):
			default:
				t.Errorf("unexpected purchase error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, succeeded)

	bal, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal.FitBalance)

	product, err := store.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, int64(96), product.Stock)
}

func TestPurchaseFailuresHaveNoSideEffects(t *testing.T) {
	svc, store, queue := newTestService(t)
	ctx := context.Background()

	userID := registerUser(t, svc, "user")
	productID := createProduct(t, store, 10, 2)
	_, err := svc.GrantReward(ctx, RewardRequest{UserID: userID, Type: model.RewardReferral, Amount: 50})
	require.NoError(t, err)

	tests := []struct {
		name      string
		productID int64
		quantity  int64
		wantErr   error
	}{
		{name: "zero quantity", productID: productID, quantity: 0, wantErr: ErrInvalidQuantity},
		{name: "negative quantity", productID: productID, quantity: -2, wantErr: ErrInvalidQuantity},
		{name: "unknown product", productID: 999, quantity: 1, wantErr: repository.ErrProductNotFound},
		{name: "not enough stock", productID: productID, quantity: 3, wantErr: repository.ErrInsufficientStock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Purchase(ctx, userID, tt.productID, tt.quantity)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	bal, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.FitBalance)

	product, err := store.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), product.Stock)

	purchases, err := svc.ListPurchases(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, purchases)
	assert.Len(t, queue.Refs(), 1)
}

func TestPurchaseCapturesPrice(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	userID := registerUser(t, svc, "user")
	productID := createProduct(t, store, 7, 10)
	_, err := svc.GrantReward(ctx, RewardRequest{UserID: userID, Type: model.RewardReferral, Amount: 50})
	require.NoError(t, err)

	res, err := svc.Purchase(ctx, userID, productID, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(21), res.TotalCost)
	assert.Equal(t, int64(29), res.RemainingBalance)

	purchases, err := svc.ListPurchases(ctx, userID)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, int64(3), purchases[0].Quantity)
	assert.Equal(t, int64(21), purchases[0].TotalCost)
	assert.Equal(t, model.MirrorPending, purchases[0].Mirror.Status)
}

func TestReplayLedgerConsistent(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	userID := registerUser(t, svc, "user")
	other := registerUser(t, svc, "other")
	productID := createProduct(t, store, 4, 50)

	steps := []func() error{
		func() error {
			_, err := svc.GrantReward(ctx, RewardRequest{UserID: userID, Type: model.RewardReferral, Amount: 50})
			return err
		},
		func() error {
			_, err := svc.Purchase(ctx, userID, productID, 3)
			return err
		},
		func() error {
			_, err := svc.GrantReward(ctx, RewardRequest{UserID: other, Type: model.RewardReferral, Amount: 50})
			return err
		},
		func() error {
			_, err := svc.GrantReward(ctx, RewardRequest{UserID: userID, Type: model.RewardBestComment, Amount: 10, ReferenceID: "comment/1"})
			return err
		},
		func() error {
			_, err := svc.Purchase(ctx, userID, productID, 10)
			return err
		},
	}
	for _, step := range steps {
		require.NoError(t, step())
	}

	replay, err := svc.ReplayLedger(ctx, userID)
	require.NoError(t, err)
	assert.True(t, replay.Consistent)
	assert.Equal(t, int64(50-12+10-40), replay.Stored)
	assert.Equal(t, replay.Stored, replay.Replayed)

	require.Len(t, replay.Entries, 4)
	wantKinds := []model.RecordKind{model.KindReward, model.KindPurchase, model.KindReward, model.KindPurchase}
	for i, e := range replay.Entries {
		assert.Equal(t, wantKinds[i], e.Kind)
		if i > 0 {
			assert.Greater(t, e.Seq, replay.Entries[i-1].Seq)
		}
	}
}

func TestRateLimitedGrant(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store, nil, nil, Config{Policy: DefaultPolicy(), RatePerMinute: 1, RateBurst: 2})
	ctx := context.Background()

	userID := registerUser(t, svc, "user")
	other := registerUser(t, svc, "other")

	for i := 0; i < 2; i++ {
		_, err := svc.GrantReward(ctx, RewardRequest{UserID: userID, Type: model.RewardEncouragement, Amount: 1})
		require.NoError(t, err)
	}

	_, err := svc.GrantReward(ctx, RewardRequest{UserID: userID, Type: model.RewardEncouragement, Amount: 1})
	assert.ErrorIs(t, err, ErrRateLimited)

	_, err = svc.GrantReward(ctx, RewardRequest{UserID: other, Type: model.RewardEncouragement, Amount: 1})
	assert.NoError(t, err)

	bal, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal.FitBalance)
}

func TestRetryMirrorDisabled(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.RetryMirror(context.Background(), model.MirrorRef{Kind: model.KindReward, ID: 1})
	assert.ErrorIs(t, err, ErrMirrorDisabled)
}

func TestListMirrorsByState(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	userID := registerUser(t, svc, "user")
	productID := createProduct(t, store, 5, 5)

	g, err := svc.GrantReward(ctx, RewardRequest{UserID: userID, Type: model.RewardReferral, Amount: 50})
	require.NoError(t, err)
	p, err := svc.Purchase(ctx, userID, productID, 1)
	require.NoError(t, err)

	pending, err := svc.ListPendingMirrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, model.MirrorRef{Kind: model.KindReward, ID: g.RewardID}, pending[0].Ref)
	assert.Equal(t, model.MirrorRef{Kind: model.KindPurchase, ID: p.PurchaseID}, pending[1].Ref)
	assert.Equal(t, int64(5), pending[1].Amount)

	abandoned, err := svc.ListAbandonedMirrors(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, abandoned)
}
