// Package handler содержит HTTP-обработчики API сервиса учёта FIT.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/fitledger/internal/middleware"
	"github.com/mmeshcher/fitledger/internal/mirror"
	"github.com/mmeshcher/fitledger/internal/model"
	"github.com/mmeshcher/fitledger/internal/repository"
	"github.com/mmeshcher/fitledger/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	ReplayLedger(ctx context.Context, userID int64) (*model.LedgerReplay, error)
	ListRewards(ctx context.Context, userID int64) ([]model.RewardRecord, error)
	ListPurchases(ctx context.Context, userID int64) ([]model.PurchaseRecord, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	ComputeReward(t model.RewardType, c service.RewardContext) (int64, error)
	GrantReward(ctx context.Context, req service.RewardRequest) (*model.RewardResult, error)
	SyncDevice(ctx context.Context, ev model.WorkoutEvent) (*model.RewardResult, error)
	Purchase(ctx context.Context, userID, productID, quantity int64) (*model.PurchaseResult, error)
	ListPendingMirrors(ctx context.Context, limit int) ([]model.MirrorEntry, error)
	ListAbandonedMirrors(ctx context.Context, limit int) ([]model.MirrorEntry, error)
	RetryMirror(ctx context.Context, ref model.MirrorRef) (int64, error)
}

// Handler реализует HTTP-обработчики API сервиса учёта FIT.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	internalToken  string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// При пустом internalToken внутренний API отвечает 403 на любой запрос.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, internalToken string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		internalToken:  internalToken,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и устанавливает cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "get balance error", zap.Int64("userID", userID))
		return
	}

	h.writeJSON(w, http.StatusOK, balance)
}

// GetLedger возвращает историю изменений баланса в порядке фиксации и результат её сверки с балансом.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	replay, err := h.service.ReplayLedger(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "replay ledger error", zap.Int64("userID", userID))
		return
	}

	if !replay.Consistent {
		h.logger.Warn("ledger replay mismatch",
			zap.Int64("userID", userID), zap.Int64("stored", replay.Stored), zap.Int64("replayed", replay.Replayed))
	}

	h.writeJSON(w, http.StatusOK, replay)
}

type rewardResponse struct {
	ID             int64  `json:"id"`
	Type           string `json:"type"`
	Amount         int64  `json:"amount"`
	ReferenceID    string `json:"reference_id,omitempty"`
	Steps          int64  `json:"steps,omitempty"`
	MirrorStatus   string `json:"mirror_status"`
	MirrorSequence *int64 `json:"mirror_sequence,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// GetRewards возвращает историю начислений текущего пользователя.
func (h *Handler) GetRewards(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	rewards, err := h.service.ListRewards(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "list rewards error", zap.Int64("userID", userID))
		return
	}

	if len(rewards) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]rewardResponse, 0, len(rewards))
	for _, rw := range rewards {
		item := rewardResponse{
			ID:             rw.ID,
			Type:           string(rw.Type),
			Amount:         rw.Amount,
			Steps:          rw.Steps,
			MirrorStatus:   string(rw.Mirror.Status),
			MirrorSequence: rw.Mirror.Sequence,
			CreatedAt:      rw.CreatedAt.Format(time.RFC3339),
		}
		if rw.ReferenceID != nil {
			item.ReferenceID = *rw.ReferenceID
		}
		resp = append(resp, item)
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type syncRequest struct {
	DeviceID    string  `json:"device_id"`
	Steps       int64   `json:"steps"`
	Distance    float64 `json:"distance"`
	Calories    float64 `json:"calories"`
	WorkoutDate string  `json:"workout_date"`
}

// SyncDevice принимает данные синхронизации устройства и начисляет FIT за шаги.
func (h *Handler) SyncDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	day, err := time.Parse(time.DateOnly, req.WorkoutDate)
	if err != nil {
		http.Error(w, "workout_date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	res, err := h.service.SyncDevice(r.Context(), model.WorkoutEvent{
		DeviceID:    req.DeviceID,
		UserID:      userID,
		Steps:       req.Steps,
		Distance:    req.Distance,
		Calories:    req.Calories,
		WorkoutDate: day,
	})
	if err != nil {
		h.writeError(w, err, "sync device error", zap.Int64("userID", userID), zap.String("device", req.DeviceID))
		return
	}

	h.writeRewardResult(w, res)
}

// GetProducts возвращает каталог маркетплейса.
func (h *Handler) GetProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context())
	if err != nil {
		h.writeError(w, err, "list products error")
		return
	}

	if len(products) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, products)
}

type purchaseRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
}

// Purchase покупает товар маркетплейса за FIT текущего пользователя.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.Purchase(r.Context(), userID, req.ProductID, req.Quantity)
	if err != nil {
		h.writeError(w, err, "purchase error", zap.Int64("userID", userID), zap.Int64("productID", req.ProductID))
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

type purchaseResponse struct {
	ID             int64  `json:"id"`
	ProductID      int64  `json:"product_id"`
	Quantity       int64  `json:"quantity"`
	TotalCost      int64  `json:"total_cost"`
	MirrorStatus   string `json:"mirror_status"`
	MirrorSequence *int64 `json:"mirror_sequence,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// GetPurchases возвращает историю покупок текущего пользователя.
func (h *Handler) GetPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	purchases, err := h.service.ListPurchases(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "list purchases error", zap.Int64("userID", userID))
		return
	}

	if len(purchases) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]purchaseResponse, 0, len(purchases))
	for _, p := range purchases {
		resp = append(resp, purchaseResponse{
			ID:             p.ID,
			ProductID:      p.ProductID,
			Quantity:       p.Quantity,
			TotalCost:      p.TotalCost,
			MirrorStatus:   string(p.Mirror.Status),
			MirrorSequence: p.Mirror.Sequence,
			CreatedAt:      p.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeRewardResult(w http.ResponseWriter, res *model.RewardResult) {
	status := http.StatusOK
	if res.Granted {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, res)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write response error", zap.Error(err))
	}
}

// writeError отображает ошибки бизнес-логики в HTTP-статусы; неизвестные ошибки пишутся в журнал.
func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	var status int
	switch {
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidType),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrInvalidReference):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, service.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, repository.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, repository.ErrInsufficientStock):
		status = http.StatusConflict
	case errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrProductNotFound),
		errors.Is(err, repository.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, mirror.ErrFinalized), errors.Is(err, mirror.ErrNotClaimed):
		status = http.StatusConflict
	case errors.Is(err, service.ErrMirrorDisabled):
		status = http.StatusServiceUnavailable
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		status = http.StatusInternalServerError
	}
	http.Error(w, http.StatusText(status), status)
}
