package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/fitledger/internal/mirror"
	"github.com/mmeshcher/fitledger/internal/model"
	"github.com/mmeshcher/fitledger/internal/repository"
	"github.com/mmeshcher/fitledger/internal/service"
)

const (
	defaultMirrorListLimit = 100
	maxMirrorListLimit     = 1000
)

type grantRequest struct {
	UserID      int64  `json:"user_id"`
	Type        string `json:"type"`
	Amount      int64  `json:"amount"`
	ReferenceID string `json:"reference_id"`
	Steps       int64  `json:"steps"`
}

// GrantReward начисляет FIT по событию доверенного внутреннего сервиса (модерация комментариев,
// рефералы, челленджи). Если amount не указан, размер берётся из политики начислений.
func (h *Handler) GrantReward(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rewardType := model.RewardType(req.Type)
	amount := req.Amount
	if amount == 0 {
		computed, err := h.service.ComputeReward(rewardType, service.RewardContext{Steps: req.Steps})
		if err != nil {
			h.writeError(w, err, "compute reward error")
			return
		}
		amount = computed
	}

	res, err := h.service.GrantReward(r.Context(), service.RewardRequest{
		UserID:      req.UserID,
		Type:        rewardType,
		Amount:      amount,
		ReferenceID: req.ReferenceID,
		Steps:       req.Steps,
	})
	if err != nil {
		h.writeError(w, err, "grant reward error",
			zap.Int64("userID", req.UserID), zap.String("type", req.Type), zap.String("reference", req.ReferenceID))
		return
	}

	h.writeRewardResult(w, res)
}

type mirrorResponse struct {
	Kind          string     `json:"kind"`
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	Amount        int64      `json:"amount"`
	LedgerSeq     int64      `json:"ledger_seq"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// GetPendingMirrors возвращает записи, ожидающие публикации во внешний журнал.
func (h *Handler) GetPendingMirrors(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}

	entries, err := h.service.ListPendingMirrors(r.Context(), limit)
	if err != nil {
		h.writeError(w, err, "list pending mirrors error")
		return
	}

	h.writeJSON(w, http.StatusOK, toMirrorResponse(entries))
}

// GetAbandonedMirrors возвращает записи, публикацию которых сборщик прекратил.
func (h *Handler) GetAbandonedMirrors(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}

	entries, err := h.service.ListAbandonedMirrors(r.Context(), limit)
	if err != nil {
		h.writeError(w, err, "list abandoned mirrors error")
		return
	}

	h.writeJSON(w, http.StatusOK, toMirrorResponse(entries))
}

type retryResponse struct {
	SequenceNumber int64 `json:"sequence_number"`
}

// RetryMirror немедленно повторяет публикацию записи во внешний журнал.
func (h *Handler) RetryMirror(w http.ResponseWriter, r *http.Request) {
	kind := model.RecordKind(chi.URLParam(r, "kind"))
	if kind != model.KindReward && kind != model.KindPurchase {
		http.Error(w, "unknown record kind", http.StatusBadRequest)
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid record id", http.StatusBadRequest)
		return
	}

	ref := model.MirrorRef{Kind: kind, ID: id}
	seq, err := h.service.RetryMirror(r.Context(), ref)
	if err != nil {
		if isMirrorOutcome(err) {
			h.writeError(w, err, "retry mirror error")
			return
		}
		h.logger.Warn("mirror retry failed", zap.Error(err), zap.String("kind", string(kind)), zap.Int64("id", id))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	h.writeJSON(w, http.StatusOK, retryResponse{SequenceNumber: seq})
}

// isMirrorOutcome отличает состояние записи от сбоя внешнего журнала.
func isMirrorOutcome(err error) bool {
	return errors.Is(err, repository.ErrRecordNotFound) ||
		errors.Is(err, mirror.ErrFinalized) ||
		errors.Is(err, mirror.ErrNotClaimed) ||
		errors.Is(err, service.ErrMirrorDisabled)
}

func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultMirrorListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, false
	}
	return min(limit, maxMirrorListLimit), true
}

func toMirrorResponse(entries []model.MirrorEntry) []mirrorResponse {
	resp := make([]mirrorResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, mirrorResponse{
			Kind:          string(e.Ref.Kind),
			ID:            e.Ref.ID,
			UserID:        e.UserID,
			Amount:        e.Amount,
			LedgerSeq:     e.LedgerSeq,
			Status:        string(e.Mirror.Status),
			Attempts:      e.Mirror.Attempts,
			NextAttemptAt: e.Mirror.NextAttemptAt,
			LastError:     e.Mirror.LastError,
			UpdatedAt:     e.Mirror.UpdatedAt,
		})
	}
	return resp
}
