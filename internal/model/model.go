// Package model содержит доменные сущности сервиса учёта FIT-токенов.
package model

import "time"

// User представляет зарегистрированного пользователя; строка пользователя хранит его баланс.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Balance содержит текущий баланс FIT и суммарное число шагов пользователя.
type Balance struct {
	UserID     int64 `json:"-"`
	FitBalance int64 `json:"fit_balance"`
	TotalSteps int64 `json:"total_steps"`
}

// RewardType описывает тип начисления.
type RewardType string

const (
	RewardEncouragement RewardType = "encouragement"
	RewardBestComment   RewardType = "best_comment"
	RewardReferral      RewardType = "referral"
	RewardDailySteps    RewardType = "daily_steps"
	RewardChallenge     RewardType = "challenge"
)

// Valid сообщает, входит ли тип в фиксированный перечень.
func (t RewardType) Valid() bool {
	switch t {
	case RewardEncouragement, RewardBestComment, RewardReferral, RewardDailySteps, RewardChallenge:
		return true
	}
	return false
}

// ProductCategory описывает категорию товара маркетплейса.
type ProductCategory string

const (
	CategorySupplement ProductCategory = "supplement"
	CategoryProtein    ProductCategory = "protein"
	CategoryEquipment  ProductCategory = "equipment"
	CategoryApparel    ProductCategory = "apparel"
	CategoryService    ProductCategory = "service"
)

// MirrorStatus описывает состояние репликации записи во внешний журнал аудита.
type MirrorStatus string

const (
	MirrorPending   MirrorStatus = "pending"
	MirrorMirrored  MirrorStatus = "mirrored"
	MirrorFailed    MirrorStatus = "failed"
	MirrorAbandoned MirrorStatus = "abandoned"
)

// Terminal сообщает, что из этого состояния переходов больше нет.
func (s MirrorStatus) Terminal() bool {
	return s == MirrorMirrored || s == MirrorAbandoned
}

// RecordKind различает записи журнала, которые зеркалируются.
type RecordKind string

const (
	KindReward   RecordKind = "reward"
	KindPurchase RecordKind = "purchase"
)

// MirrorRef адресует одну запись журнала для зеркалирования.
type MirrorRef struct {
	Kind RecordKind `json:"kind"`
	ID   int64      `json:"id"`
}

// MirrorState хранит результат зеркалирования записи.
type MirrorState struct {
	Status        MirrorStatus
	Sequence      *int64
	Attempts      int
	NextAttemptAt *time.Time
	LastError     string
	UpdatedAt     time.Time
}

// RewardRecord описывает факт начисления FIT.
type RewardRecord struct {
	ID          int64
	UserID      int64
	Type        RewardType
	Amount      int64
	ReferenceID *string
	Steps       int64
	LedgerSeq   int64
	CreatedAt   time.Time
	Mirror      MirrorState
}

// Product описывает товар маркетплейса.
type Product struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Category    ProductCategory `json:"category"`
	PriceTokens int64           `json:"price_tokens"`
	Stock       int64           `json:"stock"`
}

// PurchaseRecord описывает совершённую покупку; цена фиксируется на момент покупки.
type PurchaseRecord struct {
	ID        int64
	UserID    int64
	ProductID int64
	Quantity  int64
	TotalCost int64
	LedgerSeq int64
	CreatedAt time.Time
	Mirror    MirrorState
}

// MirrorEntry — плоское представление записи журнала для публикации во внешний журнал.
type MirrorEntry struct {
	Ref         MirrorRef
	UserID      int64
	RewardType  RewardType
	ProductID   int64
	Quantity    int64
	Amount      int64
	ReferenceID string
	LedgerSeq   int64
	CreatedAt   time.Time
	Mirror      MirrorState
}

// WorkoutEvent — данные синхронизации устройства.
type WorkoutEvent struct {
	DeviceID    string
	UserID      int64
	Steps       int64
	Distance    float64
	Calories    float64
	WorkoutDate time.Time
}

// RewardResult — результат начисления.
type RewardResult struct {
	Granted    bool  `json:"granted"`
	NewBalance int64 `json:"new_balance"`
	RewardID   int64 `json:"reward_id"`
}

// PurchaseResult — результат покупки.
type PurchaseResult struct {
	Success          bool  `json:"success"`
	TotalCost        int64 `json:"total_cost"`
	RemainingBalance int64 `json:"remaining_balance"`
	PurchaseID       int64 `json:"purchase_id"`
}

// LedgerEntry — одна запись журнала пользователя: начисление (Delta > 0) или списание (Delta < 0).
type LedgerEntry struct {
	Seq       int64      `json:"seq"`
	Kind      RecordKind `json:"kind"`
	RecordID  int64      `json:"record_id"`
	Delta     int64      `json:"delta"`
	CreatedAt time.Time  `json:"created_at"`
}

// LedgerReplay — результат пересчёта баланса по истории.
type LedgerReplay struct {
	UserID     int64         `json:"user_id"`
	Stored     int64         `json:"stored"`
	Replayed   int64         `json:"replayed"`
	Consistent bool          `json:"consistent"`
	Entries    []LedgerEntry `json:"entries"`
}
