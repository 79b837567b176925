package mirror

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mmeshcher/fitledger/internal/model"
)

// EnvelopeVersion — версия формата сообщения во внешнем журнале.
const EnvelopeVersion = 1

// messageNamespace задаёт пространство имён UUID v5 для идентификаторов сообщений: повторная публикация
// одной и той же записи получает тот же идентификатор, и потребители журнала могут отбрасывать дубликаты.
var messageNamespace = uuid.MustParse("6f1c2a9e-3b4d-4c8e-9a51-2d7f0e6b8c13")

var encMode cbor.EncMode

func init() {
	var err error

	// Core Deterministic Encoding: одинаковые данные всегда дают одинаковые байты и одинаковый дайджест.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("mirror: CBOR encoder initialization failed: " + err.Error())
	}
}

// Envelope — содержимое сообщения о записи журнала. Delta положительна для начислений и отрицательна для покупок.
type Envelope struct {
	Version     int    `json:"v"`
	MessageID   string `json:"message_id"`
	Kind        string `json:"kind"`
	RecordID    int64  `json:"record_id"`
	UserID      int64  `json:"user_id"`
	RewardType  string `json:"reward_type,omitempty"`
	ReferenceID string `json:"reference_id,omitempty"`
	ProductID   int64  `json:"product_id,omitempty"`
	Quantity    int64  `json:"quantity,omitempty"`
	Delta       int64  `json:"delta"`
	LedgerSeq   int64  `json:"ledger_seq"`
	CreatedAt   int64  `json:"created_at_ms"`
}

// Message — закодированное сообщение, готовое к отправке в канал внешнего журнала.
type Message struct {
	Channel string
	ID      string
	Payload []byte
	Digest  string
}

// MessageID возвращает детерминированный идентификатор сообщения для записи журнала.
func MessageID(ref model.MirrorRef) string {
	return uuid.NewSHA1(messageNamespace, []byte(fmt.Sprintf("%s:%d", ref.Kind, ref.ID))).String()
}

// NewEnvelope строит содержимое сообщения из записи журнала.
func NewEnvelope(e model.MirrorEntry) Envelope {
	env := Envelope{
		Version:   EnvelopeVersion,
		MessageID: MessageID(e.Ref),
		Kind:      string(e.Ref.Kind),
		RecordID:  e.Ref.ID,
		UserID:    e.UserID,
		LedgerSeq: e.LedgerSeq,
		CreatedAt: e.CreatedAt.UnixMilli(),
	}

	switch e.Ref.Kind {
	case model.KindReward:
		env.RewardType = string(e.RewardType)
		env.ReferenceID = e.ReferenceID
		env.Delta = e.Amount
	case model.KindPurchase:
		env.ProductID = e.ProductID
		env.Quantity = e.Quantity
		env.Delta = -e.Amount
	}
	return env
}

// Encode кодирует запись журнала в сообщение для указанного канала.
func Encode(e model.MirrorEntry, channel string) (Message, error) {
	env := NewEnvelope(e)

	payload, err := encMode.Marshal(env)
	if err != nil {
		return Message{}, fmt.Errorf("encode envelope: %w", err)
	}

	return Message{
		Channel: channel,
		ID:      env.MessageID,
		Payload: payload,
		Digest:  Digest(payload),
	}, nil
}

// Digest возвращает BLAKE3-256 дайджест содержимого в шестнадцатеричном виде.
func Digest(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
