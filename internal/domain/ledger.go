package domain

import "time"

// TxRef は外部台帳上のトランザクション参照（ハッシュ）。
type TxRef string

// ConfirmationStatus は外部台帳の確定結果。
type ConfirmationStatus string

const (
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationFailed    ConfirmationStatus = "failed"
)

// Confirmation は外部台帳から報告された確定結果とコスト情報。
type Confirmation struct {
	TxRef       TxRef
	Status      ConfirmationStatus
	BlockNumber uint64
	GasUsed     uint64
	Reason      string
}

// OperationRecord は外部台帳へ送る操作記録。平文の機微情報は含めない。
type OperationRecord struct {
	Operation      EventType `json:"operation"`
	EntityType     string    `json:"entity_type"`
	EntityID       uint64    `json:"entity_id"`
	Actor          string    `json:"actor"`
	CiphertextRefs []string  `json:"ciphertext_refs"`
	Timestamp      time.Time `json:"timestamp"`
}
