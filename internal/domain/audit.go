package domain

import "time"

// EventType は監査イベントの種別。
type EventType string

const (
	EventVehicleAdded         EventType = "VehicleAdded"
	EventVehicleTokenized     EventType = "VehicleTokenized"
	EventApplicationSubmitted EventType = "LoanApplicationSubmitted"
	EventApplicationApproved  EventType = "LoanApplicationApproved"
	EventApplicationRejected  EventType = "LoanApplicationRejected"
	EventApplicationWithdrawn EventType = "LoanApplicationWithdrawn"
	EventLoanCreated          EventType = "LoanCreated"
	EventPaymentMade          EventType = "PaymentMade"
	EventPaymentConfirmed     EventType = "PaymentConfirmed"
	EventPaymentFailed        EventType = "PaymentFailed"
	EventPaymentRolledBack    EventType = "PaymentRolledBack"
	EventLoanCompleted        EventType = "LoanCompleted"
	EventLedgerForwardFailed  EventType = "LedgerForwardFailed"
)

const (
	EntityVehicle     = "vehicle"
	EntityApplication = "application"
	EntityLoan        = "loan"
	EntityPayment     = "payment"
)

// AuditEvent は追記専用の監査ログエントリ。平文は含まない。
type AuditEvent struct {
	Sequence       uint64
	EventType      EventType
	EntityType     string
	EntityID       uint64
	Actor          string
	CiphertextRefs []string
	ExternalTxRef  TxRef
	Timestamp      time.Time
	PrevHash       string
	Hash           string
}

// AuditFilter は監査ログの検索条件。ゼロ値は条件なし。
type AuditFilter struct {
	EntityType string
	EntityID   uint64
	AfterSeq   uint64
	Limit      int
}
