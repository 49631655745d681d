package domain

import (
	"math/big"
	"time"
)

// ApplicationStatus はローン申請のステータスを表す。
type ApplicationStatus string

const (
	ApplicationStatusPending   ApplicationStatus = "pending"
	ApplicationStatusApproved  ApplicationStatus = "approved"
	ApplicationStatusRejected  ApplicationStatus = "rejected"
	ApplicationStatusWithdrawn ApplicationStatus = "withdrawn"
)

// LoanApplication はローン申請を表す。
type LoanApplication struct {
	ID              uint64
	VehicleID       uint64
	Borrower        string
	RequestedAmount Ciphertext
	MonthlyIncome   Ciphertext
	CreditScore     Ciphertext
	MonthlyPayment  Ciphertext
	TermMonths      uint32
	Status          ApplicationStatus
	Version         int64
	CreatedAt       time.Time
	DecidedAt       *time.Time
}

// Loan は実行済みのローンを表す。完了後も監査のため削除しない。
type Loan struct {
	ID               uint64
	ApplicationID    uint64
	VehicleID        uint64
	Borrower         string
	Lender           string
	Principal        Ciphertext
	MonthlyPayment   Ciphertext
	APR              Ciphertext
	RemainingBalance Ciphertext
	TermMonths       uint32
	PaymentsMade     uint32
	IsActive         bool
	Version          int64
	StartTime        time.Time
	CompletedAt      *time.Time
}

// RemainingPayments は残りの支払回数を返す。
func (l *Loan) RemainingPayments() uint32 {
	if l.PaymentsMade >= l.TermMonths {
		return 0
	}
	return l.TermMonths - l.PaymentsMade
}

// PaymentStatus は支払いのステータスを表す。
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Payment はローンへの支払いを表す。
type Payment struct {
	ID            uint64
	LoanID        uint64
	Payer         string
	Amount        Ciphertext
	Status        PaymentStatus
	TxRef         TxRef
	BlockNumber   uint64
	GasUsed       uint64
	FailureReason string
	CreatedAt     time.Time
	SettledAt     *time.Time
}

// LoanQuote は元本・金利・期間から平文で計算した返済条件。
type LoanQuote struct {
	Principal      uint32
	APR            uint32
	TermMonths     uint32
	MonthlyPayment uint32
	TotalRepayable uint32
	TotalInterest  uint32
}

// LoanFigures は権限のある呼び出し元に対して復号されたローンの値。
type LoanFigures struct {
	LoanID           uint64
	Principal        int64
	MonthlyPayment   int64
	APR              int64
	RemainingBalance *big.Int
	TermMonths       uint32
	PaymentsMade     uint32
	NextPaymentDue   *time.Time
}

// LoanReconciliation は残高の復号結果と支払い状況の突合結果。
type LoanReconciliation struct {
	LoanID            uint64
	RemainingBalance  *big.Int
	PaymentsMade      uint32
	TermMonths        uint32
	IsActive          bool
	Settled           bool
	WithinTolerance   bool
	PendingPayments   int
	CompletedPayments int
	FailedPayments    int
}

// LedgerCounters はエンティティ種別ごとの件数。
type LedgerCounters struct {
	Vehicles     int64
	Applications int64
	Loans        int64
	Payments     int64
}

// Reputation は支払い履歴から算出される評価値。
type Reputation struct {
	Principal         string
	BorrowerScore     uint32
	LenderScore       uint32
	LoansBorrowed     int64
	LoansRepaid       int64
	LoansFunded       int64
	FundedLoansRepaid int64
	PaymentsCompleted int64
	PaymentsFailed    int64
}

// ComputeScores は件数からスコアを計算する。借り手スコアは0未満にならない。
func (r *Reputation) ComputeScores() {
	borrower := 10*r.PaymentsCompleted + 50*r.LoansRepaid - 20*r.PaymentsFailed
	if borrower < 0 {
		borrower = 0
	}
	r.BorrowerScore = uint32(borrower)
	r.LenderScore = uint32(25*r.LoansFunded + 50*r.FundedLoansRepaid)
}
