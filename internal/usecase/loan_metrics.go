package usecase

import (
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"vehicle-loan-ledger/internal/domain"
)

var (
	basisPoints    = decimal.NewFromInt(10000)
	monthsPerYear  = decimal.NewFromInt(12)
	ratePrecision  = int32(30)
	maxPlainAmount = decimal.NewFromInt(math.MaxUint32)
)

// LoanMetrics は返済条件の計算と残高の準同型更新を行う。
type LoanMetrics struct {
	cipher     *Cipher
	arithmetic *Arithmetic
}

// NewLoanMetrics は新しいLoanMetricsを生成する。
func NewLoanMetrics(cipher *Cipher, arithmetic *Arithmetic) *LoanMetrics {
	return &LoanMetrics{cipher: cipher, arithmetic: arithmetic}
}

// Quote は元利均等返済の月額を平文で計算する。月額は最小単位に切り上げる。
func (m *LoanMetrics) Quote(principal, aprBps, termMonths uint32) (domain.LoanQuote, error) {
	if termMonths == 0 {
		return domain.LoanQuote{}, fmt.Errorf("%w: term must be positive", domain.ErrInvalidInput)
	}
	p := decimal.NewFromInt(int64(principal))
	n := decimal.NewFromInt(int64(termMonths))

	var payment decimal.Decimal
	if aprBps == 0 {
		payment = p.Div(n)
	} else {
		r := decimal.NewFromInt(int64(aprBps)).Div(basisPoints).Div(monthsPerYear).Round(ratePrecision)
		growth := decimal.NewFromInt(1)
		onePlusR := r.Add(decimal.NewFromInt(1))
		for i := uint32(0); i < termMonths; i++ {
			growth = growth.Mul(onePlusR).Round(ratePrecision)
		}
		// P·r·(1+r)^n / ((1+r)^n − 1) は P·r / (1 − (1+r)^−n) と同値
		payment = p.Mul(r).Mul(growth).Div(growth.Sub(decimal.NewFromInt(1)))
	}
	payment = payment.Ceil()

	total := payment.Mul(n)
	if total.GreaterThan(maxPlainAmount) {
		return domain.LoanQuote{}, fmt.Errorf("%w: total repayable %s", domain.ErrOverflow, total)
	}
	return domain.LoanQuote{
		Principal:      principal,
		APR:            aprBps,
		TermMonths:     termMonths,
		MonthlyPayment: uint32(payment.IntPart()),
		TotalRepayable: uint32(total.IntPart()),
		TotalInterest:  uint32(total.Sub(p).IntPart()),
	}, nil
}

// ScheduledBalance は月額×回数で返済予定総額の暗号文を作る。
func (m *LoanMetrics) ScheduledBalance(monthlyPayment domain.Ciphertext, termMonths uint32) (domain.Ciphertext, error) {
	term, err := m.cipher.Encrypt(termMonths, domain.DataTypeTermMonths)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	return m.arithmetic.Multiply(monthlyPayment, term)
}

// ApplyPayment は残高から支払額を差し引く。
func (m *LoanMetrics) ApplyPayment(balance, amount domain.Ciphertext) (domain.Ciphertext, error) {
	return m.arithmetic.Subtract(balance, amount)
}

// RevertPayment は失敗した支払額を残高に戻す。
func (m *LoanMetrics) RevertPayment(balance, amount domain.Ciphertext) (domain.Ciphertext, error) {
	return m.arithmetic.Add(balance, amount)
}

// NextPaymentDue は次回の支払期日を返す。
func NextPaymentDue(start time.Time, paymentsMade uint32) time.Time {
	return start.AddDate(0, int(paymentsMade)+1, 0)
}

// WithinTolerance は残高が一回分の支払額以内で精算済みとみなせるかを返す。
func WithinTolerance(balance, installment *big.Int) bool {
	if balance.Sign() > 0 {
		return false
	}
	return new(big.Int).Abs(balance).Cmp(installment) <= 0
}
