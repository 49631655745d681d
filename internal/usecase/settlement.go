package usecase

import (
	"context"

	"vehicle-loan-ledger/internal/domain"
)

// PaymentReceipt は MakePayment の結果。
type PaymentReceipt struct {
	PaymentID     uint64
	CiphertextRef string
	TxRef         domain.TxRef
	Settlement    *Settlement
}

// Settlement は支払いの確定結果を待つためのハンドル。
type Settlement struct {
	done   chan struct{}
	status domain.PaymentStatus
	err    error
}

func newSettlement() *Settlement {
	return &Settlement{done: make(chan struct{}), status: domain.PaymentStatusPending}
}

func (s *Settlement) resolve(status domain.PaymentStatus, err error) {
	s.status = status
	s.err = err
	close(s.done)
}

// Done は確定時にクローズされるチャネルを返す。
func (s *Settlement) Done() <-chan struct{} {
	return s.done
}

// Wait は確定を待ち、最終ステータスを返す。
// サービス停止で確定できなかった場合、ステータスは pending のまま。
func (s *Settlement) Wait(ctx context.Context) (domain.PaymentStatus, error) {
	select {
	case <-s.done:
		return s.status, s.err
	case <-ctx.Done():
		return domain.PaymentStatusPending, ctx.Err()
	}
}
