package usecase

import (
	"context"

	"vehicle-loan-ledger/internal/domain"
)

// IdentityProvider は呼び出し元のプリンシパルを解決する。
type IdentityProvider interface {
	Principal(ctx context.Context) (string, error)
}

// ContextIdentity はミドルウェアがコンテキストに設定したプリンシパルを返す。
type ContextIdentity struct{}

func (ContextIdentity) Principal(ctx context.Context) (string, error) {
	p, ok := domain.PrincipalFrom(ctx)
	if !ok || p == "" {
		return "", domain.ErrUnauthorized
	}
	return p, nil
}
