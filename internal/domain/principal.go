package domain

import "context"

type principalKey struct{}

// WithPrincipal は呼び出し元のプリンシパルをコンテキストに設定する。
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom はコンテキストからプリンシパルを取り出す。
func PrincipalFrom(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok && p != ""
}
