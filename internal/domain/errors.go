package domain

import "errors"

var (
	// ErrNotInitialized は鍵素材の生成前に暗号機能が使われた場合のエラー。
	ErrNotInitialized = errors.New("key material not initialized")

	// ErrUnauthorized は秘密鍵または権限なしで復号・操作しようとした場合のエラー。
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDomainMismatch は互換性のないデータ型同士で準同型演算を行った場合のエラー。
	ErrDomainMismatch = errors.New("data type domain mismatch")

	// ErrInvalidStateTransition は状態遷移のガード条件に違反した場合のエラー。
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrInsufficientAmount は金額が0以下の場合のエラー。
	ErrInsufficientAmount = errors.New("insufficient amount")

	// ErrConflict は楽観ロックのバージョンが一致しない場合のエラー。
	ErrConflict = errors.New("version conflict")

	// ErrLedgerSubmissionFailed は外部台帳への書き込みが拒否またはタイムアウトした場合のエラー。
	ErrLedgerSubmissionFailed = errors.New("ledger submission failed")

	// ErrOverflow は値が平文ドメインの上限を超えた場合のエラー。
	ErrOverflow = errors.New("plaintext domain overflow")

	// ErrInvalidCiphertext は暗号文の封印または公開鍵参照が不正な場合のエラー。
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrInvalidInput は必須項目の欠落など入力値が不正な場合のエラー。
	ErrInvalidInput = errors.New("invalid input")

	ErrVehicleNotFound     = errors.New("vehicle not found")
	ErrApplicationNotFound = errors.New("loan application not found")
	ErrLoanNotFound        = errors.New("loan not found")
	ErrPaymentNotFound     = errors.New("payment not found")

	// ErrTxNotFound は台帳がトランザクション参照を知らない場合のエラー。
	// 確定も失敗も意味しない。
	ErrTxNotFound = errors.New("transaction not found")

	// ErrAuditChainBroken は監査ログのハッシュチェーンが壊れている場合のエラー。
	ErrAuditChainBroken = errors.New("audit chain broken")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")

	// ErrMigrationModified は適用済みマイグレーションのファイルが書き換えられている場合のエラー。
	ErrMigrationModified = errors.New("applied migration was modified")
)
