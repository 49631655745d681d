// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// Vehicle は融資対象の車両を表す。機微な値はすべて暗号文で保持する。
type Vehicle struct {
	ID         uint64
	Make       string
	Model      string
	Year       uint32
	Owner      string
	Price      Ciphertext
	LoanAmount Ciphertext
	APR        Ciphertext
	TermMonths Ciphertext
	TokenValue *Ciphertext
	Tokenized  bool
	Available  bool
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// VehicleInput は車両登録時の入力。価格・金利などは暗号化前の値。
type VehicleInput struct {
	Make       string
	Model      string
	Year       uint32
	Price      uint32
	LoanAmount uint32
	APR        uint32 // basis points
	TermMonths uint32
}

// VehicleFigures は権限のある呼び出し元に対して復号された車両の値。
type VehicleFigures struct {
	VehicleID  uint64
	Price      int64
	LoanAmount int64
	APR        int64
	TermMonths int64
	TokenValue *int64
}
