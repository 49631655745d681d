// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"vehicle-loan-ledger/internal/domain"
)

// VehicleModel はgorm用のモデル定義。暗号文はJSONエンベロープで保存する。
type VehicleModel struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Make       string `gorm:"type:varchar(64);not null"`
	Model      string `gorm:"type:varchar(64);not null"`
	Year       uint32 `gorm:"not null"`
	Owner      string `gorm:"type:varchar(128);not null;index:idx_vehicles_owner"`
	Price      []byte `gorm:"not null"`
	LoanAmount []byte `gorm:"not null"`
	APR        []byte `gorm:"column:apr;not null"`
	TermMonths []byte `gorm:"not null"`
	TokenValue []byte
	Tokenized  bool  `gorm:"not null"`
	Available  bool  `gorm:"not null"`
	Version    int64 `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName はテーブル名を返す。
func (VehicleModel) TableName() string {
	return "vehicles"
}

// LoanApplicationModel はgorm用のモデル定義。
type LoanApplicationModel struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement"`
	VehicleID       uint64 `gorm:"not null;index:idx_applications_vehicle"`
	Borrower        string `gorm:"type:varchar(128);not null;index:idx_applications_borrower"`
	RequestedAmount []byte `gorm:"not null"`
	MonthlyIncome   []byte `gorm:"not null"`
	CreditScore     []byte `gorm:"not null"`
	MonthlyPayment  []byte `gorm:"not null"`
	TermMonths      uint32 `gorm:"not null"`
	Status          string `gorm:"type:varchar(16);not null"`
	Version         int64  `gorm:"not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DecidedAt       *time.Time
}

// TableName はテーブル名を返す。
func (LoanApplicationModel) TableName() string {
	return "loan_applications"
}

// LoanModel はgorm用のモデル定義。申請1件につきローンは1件まで。
type LoanModel struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement"`
	ApplicationID    uint64 `gorm:"not null;uniqueIndex:uk_loans_application"`
	VehicleID        uint64 `gorm:"not null;index:idx_loans_vehicle"`
	Borrower         string `gorm:"type:varchar(128);not null;index:idx_loans_borrower"`
	Lender           string `gorm:"type:varchar(128);not null;index:idx_loans_lender"`
	Principal        []byte `gorm:"not null"`
	MonthlyPayment   []byte `gorm:"not null"`
	APR              []byte `gorm:"column:apr;not null"`
	RemainingBalance []byte `gorm:"not null"`
	TermMonths       uint32 `gorm:"not null"`
	PaymentsMade     uint32 `gorm:"not null"`
	IsActive         bool   `gorm:"not null"`
	Version          int64  `gorm:"not null"`
	StartTime        time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName はテーブル名を返す。
func (LoanModel) TableName() string {
	return "loans"
}

// PaymentModel はgorm用のモデル定義。
type PaymentModel struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	LoanID        uint64 `gorm:"not null;index:idx_payments_loan"`
	Payer         string `gorm:"type:varchar(128);not null;index:idx_payments_payer"`
	Amount        []byte `gorm:"not null"`
	Status        string `gorm:"type:varchar(16);not null;index:idx_payments_status"`
	TxRef         string `gorm:"type:varchar(66)"`
	BlockNumber   uint64
	GasUsed       uint64
	FailureReason string `gorm:"type:varchar(255)"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SettledAt     *time.Time
}

// TableName はテーブル名を返す。
func (PaymentModel) TableName() string {
	return "payments"
}

// AuditEventModel はgorm用のモデル定義。連番が主キーのため同じ連番は二重に追記できない。
type AuditEventModel struct {
	Sequence        uint64 `gorm:"primaryKey;autoIncrement:false"`
	EventType       string `gorm:"type:varchar(64);not null"`
	EntityType      string `gorm:"type:varchar(32);not null;index:idx_audit_entity"`
	EntityID        uint64 `gorm:"not null;index:idx_audit_entity"`
	Actor           string `gorm:"type:varchar(128);not null"`
	CiphertextRefs  string `gorm:"type:text"`
	ExternalTxRef   string `gorm:"type:varchar(66)"`
	TimestampMillis int64  `gorm:"not null"`
	PrevHash        string `gorm:"type:varchar(66)"`
	Hash            string `gorm:"type:varchar(66);not null"`
}

// TableName はテーブル名を返す。
func (AuditEventModel) TableName() string {
	return "audit_events"
}

// KeyMaterialModel はgorm用のモデル定義。秘密鍵はKMSで暗号化した形でのみ保存する。
type KeyMaterialModel struct {
	ID          string `gorm:"type:char(36);primaryKey"`
	Algorithm   string `gorm:"type:varchar(32);not null"`
	PublicKeyID string `gorm:"type:varchar(32);not null;uniqueIndex:uk_key_public_id"`
	PublicKey   []byte `gorm:"not null"`
	WrappedKey  []byte `gorm:"not null"`
	CreatedAt   time.Time
}

// TableName はテーブル名を返す。
func (KeyMaterialModel) TableName() string {
	return "key_materials"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (k *KeyMaterialModel) BeforeCreate(tx *gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	return nil
}

// AutoMigrate は全テーブルを作成・更新する。開発用SQLiteとテストで使う。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&VehicleModel{},
		&LoanApplicationModel{},
		&LoanModel{},
		&PaymentModel{},
		&AuditEventModel{},
		&KeyMaterialModel{},
		&SchemaMigrationModel{},
	)
}

func encodeCiphertext(ct domain.Ciphertext) ([]byte, error) {
	b, err := json.Marshal(ct)
	if err != nil {
		return nil, fmt.Errorf("encoding ciphertext: %w", err)
	}
	return b, nil
}

func decodeCiphertext(b []byte) (domain.Ciphertext, error) {
	var ct domain.Ciphertext
	if err := json.Unmarshal(b, &ct); err != nil {
		return domain.Ciphertext{}, err
	}
	return ct, nil
}

// ciphertextCodec は複数の暗号文のエンコード・デコードで最初のエラーを保持する。
type ciphertextCodec struct {
	err error
}

func (c *ciphertextCodec) encode(ct domain.Ciphertext) []byte {
	if c.err != nil {
		return nil
	}
	b, err := encodeCiphertext(ct)
	c.err = err
	return b
}

func (c *ciphertextCodec) decode(b []byte) domain.Ciphertext {
	if c.err != nil {
		return domain.Ciphertext{}
	}
	ct, err := decodeCiphertext(b)
	c.err = err
	return ct
}

// casUpdate は version が一致する行だけを更新し、version を1進める。
// 一致する行がなければ domain.ErrConflict を返す。
func casUpdate(tx *gorm.DB, model interface{}, id uint64, version int64, fields map[string]interface{}) error {
	fields["version"] = version + 1
	res := tx.Model(model).Where("id = ? AND version = ?", id, version).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
