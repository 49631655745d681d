package domain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Unit は暗号化された値の単位を表す。
type Unit string

const (
	UnitCurrency Unit = "currency"
	UnitRate     Unit = "rate"
	UnitCount    Unit = "count"
	UnitScore    Unit = "score"
	UnitToken    Unit = "token"
)

// Scalar は単位が乗算のスカラーとして扱えるかを返す。
func (u Unit) Scalar() bool {
	return u == UnitRate || u == UnitCount
}

// DataType は暗号文に付与されるデータ型タグ。
type DataType string

const (
	DataTypeVehiclePrice    DataType = "vehicle_price"
	DataTypeLoanAmount      DataType = "loan_amount"
	DataTypeAPR             DataType = "apr"
	DataTypeTermMonths      DataType = "term_months"
	DataTypeTokenValue      DataType = "token_value"
	DataTypeRequestedAmount DataType = "requested_amount"
	DataTypeMonthlyIncome   DataType = "monthly_income"
	DataTypeCreditScore     DataType = "credit_score"
	DataTypeMonthlyPayment  DataType = "monthly_payment"
	DataTypePaymentAmount   DataType = "payment_amount"
	// DataTypeComputed は準同型演算の出力を表す。単位は入力から引き継ぐ。
	DataTypeComputed DataType = "computed"
)

var dataTypeUnits = map[DataType]Unit{
	DataTypeVehiclePrice:    UnitCurrency,
	DataTypeLoanAmount:      UnitCurrency,
	DataTypeAPR:             UnitRate,
	DataTypeTermMonths:      UnitCount,
	DataTypeTokenValue:      UnitToken,
	DataTypeRequestedAmount: UnitCurrency,
	DataTypeMonthlyIncome:   UnitCurrency,
	DataTypeCreditScore:     UnitScore,
	DataTypeMonthlyPayment:  UnitCurrency,
	DataTypePaymentAmount:   UnitCurrency,
}

// Unit はタグに対応する単位を返す。computed や未知のタグは false を返す。
func (d DataType) Unit() (Unit, bool) {
	u, ok := dataTypeUnits[d]
	return u, ok
}

const (
	// FreshBound は新規暗号化された値の平文ビット幅。
	FreshBound uint8 = 32
	// MaxBound は演算結果に許される最大の平文ビット幅。
	MaxBound uint8 = 64
)

// CiphertextFields は Ciphertext の構築・永続化に使うフィールド一式。
type CiphertextFields struct {
	Algorithm   string
	DataType    DataType
	Unit        Unit
	Bound       uint8
	CreatedAt   time.Time
	PublicKeyID string
	Payload     []byte
	Provenance  []DataType
	Seal        []byte
}

// Ciphertext は準同型暗号文とそのメタデータを表す。生成後は変更できない。
type Ciphertext struct {
	f CiphertextFields
}

// NewCiphertext はフィールドをコピーして Ciphertext を生成する。時刻はミリ秒に丸める。
func NewCiphertext(f CiphertextFields) Ciphertext {
	f.CreatedAt = time.UnixMilli(f.CreatedAt.UnixMilli()).UTC()
	f.Payload = append([]byte(nil), f.Payload...)
	f.Provenance = append([]DataType(nil), f.Provenance...)
	f.Seal = append([]byte(nil), f.Seal...)
	return Ciphertext{f: f}
}

// Fields はフィールドのコピーを返す。
func (c Ciphertext) Fields() CiphertextFields {
	f := c.f
	f.Payload = append([]byte(nil), c.f.Payload...)
	f.Provenance = append([]DataType(nil), c.f.Provenance...)
	f.Seal = append([]byte(nil), c.f.Seal...)
	return f
}

func (c Ciphertext) Algorithm() string { return c.f.Algorithm }
func (c Ciphertext) DataType() DataType { return c.f.DataType }
func (c Ciphertext) Unit() Unit { return c.f.Unit }
func (c Ciphertext) Bound() uint8 { return c.f.Bound }
func (c Ciphertext) CreatedAt() time.Time { return c.f.CreatedAt }
func (c Ciphertext) PublicKeyID() string { return c.f.PublicKeyID }
func (c Ciphertext) Payload() []byte { return append([]byte(nil), c.f.Payload...) }
func (c Ciphertext) Seal() []byte { return append([]byte(nil), c.f.Seal...) }
func (c Ciphertext) IsZero() bool { return len(c.f.Payload) == 0 }
func (c Ciphertext) Provenance() []DataType { return append([]DataType(nil), c.f.Provenance...) }

// Ref は監査ログや台帳レコードから暗号文を参照するための識別子を返す。
func (c Ciphertext) Ref() string {
	return crypto.Keccak256Hash(c.SealingBytes()).Hex()
}

// SealingBytes は封印対象となる正規化済みバイト列を返す。Seal 自体は含まない。
func (c Ciphertext) SealingBytes() []byte {
	var b []byte
	b = appendField(b, []byte(c.f.Algorithm))
	b = appendField(b, []byte(c.f.DataType))
	b = appendField(b, []byte(c.f.Unit))
	b = append(b, c.f.Bound)
	b = binary.BigEndian.AppendUint64(b, uint64(c.f.CreatedAt.UnixMilli()))
	b = appendField(b, []byte(c.f.PublicKeyID))
	b = binary.AppendUvarint(b, uint64(len(c.f.Provenance)))
	for _, p := range c.f.Provenance {
		b = appendField(b, []byte(p))
	}
	return appendField(b, c.f.Payload)
}

func appendField(b, v []byte) []byte {
	b = binary.AppendUvarint(b, uint64(len(v)))
	return append(b, v...)
}

type ciphertextJSON struct {
	Algorithm       string     `json:"algorithm"`
	DataType        DataType   `json:"dataType"`
	TimestampMillis int64      `json:"timestampMillis"`
	PublicKeyID     string     `json:"publicKeyId"`
	Payload         []byte     `json:"payload"`
	Unit            Unit       `json:"unit"`
	Bound           uint8      `json:"bound"`
	Provenance      []DataType `json:"provenance,omitempty"`
	Seal            []byte     `json:"seal"`
}

// MarshalJSON は永続化形式 {algorithm, dataType, timestampMillis, publicKeyId, payload, ...} に変換する。
func (c Ciphertext) MarshalJSON() ([]byte, error) {
	return json.Marshal(ciphertextJSON{
		Algorithm:       c.f.Algorithm,
		DataType:        c.f.DataType,
		TimestampMillis: c.f.CreatedAt.UnixMilli(),
		PublicKeyID:     c.f.PublicKeyID,
		Payload:         c.f.Payload,
		Unit:            c.f.Unit,
		Bound:           c.f.Bound,
		Provenance:      c.f.Provenance,
		Seal:            c.f.Seal,
	})
}

// UnmarshalJSON は永続化形式から復元する。
func (c *Ciphertext) UnmarshalJSON(data []byte) error {
	var w ciphertextJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if w.Algorithm == "" || w.DataType == "" || len(w.Payload) == 0 {
		return fmt.Errorf("%w: missing fields", ErrInvalidCiphertext)
	}
	*c = NewCiphertext(CiphertextFields{
		Algorithm:   w.Algorithm,
		DataType:    w.DataType,
		Unit:        w.Unit,
		Bound:       w.Bound,
		CreatedAt:   time.UnixMilli(w.TimestampMillis),
		PublicKeyID: w.PublicKeyID,
		Payload:     w.Payload,
		Provenance:  w.Provenance,
		Seal:        w.Seal,
	})
	return nil
}
