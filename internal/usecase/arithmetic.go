package usecase

import (
	"fmt"
	"math/big"

	"vehicle-loan-ledger/internal/domain"
)

// Arithmetic は暗号文を復号せずに加算・乗算する。
type Arithmetic struct {
	cipher *Cipher
}

// NewArithmetic は新しいArithmeticを生成する。
func NewArithmetic(cipher *Cipher) *Arithmetic {
	return &Arithmetic{cipher: cipher}
}

// Add は同じ単位の暗号文同士を加算する。和は幅の大きい方の入力と同じビット幅に
// 収まらなければならず、桁あふれは演算時に ErrOverflow になる。
func (a *Arithmetic) Add(x, y domain.Ciphertext) (domain.Ciphertext, error) {
	if x.Unit() != y.Unit() {
		return domain.Ciphertext{}, fmt.Errorf("%w: cannot add %s to %s", domain.ErrDomainMismatch, y.Unit(), x.Unit())
	}
	return a.binary(x, y, x.Unit(), max(x.Bound(), y.Bound()), false)
}

// Multiply は数量とスカラー（金利・回数）を乗算する。数量同士の乗算は拒否する。
func (a *Arithmetic) Multiply(x, y domain.Ciphertext) (domain.Ciphertext, error) {
	var unit domain.Unit
	switch {
	case x.Unit().Scalar() && y.Unit().Scalar():
		unit = domain.UnitCount
		if x.Unit() == domain.UnitRate || y.Unit() == domain.UnitRate {
			unit = domain.UnitRate
		}
	case y.Unit().Scalar():
		unit = x.Unit()
	case x.Unit().Scalar():
		unit = y.Unit()
	default:
		return domain.Ciphertext{}, fmt.Errorf("%w: cannot multiply %s by %s", domain.ErrDomainMismatch, x.Unit(), y.Unit())
	}

	bound := int(x.Bound()) + int(y.Bound())
	if bound > int(domain.MaxBound) {
		return domain.Ciphertext{}, fmt.Errorf("%w: product needs %d bits", domain.ErrOverflow, bound)
	}
	return a.binary(x, y, unit, uint8(bound), true)
}

// Negate は符号を反転した暗号文を返す。
func (a *Arithmetic) Negate(x domain.Ciphertext) (domain.Ciphertext, error) {
	ks := a.cipher.keys.current()
	if ks == nil {
		return domain.Ciphertext{}, domain.ErrNotInitialized
	}
	cx, err := a.cipher.open(ks, x)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	neg, err := ks.private.Public.Neg(cx)
	if err != nil {
		return domain.Ciphertext{}, fmt.Errorf("%w: %v", domain.ErrInvalidCiphertext, err)
	}
	return a.cipher.seal(ks, computed(x.Unit(), x.Bound(), x), neg), nil
}

// Subtract は x - y を Add と Negate で計算する。
func (a *Arithmetic) Subtract(x, y domain.Ciphertext) (domain.Ciphertext, error) {
	neg, err := a.Negate(y)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	return a.Add(x, neg)
}

func (a *Arithmetic) binary(x, y domain.Ciphertext, unit domain.Unit, bound uint8, multiply bool) (domain.Ciphertext, error) {
	ks := a.cipher.keys.current()
	if ks == nil {
		return domain.Ciphertext{}, domain.ErrNotInitialized
	}
	cx, err := a.cipher.open(ks, x)
	if err != nil {
		return domain.Ciphertext{}, err
	}
	cy, err := a.cipher.open(ks, y)
	if err != nil {
		return domain.Ciphertext{}, err
	}

	var out *big.Int
	if multiply {
		out, err = ks.private.Public.Mul(cx, cy)
	} else {
		out, err = ks.private.Public.Add(cx, cy)
	}
	if err != nil {
		return domain.Ciphertext{}, fmt.Errorf("%w: %v", domain.ErrInvalidCiphertext, err)
	}
	// 積の幅は入力幅の和で上から抑えられるが、和は1ビット繰り上がりうるため値域を検査する
	if !multiply {
		if _, err := a.cipher.within(ks, out, bound); err != nil {
			return domain.Ciphertext{}, fmt.Errorf("adding %s to %s: %w", y.Unit(), x.Unit(), err)
		}
	}
	return a.cipher.seal(ks, computed(unit, bound, x, y), out), nil
}

// computed は演算結果のメタデータを組み立てる。provenance は入力タグの和集合。
func computed(unit domain.Unit, bound uint8, inputs ...domain.Ciphertext) domain.CiphertextFields {
	var provenance []domain.DataType
	seen := make(map[domain.DataType]bool)
	add := func(t domain.DataType) {
		if !seen[t] {
			seen[t] = true
			provenance = append(provenance, t)
		}
	}
	for _, in := range inputs {
		if in.DataType() == domain.DataTypeComputed {
			for _, t := range in.Provenance() {
				add(t)
			}
			continue
		}
		add(in.DataType())
	}
	return domain.CiphertextFields{
		DataType:   domain.DataTypeComputed,
		Unit:       unit,
		Bound:      bound,
		Provenance: provenance,
	}
}
