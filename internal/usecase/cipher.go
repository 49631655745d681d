package usecase

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/blake2b"

	"vehicle-loan-ledger/internal/domain"
	"vehicle-loan-ledger/internal/fhe"
)

// Cipher はKeyManagerの鍵素材を使って値を暗号化・復号する。
type Cipher struct {
	keys *KeyManager
	now  func() time.Time
}

// NewCipher は新しいCipherを生成する。
func NewCipher(keys *KeyManager) *Cipher {
	return &Cipher{keys: keys, now: time.Now}
}

// Encrypt は値をデータ型タグ付きで暗号化する。呼び出しごとに異なる暗号文になる。
func (c *Cipher) Encrypt(value uint32, dataType domain.DataType) (domain.Ciphertext, error) {
	ks := c.keys.current()
	if ks == nil {
		return domain.Ciphertext{}, domain.ErrNotInitialized
	}
	unit, ok := dataType.Unit()
	if !ok {
		return domain.Ciphertext{}, fmt.Errorf("%w: cannot encrypt with tag %q", domain.ErrDomainMismatch, dataType)
	}

	payload, err := ks.private.Public.Encrypt(rand.Reader, new(big.Int).SetUint64(uint64(value)))
	if err != nil {
		return domain.Ciphertext{}, fmt.Errorf("encrypting %s: %w", dataType, err)
	}
	return c.seal(ks, domain.CiphertextFields{
		DataType: dataType,
		Unit:     unit,
		Bound:    domain.FreshBound,
	}, payload), nil
}

// Decrypt は暗号文を復号する。鍵素材がなければ ErrUnauthorized を返す。
func (c *Cipher) Decrypt(ct domain.Ciphertext) (*big.Int, error) {
	ks := c.keys.current()
	if ks == nil {
		return nil, fmt.Errorf("%w: no private key", domain.ErrUnauthorized)
	}
	x, err := c.open(ks, ct)
	if err != nil {
		return nil, err
	}
	return c.within(ks, x, ct.Bound())
}

// within は x を復号し、絶対値が bound ビットに収まることを確かめる。
func (c *Cipher) within(ks *keySet, x *big.Int, bound uint8) (*big.Int, error) {
	m, err := ks.private.Decrypt(x)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCiphertext, err)
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(bound))
	if m.CmpAbs(limit) >= 0 {
		return nil, fmt.Errorf("%w: value exceeds %d bits", domain.ErrOverflow, bound)
	}
	return m, nil
}

// open は封印と鍵参照を検証して暗号文の整数表現を返す。
func (c *Cipher) open(ks *keySet, ct domain.Ciphertext) (*big.Int, error) {
	if ct.IsZero() {
		return nil, fmt.Errorf("%w: empty payload", domain.ErrInvalidCiphertext)
	}
	if ct.Algorithm() != fhe.Algorithm || ct.PublicKeyID() != ks.id {
		return nil, fmt.Errorf("%w: foreign key or algorithm", domain.ErrInvalidCiphertext)
	}
	if subtle.ConstantTimeCompare(ks.mac(ct.SealingBytes()), ct.Seal()) != 1 {
		return nil, fmt.Errorf("%w: seal mismatch", domain.ErrInvalidCiphertext)
	}
	if ct.DataType() != domain.DataTypeComputed {
		if unit, ok := ct.DataType().Unit(); !ok || unit != ct.Unit() {
			return nil, fmt.Errorf("%w: tag %q does not carry unit %q", domain.ErrDomainMismatch, ct.DataType(), ct.Unit())
		}
	}
	return new(big.Int).SetBytes(ct.Payload()), nil
}

func (c *Cipher) seal(ks *keySet, f domain.CiphertextFields, payload *big.Int) domain.Ciphertext {
	f.Algorithm = fhe.Algorithm
	f.CreatedAt = c.now()
	f.PublicKeyID = ks.id
	f.Payload = payload.Bytes()
	f.Seal = nil
	unsealed := domain.NewCiphertext(f)
	f.Seal = ks.mac(unsealed.SealingBytes())
	return domain.NewCiphertext(f)
}

func (ks *keySet) mac(data []byte) []byte {
	h, err := blake2b.New256(ks.secret)
	if err != nil {
		// 鍵長は secretKeySize 固定のため到達しない
		panic(err)
	}
	h.Write(data)
	return h.Sum(nil)
}
