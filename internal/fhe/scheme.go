// Package fhe は整数上の準同型暗号（DGHV方式）を実装する。平文の法は大きく取る。
//
// 暗号文は c = m + t*r + sum(x_i) mod x0 で、公開サンプル x_i = q_i*p + t*r_i は
// 秘密の奇数 p による0の暗号文。復号は c を p で割った余り（中心化）をさらに t で割った余り（中心化）とする。
// x0 を法とした暗号文の加算・乗算は、累積したノイズが p/2 未満である限り平文の加算・乗算になる。
package fhe

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Algorithm はこのパッケージで生成した暗号文に記録するアルゴリズム名。
const Algorithm = "FHE-DGHV"

var (
	// ErrPlaintextRange は平文が法に収まらない場合のエラー。
	ErrPlaintextRange = errors.New("plaintext out of range")

	// ErrMalformedCiphertext は負または x0 以上の暗号文に対するエラー。
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

// Params は鍵長などのパラメータ。
type Params struct {
	// SecretBits は秘密鍵 p のビット長。
	SecretBits int
	// ModulusBits は公開鍵 x0 のビット長。
	ModulusBits int
	// NoiseBits はノイズ r の上限ビット数。
	NoiseBits int
	// PlaintextBits は平文の法 t = 2^PlaintextBits を決める。
	PlaintextBits int
	// Samples は公開鍵に含める0の暗号文の数。
	Samples int
}

// DefaultParams は新規暗号文同士の乗算1回と、その後の数千回の加算に耐えるパラメータを返す。
func DefaultParams() Params {
	return Params{
		SecretBits:    1024,
		ModulusBits:   2048,
		NoiseBits:     64,
		PlaintextBits: 128,
		Samples:       16,
	}
}

// Validate は深さ1の乗算に耐えるパラメータかを検証する。
func (p Params) Validate() error {
	switch {
	case p.PlaintextBits < 66:
		return fmt.Errorf("plaintext modulus too small: %d bits", p.PlaintextBits)
	case p.NoiseBits < 16:
		return fmt.Errorf("noise too small: %d bits", p.NoiseBits)
	case p.Samples < 4:
		return fmt.Errorf("too few public samples: %d", p.Samples)
	case p.ModulusBits <= p.SecretBits:
		return fmt.Errorf("modulus (%d bits) must exceed secret (%d bits)", p.ModulusBits, p.SecretBits)
	}
	// 新規暗号文のノイズは約 2^(t+r+log(samples)+1)、乗算でビット数が倍になる
	fresh := p.PlaintextBits + p.NoiseBits + bitLen(p.Samples) + 2
	if 2*fresh+32 >= p.SecretBits {
		return fmt.Errorf("secret of %d bits cannot hold product noise of %d bits", p.SecretBits, 2*fresh)
	}
	return nil
}

// PublicKey は暗号化と演算に使う公開鍵。復号はできない。
type PublicKey struct {
	X0      *big.Int   `json:"x0"`
	Samples []*big.Int `json:"samples"`
	T       *big.Int   `json:"t"`
	Noise   int        `json:"noise"`
}

// PrivateKey は秘密鍵 p と対応する公開鍵。
type PrivateKey struct {
	P      *big.Int   `json:"p"`
	Public *PublicKey `json:"public"`
}

// GenerateKey は鍵ペアを生成する。random が nil の場合は crypto/rand を使う。
func GenerateKey(random io.Reader, params Params) (*PrivateKey, error) {
	if random == nil {
		random = rand.Reader
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	p, err := randOdd(random, params.SecretBits)
	if err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	q0, err := randOdd(random, params.ModulusBits-params.SecretBits)
	if err != nil {
		return nil, fmt.Errorf("generating modulus: %w", err)
	}
	x0 := new(big.Int).Mul(q0, p)
	t := new(big.Int).Lsh(big.NewInt(1), uint(params.PlaintextBits))

	samples := make([]*big.Int, params.Samples)
	for i := range samples {
		q, err := rand.Int(random, q0)
		if err != nil {
			return nil, fmt.Errorf("generating sample: %w", err)
		}
		r, err := randSigned(random, params.NoiseBits)
		if err != nil {
			return nil, fmt.Errorf("generating sample noise: %w", err)
		}
		x := new(big.Int).Mul(q, p)
		x.Add(x, r.Mul(r, t))
		samples[i] = x.Mod(x, x0)
	}

	return &PrivateKey{
		P: p,
		Public: &PublicKey{
			X0:      x0,
			Samples: samples,
			T:       t,
			Noise:   params.NoiseBits,
		},
	}, nil
}

// ID は公開鍵の Keccak-256 による短い識別子を返す。
func (pk *PublicKey) ID() string {
	h := crypto.Keccak256(pk.X0.Bytes(), pk.T.Bytes())
	return hexutil.Encode(h[:8])
}

// Encrypt は |m| < t/2 の符号付き平文を暗号化する。
func (pk *PublicKey) Encrypt(random io.Reader, m *big.Int) (*big.Int, error) {
	if random == nil {
		random = rand.Reader
	}
	half := new(big.Int).Rsh(pk.T, 1)
	if new(big.Int).Abs(m).Cmp(half) >= 0 {
		return nil, ErrPlaintextRange
	}

	r, err := randSigned(random, pk.Noise)
	if err != nil {
		return nil, fmt.Errorf("generating noise: %w", err)
	}
	c := new(big.Int).Mul(r, pk.T)
	c.Add(c, m)

	mask := make([]byte, (len(pk.Samples)+7)/8)
	if _, err := io.ReadFull(random, mask); err != nil {
		return nil, fmt.Errorf("generating subset: %w", err)
	}
	for i, x := range pk.Samples {
		if mask[i/8]&(1<<(i%8)) != 0 {
			c.Add(c, x)
		}
	}
	return c.Mod(c, pk.X0), nil
}

// Add は和の暗号文を返す。
func (pk *PublicKey) Add(a, b *big.Int) (*big.Int, error) {
	if err := pk.check(a, b); err != nil {
		return nil, err
	}
	c := new(big.Int).Add(a, b)
	return c.Mod(c, pk.X0), nil
}

// Mul は積の暗号文を返す。
func (pk *PublicKey) Mul(a, b *big.Int) (*big.Int, error) {
	if err := pk.check(a, b); err != nil {
		return nil, err
	}
	c := new(big.Int).Mul(a, b)
	return c.Mod(c, pk.X0), nil
}

// Neg は符号を反転した平文の暗号文を返す。
func (pk *PublicKey) Neg(a *big.Int) (*big.Int, error) {
	if err := pk.check(a); err != nil {
		return nil, err
	}
	c := new(big.Int).Sub(pk.X0, a)
	return c.Mod(c, pk.X0), nil
}

func (pk *PublicKey) check(cs ...*big.Int) error {
	for _, c := range cs {
		if c == nil || c.Sign() < 0 || c.Cmp(pk.X0) >= 0 {
			return ErrMalformedCiphertext
		}
	}
	return nil
}

// Decrypt は符号付きの平文を復元する。
func (sk *PrivateKey) Decrypt(c *big.Int) (*big.Int, error) {
	if err := sk.Public.check(c); err != nil {
		return nil, err
	}
	m := centered(new(big.Int).Mod(c, sk.P), sk.P)
	m.Mod(m, sk.Public.T)
	return centered(m, sk.Public.T), nil
}

// centered は [0, n) の値を (-n/2, n/2] に写す。
func centered(v, n *big.Int) *big.Int {
	half := new(big.Int).Rsh(n, 1)
	if v.Cmp(half) > 0 {
		v.Sub(v, n)
	}
	return v
}

func randOdd(random io.Reader, bits int) (*big.Int, error) {
	top := new(big.Int).Lsh(big.NewInt(1), uint(bits-1))
	v, err := rand.Int(random, top)
	if err != nil {
		return nil, err
	}
	v.Add(v, top)
	return v.SetBit(v, 0, 1), nil
}

func randSigned(random io.Reader, bits int) (*big.Int, error) {
	bound := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	v, err := rand.Int(random, new(big.Int).Lsh(bound, 1))
	if err != nil {
		return nil, err
	}
	return v.Sub(v, bound), nil
}

func bitLen(n int) int {
	return big.NewInt(int64(n)).BitLen()
}
