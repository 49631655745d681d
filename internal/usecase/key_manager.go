// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"vehicle-loan-ledger/internal/domain"
	"vehicle-loan-ledger/internal/fhe"
)

const secretKeySize = 32

// KeyMaterialRepository は鍵素材の永続化インターフェース。
type KeyMaterialRepository interface {
	FindLatest(ctx context.Context) (*domain.KeyMaterial, error)
	Create(ctx context.Context, key *domain.KeyMaterial) error
}

// KMSClient は暗号化/復号のインターフェース。
type KMSClient interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// keySet は初期化済みの鍵素材。秘密鍵と封印用のシークレットを含む。
type keySet struct {
	private *fhe.PrivateKey
	secret  []byte
	id      string
}

// wrappedKey はKMSで暗号化される秘密部分。
type wrappedKey struct {
	P      *big.Int `json:"p"`
	Secret []byte   `json:"secret"`
}

// KeyManager は鍵素材の生成・読み込みと初期化状態を管理する。
type KeyManager struct {
	repo      KeyMaterialRepository
	kmsClient KMSClient
	params    fhe.Params
	group     singleflight.Group
	keys      atomic.Pointer[keySet]
}

// NewKeyManager は新しいKeyManagerを生成する。
// repo が nil の場合、鍵素材はプロセス内にのみ保持される。
func NewKeyManager(repo KeyMaterialRepository, kmsClient KMSClient, params fhe.Params) *KeyManager {
	return &KeyManager{
		repo:      repo,
		kmsClient: kmsClient,
		params:    params,
	}
}

// Initialize は鍵素材を用意する。何度呼んでもよく、同時に呼ばれても生成は一度だけ行われる。
func (m *KeyManager) Initialize(ctx context.Context) error {
	if m.IsReady() {
		return nil
	}
	_, err, _ := m.group.Do("initialize", func() (interface{}, error) {
		if m.IsReady() {
			return nil, nil
		}
		ks, err := m.loadOrGenerate(ctx)
		if err != nil {
			return nil, err
		}
		m.keys.Store(ks)
		slog.InfoContext(ctx, "key material ready",
			"operation", "initialize",
			"public_key_id", ks.id,
		)
		return nil, nil
	})
	return err
}

// IsReady は鍵素材が利用可能かを返す。
func (m *KeyManager) IsReady() bool {
	return m.keys.Load() != nil
}

// PublicKey は公開鍵を返す。初期化前は nil。
func (m *KeyManager) PublicKey() *fhe.PublicKey {
	ks := m.keys.Load()
	if ks == nil {
		return nil
	}
	return ks.private.Public
}

// PublicKeyID は公開鍵の識別子を返す。初期化前は空文字。
func (m *KeyManager) PublicKeyID() string {
	ks := m.keys.Load()
	if ks == nil {
		return ""
	}
	return ks.id
}

func (m *KeyManager) current() *keySet {
	return m.keys.Load()
}

func (m *KeyManager) loadOrGenerate(ctx context.Context) (*keySet, error) {
	if m.repo != nil {
		stored, err := m.repo.FindLatest(ctx)
		if err != nil {
			return nil, fmt.Errorf("finding key material: %w", err)
		}
		if stored != nil {
			return m.unwrap(ctx, stored)
		}
	}

	private, err := fhe.GenerateKey(rand.Reader, m.params)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	secret := make([]byte, secretKeySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating secret key: %w", err)
	}
	ks := &keySet{private: private, secret: secret, id: private.Public.ID()}

	if m.repo != nil {
		if err := m.persist(ctx, ks); err != nil {
			return nil, err
		}
	}
	return ks, nil
}

func (m *KeyManager) persist(ctx context.Context, ks *keySet) error {
	publicKey, err := json.Marshal(ks.private.Public)
	if err != nil {
		return fmt.Errorf("encoding public key: %w", err)
	}
	plain, err := json.Marshal(wrappedKey{P: ks.private.P, Secret: ks.secret})
	if err != nil {
		return fmt.Errorf("encoding private key: %w", err)
	}

	// KMSで暗号化
	wrapped, err := m.kmsClient.Encrypt(ctx, plain)
	if err != nil {
		return fmt.Errorf("wrapping key material: %w", err)
	}

	key := &domain.KeyMaterial{
		Algorithm:   fhe.Algorithm,
		PublicKeyID: ks.id,
		PublicKey:   publicKey,
		WrappedKey:  wrapped,
	}
	if err := m.repo.Create(ctx, key); err != nil {
		return fmt.Errorf("creating key material: %w", err)
	}
	return nil
}

func (m *KeyManager) unwrap(ctx context.Context, stored *domain.KeyMaterial) (*keySet, error) {
	var public fhe.PublicKey
	if err := json.Unmarshal(stored.PublicKey, &public); err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if public.ID() != stored.PublicKeyID {
		return nil, fmt.Errorf("%w: stored public key id mismatch", domain.ErrInvalidCiphertext)
	}

	// KMSで復号
	plain, err := m.kmsClient.Decrypt(ctx, stored.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key material: %w", err)
	}
	var w wrappedKey
	if err := json.Unmarshal(plain, &w); err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if w.P == nil || len(w.Secret) != secretKeySize {
		return nil, fmt.Errorf("decoding private key: incomplete key material")
	}

	return &keySet{
		private: &fhe.PrivateKey{P: w.P, Public: &public},
		secret:  w.Secret,
		id:      stored.PublicKeyID,
	}, nil
}
