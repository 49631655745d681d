package usecase

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"vehicle-loan-ledger/internal/domain"
	"vehicle-loan-ledger/internal/fhe"
)

var wrapPrefix = []byte("wrapped:")

// mockKeyMaterialRepository はテスト用のモック。
type mockKeyMaterialRepository struct {
	mu      sync.Mutex
	keys    []*domain.KeyMaterial
	creates int
}

func (m *mockKeyMaterialRepository) FindLatest(ctx context.Context) (*domain.KeyMaterial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.keys) == 0 {
		return nil, nil
	}
	k := *m.keys[len(m.keys)-1]
	return &k, nil
}

func (m *mockKeyMaterialRepository) Create(ctx context.Context, key *domain.KeyMaterial) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	k := *key
	m.keys = append(m.keys, &k)
	return nil
}

// mockKMSClient はテスト用のモック。
type mockKMSClient struct {
	encryptErr error
}

func (m *mockKMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if m.encryptErr != nil {
		return nil, m.encryptErr
	}
	return append(append([]byte(nil), wrapPrefix...), plaintext...), nil
}

func (m *mockKMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if !bytes.HasPrefix(ciphertext, wrapPrefix) {
		return nil, errors.New("not wrapped by this key")
	}
	return ciphertext[len(wrapPrefix):], nil
}

func TestKeyManager_InitializeOnce(t *testing.T) {
	repo := &mockKeyMaterialRepository{}
	m := NewKeyManager(repo, &mockKMSClient{}, fhe.DefaultParams())

	if m.IsReady() || m.PublicKey() != nil || m.PublicKeyID() != "" {
		t.Fatal("want uninitialized key manager")
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Initialize(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Initialize %d failed: %v", i, err)
		}
	}
	if !m.IsReady() {
		t.Fatal("want ready key manager")
	}
	if repo.creates != 1 {
		t.Errorf("want key material created once, got %d", repo.creates)
	}
	if err := m.Initialize(context.Background()); err != nil || repo.creates != 1 {
		t.Errorf("want idempotent Initialize, got creates=%d err=%v", repo.creates, err)
	}

	stored := repo.keys[0]
	if stored.Algorithm != fhe.Algorithm || stored.PublicKeyID != m.PublicKeyID() {
		t.Errorf("unexpected stored key material: %+v", stored)
	}
	if !bytes.HasPrefix(stored.WrappedKey, wrapPrefix) {
		t.Error("want private key stored only in wrapped form")
	}
}

func TestKeyManager_LoadsPersistedKey(t *testing.T) {
	repo := &mockKeyMaterialRepository{}
	kms := &mockKMSClient{}

	first := NewKeyManager(repo, kms, fhe.DefaultParams())
	if err := first.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	ct, err := NewCipher(first).Encrypt(741, domain.DataTypeMonthlyPayment)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// 再起動を想定して同じリポジトリから読み込む
	second := NewKeyManager(repo, kms, fhe.DefaultParams())
	if err := second.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if second.PublicKeyID() != first.PublicKeyID() {
		t.Errorf("want key id %s, got %s", first.PublicKeyID(), second.PublicKeyID())
	}
	if repo.creates != 1 {
		t.Errorf("want no new key material, got %d creates", repo.creates)
	}

	v, err := NewCipher(second).Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt with reloaded key failed: %v", err)
	}
	if v.Int64() != 741 {
		t.Errorf("want 741, got %s", v)
	}
}

func TestKeyManager_InitializeErrors(t *testing.T) {
	t.Run("kms failure", func(t *testing.T) {
		m := NewKeyManager(&mockKeyMaterialRepository{}, &mockKMSClient{encryptErr: errors.New("permission denied")}, fhe.DefaultParams())
		if err := m.Initialize(context.Background()); err == nil {
			t.Fatal("want error when wrapping fails")
		}
		if m.IsReady() {
			t.Error("want key manager not ready")
		}
	})

	t.Run("mismatched key id", func(t *testing.T) {
		repo := &mockKeyMaterialRepository{}
		if err := NewKeyManager(repo, &mockKMSClient{}, fhe.DefaultParams()).Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		repo.keys[0].PublicKeyID = "0xdeadbeefdeadbeef"

		m := NewKeyManager(repo, &mockKMSClient{}, fhe.DefaultParams())
		if err := m.Initialize(context.Background()); err == nil {
			t.Fatal("want error for mismatched key id")
		}
		if m.IsReady() {
			t.Error("want key manager not ready")
		}
	})

	t.Run("invalid params", func(t *testing.T) {
		params := fhe.DefaultParams()
		params.SecretBits = 128
		m := NewKeyManager(nil, nil, params)
		if err := m.Initialize(context.Background()); err == nil {
			t.Fatal("want error for undersized secret")
		}
	})
}
