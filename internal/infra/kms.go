package infra

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"golang.org/x/crypto/chacha20poly1305"

	"vehicle-loan-ledger/config"
)

// KeyWrapper は鍵素材の暗号化/復号を行う。
type KeyWrapper interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
	Close() error
}

// NewKeyWrapper は設定に応じてKMSまたはローカル鍵のラッパーを生成する。
// KMS_KEY_NAME が優先され、なければ LOCAL_WRAP_KEY を使う。
func NewKeyWrapper(ctx context.Context, cfg *config.Config) (KeyWrapper, error) {
	switch {
	case cfg.KMSKeyName != "":
		return NewKMSClient(ctx, cfg.KMSKeyName)
	case cfg.LocalWrapKey != "":
		key, err := hex.DecodeString(cfg.LocalWrapKey)
		if err != nil {
			return nil, fmt.Errorf("decoding LOCAL_WRAP_KEY: %w", err)
		}
		return NewLocalKeyWrapper(key)
	default:
		return nil, errors.New("KMS_KEY_NAME or LOCAL_WRAP_KEY is required")
	}
}

// KMSClient はCloud KMSクライアントをラップする。
type KMSClient struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSClient は指定されたキー名でKMSClientを生成する。
func NewKMSClient(ctx context.Context, keyName string) (*KMSClient, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSClient{
		client:  client,
		keyName: keyName,
	}, nil
}

// Encrypt は平文をCloud KMSで暗号化する。
func (c *KMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:      c.keyName,
		Plaintext: plaintext,
	}
	resp, err := c.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	return resp.Ciphertext, nil
}

// Decrypt は暗号文をCloud KMSで復号する。
func (c *KMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:       c.keyName,
		Ciphertext: ciphertext,
	}
	resp, err := c.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (c *KMSClient) Close() error {
	return c.client.Close()
}

// LocalKeyWrapper はKMSを使えない開発環境向けに XChaCha20-Poly1305 で鍵素材を暗号化する。
// 出力は nonce || ciphertext。
type LocalKeyWrapper struct {
	key []byte
}

// NewLocalKeyWrapper は32バイトの鍵からLocalKeyWrapperを生成する。
func NewLocalKeyWrapper(key []byte) (*LocalKeyWrapper, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("local wrap key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &LocalKeyWrapper{key: append([]byte(nil), key...)}, nil
}

// Encrypt は平文を暗号化する。
func (w *LocalKeyWrapper) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(w.key)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt は暗号文を復号する。
func (w *LocalKeyWrapper) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(w.key)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("decrypting: ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// Close は何もしない。
func (w *LocalKeyWrapper) Close() error {
	return nil
}
