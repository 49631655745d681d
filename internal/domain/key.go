package domain

import "time"

// KeyMaterial は永続化された鍵素材を表す。秘密部分はKMSで暗号化済み。
type KeyMaterial struct {
	ID          string
	Algorithm   string
	PublicKeyID string
	PublicKey   []byte
	WrappedKey  []byte
	CreatedAt   time.Time
}
