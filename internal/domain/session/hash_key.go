package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

const (
	// HashKeyPath is the secret holding the session cache hash key.
	HashKeyPath  = "session_hash_key"
	hashKeyField = "value"
)

// LoadOrCreateHashKey returns the 32-byte key used with WithHashKey, writing
// a random one to secrets on first use. All instances sharing the secret
// store then derive the same cache keys.
func LoadOrCreateHashKey(ctx context.Context, secrets outbound.SecretStore) ([]byte, error) {
	data, err := secrets.Get(ctx, HashKeyPath)
	switch {
	case err == nil && data[hashKeyField] != "":
		key, err := base64.StdEncoding.DecodeString(data[hashKeyField])
		if err != nil {
			return nil, fmt.Errorf("decode session hash key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("session hash key must be 32 bytes, got %d", len(key))
		}
		return key, nil
	case err != nil && !errors.Is(err, outbound.ErrSecretNotFound):
		return nil, fmt.Errorf("read session hash key: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session hash key: %w", err)
	}
	value := map[string]string{hashKeyField: base64.StdEncoding.EncodeToString(key)}
	if err := secrets.Put(ctx, HashKeyPath, value); err != nil {
		return nil, fmt.Errorf("store session hash key: %w", err)
	}
	return key, nil
}
