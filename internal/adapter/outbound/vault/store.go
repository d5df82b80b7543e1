// Package vault implements outbound.SecretStore on a HashiCorp Vault KV v2
// mount. Every Put creates a new KV version; Get reads the latest one.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

// DefaultMount is the KV v2 mount used when none is configured.
const DefaultMount = "secret"

// Config holds connection settings for Vault.
type Config struct {
	Addr      string
	Token     string
	Mount     string
	Namespace string
	Timeout   time.Duration
}

// Store talks to a KV v2 secrets engine.
type Store struct {
	client *api.Client
	kv     *api.KVv2
	mount  string
}

// New creates a Vault-backed store. It does not contact the server;
// use Ping to check reachability.
func New(cfg Config) (*Store, error) {
	vc := api.DefaultConfig()
	if vc.Error != nil {
		return nil, fmt.Errorf("vault config: %w", vc.Error)
	}
	if cfg.Addr != "" {
		vc.Address = cfg.Addr
	}
	if cfg.Timeout > 0 {
		vc.Timeout = cfg.Timeout
	}
	vc.MaxRetries = 0

	client, err := api.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = DefaultMount
	}
	return &Store{client: client, kv: client.KVv2(mount), mount: mount}, nil
}

// Get returns the latest version at path.
func (s *Store) Get(ctx context.Context, path string) (map[string]string, error) {
	secret, err := s.kv.Get(ctx, path)
	if errors.Is(err, api.ErrSecretNotFound) {
		return nil, outbound.ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault get %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, outbound.ErrSecretNotFound
	}

	out := make(map[string]string, len(secret.Data))
	for k, v := range secret.Data {
		if str, ok := v.(string); ok {
			out[k] = str
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out, nil
}

// Put writes a new version at path.
func (s *Store) Put(ctx context.Context, path string, data map[string]string) error {
	payload := make(map[string]interface{}, len(data))
	for k, v := range data {
		payload[k] = v
	}
	if _, err := s.kv.Put(ctx, path, payload); err != nil {
		return fmt.Errorf("vault put %s: %w", path, err)
	}
	return nil
}

// List returns names directly under prefix via the metadata endpoint.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	secret, err := s.client.Logical().ListWithContext(ctx, s.mount+"/metadata/"+prefix)
	if err != nil {
		return nil, fmt.Errorf("vault list %s: %w", prefix, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	names := make([]string, 0, len(raw))
	for _, k := range raw {
		if name, ok := k.(string); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Ping checks that Vault is reachable, initialized and unsealed.
func (s *Store) Ping(ctx context.Context) error {
	health, err := s.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health: %w", err)
	}
	if !health.Initialized {
		return errors.New("vault is not initialized")
	}
	if health.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}

var _ outbound.SecretStore = (*Store)(nil)
