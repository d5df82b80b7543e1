// Package badger implements outbound.Cache on an embedded Badger database,
// for single-node deployments that want TTL state to survive restarts
// without running Redis.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

// maxConflictRetries bounds optimistic-transaction retries in Incr.
const maxConflictRetries = 16

// Config holds Badger settings.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps all data in RAM (tests).
	InMemory bool
	// GCInterval is how often the value log is garbage collected.
	// Zero disables background GC.
	GCInterval time.Duration
}

// Cache implements outbound.Cache with Badger.
// Expiry uses Badger's per-entry TTL, which has one-second resolution.
type Cache struct {
	db       *badger.DB
	logger   *slog.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Open opens (or creates) the database.
func Open(cfg Config, logger *slog.Logger) (*Cache, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(&slogAdapter{logger: logger.With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &Cache{
		db:       db,
		logger:   logger,
		stopChan: make(chan struct{}),
	}, nil
}

// StartGC runs value-log garbage collection every interval until ctx is
// cancelled or Close is called.
func (c *Cache) StartGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopChan:
				return
			case <-ticker.C:
				err := c.db.RunValueLogGC(0.5)
				if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
					c.logger.Warn("badger value log gc failed", "error", err)
				}
			}
		}
	}()
}

// Get returns the value under key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, outbound.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return val, nil
}

func newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// Set stores value under key.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	if err != nil {
		return fmt.Errorf("badger set: %w", err)
	}
	return nil
}

// SetNX stores value only if key is absent. A concurrent writer winning the
// same key surfaces as a transaction conflict, which counts as "not stored".
func (c *Cache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	stored := false
	err := c.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		stored = true
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger setnx: %w", err)
	}
	return stored, nil
}

// Incr increments the counter under key, retrying on transaction conflicts.
func (c *Cache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		var n int64
		err := c.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				n = 1
				return txn.SetEntry(newEntry(key, []byte("1"), ttl))
			case err != nil:
				return err
			}

			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			cur, err := strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("value is not a counter: %w", err)
			}
			n = cur + 1
			e := badger.NewEntry([]byte(key), []byte(strconv.FormatInt(n, 10)))
			e.ExpiresAt = item.ExpiresAt()
			return txn.SetEntry(e)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("badger incr: %w", err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("badger incr: %w", badger.ErrConflict)
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// Keys returns live keys with the given prefix.
func (c *Cache) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger keys: %w", err)
	}
	return keys, nil
}

// Ping reports an error once the database is closed.
func (c *Cache) Ping(ctx context.Context) error {
	if c.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

// Close stops GC and closes the database.
func (c *Cache) Close() error {
	c.once.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
	return c.db.Close()
}

// slogAdapter routes Badger's internal logging through slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Errorf(format string, args ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, args...))
}

func (a *slogAdapter) Warningf(format string, args ...interface{}) {
	a.logger.Warn(fmt.Sprintf(format, args...))
}

func (a *slogAdapter) Infof(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

func (a *slogAdapter) Debugf(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

var _ outbound.Cache = (*Cache)(nil)
