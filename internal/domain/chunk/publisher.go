package chunk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Sentinel-Gate/scriptgate/internal/port/outbound"
)

var tracer = otel.Tracer("github.com/Sentinel-Gate/scriptgate/internal/domain/chunk")

// Publisher writes windows to the cache.
type Publisher struct {
	cache   outbound.Cache
	ttl     time.Duration
	logger  *slog.Logger
	shuffle func([]int)
}

// NewPublisher creates a Publisher. A zero ttl uses DefaultTTL.
func NewPublisher(cache outbound.Cache, ttl time.Duration, logger *slog.Logger) *Publisher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Publisher{
		cache:  cache,
		ttl:    ttl,
		logger: logger,
		shuffle: func(order []int) {
			rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		},
	}
}

// Publish removes every other window, stores the chunk bodies for window and
// then stores the record.
func (p *Publisher) Publish(ctx context.Context, chunks []string, window int64) (*Record, error) {
	ctx, span := tracer.Start(ctx, "chunk.publish")
	defer span.End()
	span.SetAttributes(attribute.Int64("window", window), attribute.Int("total", len(chunks)))

	if err := p.removeStale(ctx, window); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	rec := &Record{
		Window: window,
		Chunks: make(map[int]string, len(chunks)),
		Order:  make([]int, len(chunks)),
		Total:  len(chunks),
		Digest: Digest(chunks),
	}
	for idx, body := range chunks {
		key := ChunkKey(window, idx)
		if err := p.cache.Set(ctx, key, []byte(body), p.ttl); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("store chunk %d: %w", idx, err)
		}
		rec.Chunks[idx] = key
		rec.Order[idx] = idx
	}
	p.shuffle(rec.Order)

	data, err := cbor.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode chunk record: %w", err)
	}
	if err := p.cache.Set(ctx, RecordKey(window), data, p.ttl); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("store chunk record: %w", err)
	}
	return rec, nil
}

// removeStale deletes records and bodies of every window except keep.
// Several stale windows can exist when refreshes were skipped.
func (p *Publisher) removeStale(ctx context.Context, keep int64) error {
	var stale []string
	for _, prefix := range []string{recordKeyPrefix, chunkKeyPrefix} {
		keys, err := p.cache.Keys(ctx, prefix)
		if err != nil {
			return fmt.Errorf("list %s keys: %w", prefix, err)
		}
		for _, k := range keys {
			if windowOf(k) != keep {
				stale = append(stale, k)
			}
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := p.cache.Delete(ctx, stale...); err != nil {
		return fmt.Errorf("delete stale windows: %w", err)
	}
	p.logger.Debug("removed stale chunk keys", "count", len(stale))
	return nil
}

// windowOf extracts the window from "chunk:<w>:<i>" or "chunk_metadata:<w>".
// Unparseable keys return -1 so they are treated as stale.
func windowOf(key string) int64 {
	var rest string
	switch {
	case strings.HasPrefix(key, recordKeyPrefix):
		rest = strings.TrimPrefix(key, recordKeyPrefix)
	case strings.HasPrefix(key, chunkKeyPrefix):
		rest = strings.TrimPrefix(key, chunkKeyPrefix)
		if i := strings.IndexByte(rest, ':'); i >= 0 {
			rest = rest[:i]
		}
	default:
		return -1
	}
	w, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return -1
	}
	return w
}

// Reader resolves chunks for the delivery path.
type Reader struct {
	cache  outbound.Cache
	window time.Duration
	now    func() time.Time
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithReaderClock overrides the time source.
func WithReaderClock(now func() time.Time) ReaderOption {
	return func(r *Reader) {
		r.now = now
	}
}

// NewReader creates a Reader. A zero window uses DefaultWindow.
func NewReader(cache outbound.Cache, window time.Duration, opts ...ReaderOption) *Reader {
	if window <= 0 {
		window = DefaultWindow
	}
	r := &Reader{cache: cache, window: window, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Current returns the record of the window containing now.
func (r *Reader) Current(ctx context.Context) (*Record, error) {
	return r.Record(ctx, WindowID(r.now(), r.window))
}

// Record returns the record of window.
func (r *Reader) Record(ctx context.Context, window int64) (*Record, error) {
	data, err := r.cache.Get(ctx, RecordKey(window))
	if errors.Is(err, outbound.ErrCacheMiss) {
		return nil, fmt.Errorf("%w: window %d", ErrChunksUnavailable, window)
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk record: %w", err)
	}
	var rec Record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode chunk record: %w", err)
	}
	return &rec, nil
}

// Fetch returns the body of chunk index from rec.
func (r *Reader) Fetch(ctx context.Context, rec *Record, index int) ([]byte, error) {
	key, ok := rec.Chunks[index]
	if !ok || key == "" {
		return nil, fmt.Errorf("%w: index %d not mapped", ErrChunkNotFound, index)
	}
	body, err := r.cache.Get(ctx, key)
	if errors.Is(err, outbound.ErrCacheMiss) {
		return nil, fmt.Errorf("%w: index %d expired", ErrChunkNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	return body, nil
}
