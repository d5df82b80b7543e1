package chunk

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/scriptgate/internal/adapter/outbound/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRotator_RefreshPicksUpPayloadChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "script.lua")
	if err := os.WriteFile(path, []byte(lines(25)), 0600); err != nil {
		t.Fatal(err)
	}

	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cache := memory.NewCache()
	rot := NewRotator(FileSource{Path: path}, NewPublisher(cache, 0, testLogger()),
		RotatorConfig{LinesPerChunk: 10}, testLogger(), WithRotatorClock(clk.Now))
	reader := NewReader(cache, 0, WithReaderClock(clk.Now))

	if _, err := rot.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	rec, err := reader.Current(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Total != 3 {
		t.Errorf("total = %d, want 3", rec.Total)
	}

	if err := os.WriteFile(path, []byte(lines(45)), 0600); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)
	if _, err := rot.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	rec, err = reader.Current(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Total != 5 {
		t.Errorf("total after payload change = %d, want 5", rec.Total)
	}
}

func TestRotator_RefreshMissingFile(t *testing.T) {
	t.Parallel()

	rot := NewRotator(FileSource{Path: filepath.Join(t.TempDir(), "nope")},
		NewPublisher(memory.NewCache(), 0, testLogger()), RotatorConfig{}, testLogger())
	if _, err := rot.Refresh(context.Background()); err == nil {
		t.Error("Refresh() with missing file = nil error")
	}
}

func TestRotator_RefreshIgnoresCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cache := memory.NewCache()
	rot := NewRotator(StaticSource(lines(5)), NewPublisher(cache, 0, testLogger()), RotatorConfig{}, testLogger())
	rec, err := rot.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if _, err := NewReader(cache, 0).Record(context.Background(), rec.Window); err != nil {
		t.Errorf("record missing after refresh with cancelled ctx: %v", err)
	}
}

func TestRotator_NextDelay(t *testing.T) {
	t.Parallel()

	// 39s into a minute.
	clk := &fakeClock{now: time.Unix(1_700_000_019, 0)}
	aligned := NewRotator(StaticSource(""), nil, RotatorConfig{RefreshInterval: time.Minute, Window: time.Minute},
		testLogger(), WithRotatorClock(clk.Now))
	if got := aligned.nextDelay(); got != 21*time.Second {
		t.Errorf("aligned nextDelay() = %v, want 21s", got)
	}

	plain := NewRotator(StaticSource(""), nil, RotatorConfig{RefreshInterval: 15 * time.Second, Window: time.Minute},
		testLogger(), WithRotatorClock(clk.Now))
	if got := plain.nextDelay(); got != 15*time.Second {
		t.Errorf("plain nextDelay() = %v, want 15s", got)
	}
}

func TestRotator_RunRefreshesAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	var published atomic.Int64
	cache := memory.NewCache()
	rot := NewRotator(StaticSource(lines(12)), NewPublisher(cache, 0, testLogger()),
		RotatorConfig{RefreshInterval: 10 * time.Millisecond}, testLogger(),
		WithPublishObserver(func(rec *Record, err error) {
			if err == nil {
				published.Add(1)
			}
		}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rot.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for published.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	rot.Stop()
	rot.Stop()

	if published.Load() < 3 {
		t.Errorf("published %d windows, want at least 3", published.Load())
	}
}

func TestRotator_RunStopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	rot := NewRotator(StaticSource("x"), NewPublisher(memory.NewCache(), 0, testLogger()),
		RotatorConfig{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	rot.Run(ctx)
	cancel()
	rot.Stop()
}
