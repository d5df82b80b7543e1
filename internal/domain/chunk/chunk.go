// Package chunk splits the payload into numbered chunks and publishes them
// to the shared cache under one-minute windows. Each window gets its own
// storage keys and a record mapping chunk index to key, written last so
// readers never see a half-published window.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultLinesPerChunk   = 10
	DefaultTTL             = 120 * time.Second
	DefaultRefreshInterval = 60 * time.Second
	DefaultWindow          = 60 * time.Second

	chunkKeyPrefix  = "chunk:"
	recordKeyPrefix = "chunk_metadata:"
)

var (
	// ErrChunkNotFound is returned for an out-of-range index or a chunk whose
	// body is gone.
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrChunksUnavailable is returned when the current window has no record.
	ErrChunksUnavailable = errors.New("chunks unavailable")
)

// Split groups payload lines linesPerChunk at a time and prefixes each group
// with "-- chunk <index>\n". A single trailing newline does not start a new
// line. An empty payload yields no chunks.
func Split(payload string, linesPerChunk int) []string {
	if linesPerChunk <= 0 {
		linesPerChunk = DefaultLinesPerChunk
	}
	payload = strings.TrimSuffix(payload, "\n")
	if payload == "" {
		return nil
	}

	lines := strings.Split(payload, "\n")
	chunks := make([]string, 0, (len(lines)+linesPerChunk-1)/linesPerChunk)
	for i := 0; i < len(lines); i += linesPerChunk {
		end := min(i+linesPerChunk, len(lines))
		header := fmt.Sprintf("-- chunk %d\n", len(chunks))
		chunks = append(chunks, header+strings.Join(lines[i:end], "\n"))
	}
	return chunks
}

// WindowID returns floor(unix seconds / window seconds).
func WindowID(t time.Time, window time.Duration) int64 {
	secs := int64(window / time.Second)
	if secs <= 0 {
		secs = int64(DefaultWindow / time.Second)
	}
	return t.Unix() / secs
}

// ChunkKey is the storage key of chunk index in window.
func ChunkKey(window int64, index int) string {
	return fmt.Sprintf("%s%d:%d", chunkKeyPrefix, window, index)
}

// RecordKey is the storage key of a window's record.
func RecordKey(window int64) string {
	return fmt.Sprintf("%s%d", recordKeyPrefix, window)
}

// Digest fingerprints a chunk set. Each chunk is length-prefixed so
// boundaries affect the result.
func Digest(chunks []string) uint64 {
	h := xxhash.New()
	var n [8]byte
	for _, c := range chunks {
		binary.BigEndian.PutUint64(n[:], uint64(len(c)))
		_, _ = h.Write(n[:])
		_, _ = h.WriteString(c)
	}
	return h.Sum64()
}

// Record is the published mapping for one window.
type Record struct {
	Window int64          `cbor:"window"`
	Chunks map[int]string `cbor:"chunks"`
	Order  []int          `cbor:"order"`
	Total  int            `cbor:"total"`
	Digest uint64         `cbor:"digest"`
}

// InRange reports whether 0 <= index < Total.
func (r *Record) InRange(index int) bool {
	return index >= 0 && index < r.Total
}
