// Package encoding provides the reversible transform applied to a chunk
// before it is encrypted. Clients undo it after decryption using the name
// returned with every envelope.
package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	None = "none"
	Zstd = "zstd"
	LZ4  = "lz4"
)

// maxDecodedSize bounds Decode output.
const maxDecodedSize = 16 << 20

// ErrCorrupt is returned when Decode input is malformed.
var ErrCorrupt = errors.New("corrupt encoded chunk")

// Encoder is a named reversible transform.
type Encoder interface {
	Name() string
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// New returns the encoder registered under name. An empty name means None.
func New(name string) (Encoder, error) {
	switch name {
	case "", None:
		return identity{}, nil
	case Zstd:
		return newZstd()
	case LZ4:
		return lz4Block{}, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
}

// Names lists the supported encodings.
func Names() []string {
	return []string{None, Zstd, LZ4}
}

type identity struct{}

func (identity) Name() string { return None }

func (identity) Encode(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

func (identity) Decode(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

// zstdCodec uses EncodeAll/DecodeAll, which are safe for concurrent use.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstd() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (z *zstdCodec) Name() string { return Zstd }

func (z *zstdCodec) Encode(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}

func (z *zstdCodec) Decode(src []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return out, nil
}

// lz4Block frames one LZ4 block as:
//
//	uint32 big-endian decoded length | flag (0 raw, 1 lz4) | payload
type lz4Block struct{}

const (
	lz4Raw        = 0
	lz4Compressed = 1
	lz4HeaderSize = 5
)

func (lz4Block) Name() string { return LZ4 }

func (lz4Block) Encode(src []byte) ([]byte, error) {
	dst := make([]byte, lz4HeaderSize+lz4.CompressBlockBound(len(src)))
	binary.BigEndian.PutUint32(dst, uint32(len(src)))

	n, err := lz4.CompressBlock(src, dst[lz4HeaderSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(src) {
		// Incompressible input is stored as is.
		dst[4] = lz4Raw
		n = copy(dst[lz4HeaderSize:], src)
	} else {
		dst[4] = lz4Compressed
	}
	return dst[:lz4HeaderSize+n], nil
}

func (lz4Block) Decode(src []byte) ([]byte, error) {
	if len(src) < lz4HeaderSize {
		return nil, fmt.Errorf("%w: short lz4 header", ErrCorrupt)
	}
	size := binary.BigEndian.Uint32(src)
	if size > maxDecodedSize {
		return nil, fmt.Errorf("%w: decoded size %d too large", ErrCorrupt, size)
	}
	payload := src[lz4HeaderSize:]

	switch src[4] {
	case lz4Raw:
		if uint32(len(payload)) != size {
			return nil, fmt.Errorf("%w: raw length mismatch", ErrCorrupt)
		}
		out := make([]byte, size)
		copy(out, payload)
		return out, nil
	case lz4Compressed:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		if uint32(n) != size {
			return nil, fmt.Errorf("%w: decoded %d bytes, want %d", ErrCorrupt, n, size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown lz4 flag %d", ErrCorrupt, src[4])
	}
}
