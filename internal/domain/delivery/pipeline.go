// Package delivery serves one chunk per request: it checks the session,
// resolves the chunk in the current window, encodes it, seals it with the
// session's ephemeral key and signs nonce||ciphertext with the active RSA key.
package delivery

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/scriptgate/internal/domain/chunk"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/encoding"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/keys"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/session"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/token"
)

// NonceSize is the AES-GCM nonce length.
const NonceSize = 12

// ErrSessionInvalid is returned when a verified token has no ephemeral key.
var ErrSessionInvalid = errors.New("session invalid or expired")

var tracer = otel.Tracer("github.com/Sentinel-Gate/scriptgate/internal/domain/delivery")

// TokenVerifier checks session tokens (token.Service).
type TokenVerifier interface {
	VerifyToken(ctx context.Context, tokenString string) (*token.Claims, error)
}

// SessionLookup resolves ephemeral keys (session.Store).
type SessionLookup interface {
	Lookup(ctx context.Context, tokenString string) (*session.Entry, error)
}

// ChunkSource resolves published chunks (chunk.Reader).
type ChunkSource interface {
	Current(ctx context.Context) (*chunk.Record, error)
	Fetch(ctx context.Context, rec *chunk.Record, index int) ([]byte, error)
}

// Signer signs with the active key (keys.Manager).
type Signer interface {
	Sign(ctx context.Context, data []byte) (keyID string, sig []byte, err error)
}

// Envelope is one sealed and signed chunk.
type Envelope struct {
	Nonce      []byte
	Ciphertext []byte
	Signature  []byte
	KeyID      string
	Encoding   string
}

// Response is the JSON form of an Envelope.
type Response struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Signature  string `json:"signature"`
	KeyID      string `json:"key_id"`
	Encoding   string `json:"encoding"`
}

// Response base64-encodes the envelope.
func (e *Envelope) Response() Response {
	return Response{
		Nonce:      base64.StdEncoding.EncodeToString(e.Nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(e.Ciphertext),
		Signature:  base64.StdEncoding.EncodeToString(e.Signature),
		KeyID:      e.KeyID,
		Encoding:   e.Encoding,
	}
}

// SignedData is the byte string covered by Signature.
func (e *Envelope) SignedData() []byte {
	out := make([]byte, 0, len(e.Nonce)+len(e.Ciphertext))
	out = append(out, e.Nonce...)
	return append(out, e.Ciphertext...)
}

// Pipeline holds the collaborators of GetChunk. It has no mutable state.
type Pipeline struct {
	tokens   TokenVerifier
	sessions SessionLookup
	chunks   ChunkSource
	encoder  encoding.Encoder
	signer   Signer
	logger   *slog.Logger
	rand     io.Reader
}

// NewPipeline creates a Pipeline.
func NewPipeline(tokens TokenVerifier, sessions SessionLookup, chunks ChunkSource, encoder encoding.Encoder, signer Signer, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		tokens:   tokens,
		sessions: sessions,
		chunks:   chunks,
		encoder:  encoder,
		signer:   signer,
		logger:   logger,
		rand:     rand.Reader,
	}
}

// GetChunk runs the delivery steps in order. Each step's failure is wrapped
// with the step name and keeps its sentinel.
func (p *Pipeline) GetChunk(ctx context.Context, index int, tokenString string) (env *Envelope, err error) {
	ctx, span := tracer.Start(ctx, "delivery.get_chunk", trace.WithAttributes(attribute.Int("chunk.index", index)))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if _, err := p.tokens.VerifyToken(ctx, tokenString); err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	entry, err := p.sessions.Lookup(ctx, tokenString)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}

	rec, err := p.chunks.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("chunk record: %w", err)
	}
	span.SetAttributes(attribute.Int64("chunk.window", rec.Window))
	if !rec.InRange(index) {
		return nil, fmt.Errorf("%w: index %d outside [0, %d)", chunk.ErrChunkNotFound, index, rec.Total)
	}

	raw, err := p.chunks.Fetch(ctx, rec, index)
	if err != nil {
		return nil, fmt.Errorf("chunk fetch: %w", err)
	}

	encoded, err := p.encoder.Encode(raw)
	if err != nil {
		return nil, fmt.Errorf("encode chunk: %w", err)
	}

	nonce, ciphertext, err := p.seal(ctx, entry.Key, encoded)
	if err != nil {
		return nil, err
	}

	env = &Envelope{Nonce: nonce, Ciphertext: ciphertext, Encoding: p.encoder.Name()}
	env.KeyID, env.Signature, err = p.sign(ctx, env.SignedData())
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (p *Pipeline) seal(ctx context.Context, key, plaintext []byte) ([]byte, []byte, error) {
	_, span := tracer.Start(ctx, "delivery.seal")
	defer span.End()

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(p.rand, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext, err := Seal(key, nonce, plaintext)
	if err != nil {
		return nil, nil, err
	}
	return nonce, ciphertext, nil
}

func (p *Pipeline) sign(ctx context.Context, data []byte) (string, []byte, error) {
	ctx, span := tracer.Start(ctx, "delivery.sign")
	defer span.End()

	keyID, sig, err := p.signer.Sign(ctx, data)
	if err != nil {
		if errors.Is(err, keys.ErrKeyNotFound) || errors.Is(err, keys.ErrSecretStore) {
			p.logger.Error("signing key unavailable", "error", err)
		}
		span.SetStatus(codes.Error, err.Error())
		return "", nil, fmt.Errorf("sign chunk: %w", err)
	}
	span.SetAttributes(attribute.String("key_id", keyID))
	return keyID, sig, nil
}

// Seal encrypts plaintext with AES-256-GCM and no associated data. The tag is
// appended to the returned ciphertext.
func Seal(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce is %d bytes, want %d", len(nonce), aead.NonceSize())
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce is %d bytes, want %d", len(nonce), aead.NonceSize())
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}
