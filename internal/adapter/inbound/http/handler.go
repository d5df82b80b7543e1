package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/Sentinel-Gate/scriptgate/internal/domain/delivery"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/keys"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/telemetry"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/token"
)

// Authenticator issues tokens for known users (service.AuthService).
type Authenticator interface {
	Authenticate(ctx context.Context, ip string, userID int64, username string) (*token.Issued, error)
}

// ChunkGetter serves sealed chunks (delivery.Pipeline).
type ChunkGetter interface {
	GetChunk(ctx context.Context, index int, tokenString string) (*delivery.Envelope, error)
}

// TelemetryRecorder queues telemetry (service.TelemetryService).
type TelemetryRecorder interface {
	Record(userID int64, event telemetry.Event) error
}

// KeySet exposes retained public keys (keys.Manager).
type KeySet interface {
	ListKeys(ctx context.Context) ([]*keys.PublicKey, error)
	ActiveKeyID(ctx context.Context) (string, error)
}

// Handler holds the API collaborators.
type Handler struct {
	auth      Authenticator
	chunks    ChunkGetter
	tokens    delivery.TokenVerifier
	telemetry TelemetryRecorder
	keys      KeySet
	metrics   *Metrics
}

// NewHandler creates the API handler. metrics may be nil.
func NewHandler(auth Authenticator, chunks ChunkGetter, tokens delivery.TokenVerifier, telemetry TelemetryRecorder, keySet KeySet, metrics *Metrics) *Handler {
	return &Handler{
		auth:      auth,
		chunks:    chunks,
		tokens:    tokens,
		telemetry: telemetry,
		keys:      keySet,
		metrics:   metrics,
	}
}

// Register mounts the API routes on mux under prefix ("" or "/api").
func (h *Handler) Register(mux *http.ServeMux, prefix string) {
	prefix = strings.TrimRight(prefix, "/")
	mux.HandleFunc("POST "+prefix+"/auth/auth", h.handleAuth)
	mux.HandleFunc("GET "+prefix+"/script/script_chunk/{chunk_index}", h.handleChunk)
	mux.HandleFunc("POST "+prefix+"/telemetry", h.handleTelemetry)
	mux.HandleFunc("GET "+prefix+"/keys", h.handleKeys)
}

// AuthRequest is the body of POST /auth/auth.
type AuthRequest struct {
	UserID   *int64 `json:"user_id"`
	Username string `json:"username"`
}

// AuthResponse is returned on successful authentication.
type AuthResponse struct {
	SessionToken string    `json:"session_token"`
	EphemeralKey string    `json:"ephemeral_key"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (h *Handler) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == nil || req.Username == "" {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest)
		return
	}

	issued, err := h.auth.Authenticate(r.Context(), ClientIPFromContext(r.Context()), *req.UserID, req.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, AuthResponse{
		SessionToken: issued.Token,
		EphemeralKey: base64.StdEncoding.EncodeToString(issued.EphemeralKey),
		ExpiresAt:    issued.ExpiresAt.UTC(),
	})
}

func (h *Handler) handleChunk(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("chunk_index"))
	if err != nil {
		h.countChunk(ReasonInvalidRequest)
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest)
		return
	}

	env, err := h.chunks.GetChunk(r.Context(), index, r.URL.Query().Get("token"))
	if err != nil {
		status, _ := classify(err)
		switch status {
		case http.StatusUnauthorized:
			h.countChunk("unauthorized")
		case http.StatusNotFound:
			h.countChunk("not_found")
		default:
			h.countChunk("error")
		}
		writeError(w, r, err)
		return
	}

	h.countChunk("ok")
	writeJSON(w, http.StatusOK, env.Response())
}

func (h *Handler) countChunk(result string) {
	if h.metrics != nil {
		h.metrics.ChunksServed.WithLabelValues(result).Inc()
	}
}

// TelemetryRequest is the body of POST /telemetry.
type TelemetryRequest struct {
	Event   string          `json:"event"`
	Details json.RawMessage `json:"details"`
}

func (h *Handler) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.VerifyToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req TelemetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeReason(w, http.StatusBadRequest, ReasonInvalidRequest)
		return
	}

	if err := h.telemetry.Record(claims.UserID, telemetry.Event{Name: req.Event, Details: req.Details}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged"})
}

// KeysResponse is a JWKS plus the id of the key currently signing.
type KeysResponse struct {
	jose.JSONWebKeySet
	ActiveKeyID string `json:"active_key_id"`
}

func (h *Handler) handleKeys(w http.ResponseWriter, r *http.Request) {
	resp, err := buildKeySet(r.Context(), h.keys)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, resp)
}

// buildKeySet converts every retained public key to a JWK.
func buildKeySet(ctx context.Context, ks KeySet) (*KeysResponse, error) {
	active, err := ks.ActiveKeyID(ctx)
	if err != nil && !errors.Is(err, keys.ErrKeyNotFound) {
		return nil, err
	}
	pubs, err := ks.ListKeys(ctx)
	if err != nil {
		return nil, err
	}

	resp := &KeysResponse{ActiveKeyID: active}
	resp.Keys = make([]jose.JSONWebKey, 0, len(pubs))
	for _, pub := range pubs {
		resp.Keys = append(resp.Keys, jose.JSONWebKey{
			Key:       pub.Key,
			KeyID:     pub.ID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		})
	}
	return resp, nil
}
