package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	connapp "github.com/felixgeelhaar/vitalsync/internal/connections/application"
	conndomain "github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

// stateTTL bounds how long a consent page may stay open.
const stateTTL = 10 * time.Minute

// ConnectionService manages provider connections.
type ConnectionService interface {
	Connections(ctx context.Context, userID uuid.UUID) ([]connapp.Connection, error)
	AuthURL(provider providers.Provider, state string) (string, error)
	Connect(ctx context.Context, userID uuid.UUID, provider providers.Provider, code string) (*conndomain.TokenPair, error)
	Disconnect(ctx context.Context, userID uuid.UUID, provider providers.Provider) error
}

// ConnectionsHandler handles the OAuth connect flow and connection listing.
type ConnectionsHandler struct {
	service ConnectionService
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	states map[string]pendingConnect
}

type pendingConnect struct {
	userID   uuid.UUID
	provider providers.Provider
	expires  time.Time
}

// NewConnectionsHandler creates a new connections handler.
func NewConnectionsHandler(service ConnectionService, logger *slog.Logger) *ConnectionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionsHandler{
		service: service,
		logger:  logger,
		now:     time.Now,
		states:  make(map[string]pendingConnect),
	}
}

// ListConnections handles GET /api/v1/users/{userID}/connections
func (h *ConnectionsHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	connections, err := h.service.Connections(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list connections", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list connections")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"connections": connections})
}

// Authorize handles POST /api/v1/users/{userID}/connections/{provider} and
// returns the consent URL to send the user to.
func (h *ConnectionsHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	userID, provider, ok := h.parseTarget(w, r)
	if !ok {
		return
	}

	state, err := randomState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create state")
		return
	}
	url, err := h.service.AuthURL(provider, state)
	if err != nil {
		if errors.Is(err, connapp.ErrNoAuthorizer) {
			writeError(w, http.StatusBadRequest, provider.String()+" is not configured")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to build authorization URL")
		return
	}

	h.mu.Lock()
	h.pruneLocked()
	h.states[state] = pendingConnect{userID: userID, provider: provider, expires: h.now().Add(stateTTL)}
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"authorization_url": url, "state": state})
}

// Callback handles GET /oauth/{provider}/callback, the provider redirect
// that completes the connect flow.
func (h *ConnectionsHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider, err := providers.ParseProvider(r.PathValue("provider"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	q := r.URL.Query()
	if reason := q.Get("error"); reason != "" {
		writeError(w, http.StatusBadRequest, "Authorization denied: "+reason)
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "Missing code or state")
		return
	}

	h.mu.Lock()
	pending, ok := h.states[state]
	delete(h.states, state)
	h.mu.Unlock()
	if !ok || pending.provider != provider || h.now().After(pending.expires) {
		writeError(w, http.StatusBadRequest, "Unknown or expired state")
		return
	}

	if _, err := h.service.Connect(r.Context(), pending.userID, provider, code); err != nil {
		h.logger.Error("failed to complete connect", "user_id", pending.userID, "provider", provider, "error", err)
		writeError(w, http.StatusBadGateway, "Failed to exchange authorization code")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "connected", "provider": provider.String()})
}

// Disconnect handles DELETE /api/v1/users/{userID}/connections/{provider}
func (h *ConnectionsHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, provider, ok := h.parseTarget(w, r)
	if !ok {
		return
	}
	if err := h.service.Disconnect(r.Context(), userID, provider); err != nil {
		if errors.Is(err, connapp.ErrNotConnected) {
			writeError(w, http.StatusNotFound, provider.String()+" is not connected")
			return
		}
		h.logger.Error("failed to disconnect", "user_id", userID, "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to disconnect")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConnectionsHandler) parseTarget(w http.ResponseWriter, r *http.Request) (uuid.UUID, providers.Provider, bool) {
	userID, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return uuid.Nil, "", false
	}
	provider, err := providers.ParseProvider(r.PathValue("provider"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return uuid.Nil, "", false
	}
	return userID, provider, true
}

func (h *ConnectionsHandler) pruneLocked() {
	now := h.now()
	for state, pending := range h.states {
		if now.After(pending.expires) {
			delete(h.states, state)
		}
	}
}

func randomState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
