package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	connapp "github.com/felixgeelhaar/vitalsync/internal/connections/application"
	conndomain "github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

type mockConnectionService struct {
	connections  []connapp.Connection
	connected    []uuid.UUID
	disconnected  []providers.Provider
	connectErr    error
	disconnectErr error
}

func (m *mockConnectionService) Connections(ctx context.Context, userID uuid.UUID) ([]connapp.Connection, error) {
	return m.connections, nil
}

func (m *mockConnectionService) AuthURL(provider providers.Provider, state string) (string, error) {
	if provider == providers.ProviderWithings {
		return "", connapp.ErrNoAuthorizer
	}
	return "https://consent.example/?state=" + state, nil
}

func (m *mockConnectionService) Connect(ctx context.Context, userID uuid.UUID, provider providers.Provider, code string) (*conndomain.TokenPair, error) {
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	m.connected = append(m.connected, userID)
	return &conndomain.TokenPair{UserID: userID, Provider: provider}, nil
}

func (m *mockConnectionService) Disconnect(ctx context.Context, userID uuid.UUID, provider providers.Provider) error {
	if m.disconnectErr != nil {
		return m.disconnectErr
	}
	m.disconnected = append(m.disconnected, provider)
	return nil
}

func serve(handler http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestConnectionsHandler_ListConnections(t *testing.T) {
	svc := &mockConnectionService{connections: []connapp.Connection{
		{Provider: providers.ProviderFitbit, ExpiresAt: apiNow, Scopes: []string{"activity"}},
	}}
	server := NewServer(DefaultServerConfig(), Handlers{Connections: NewConnectionsHandler(svc, nil)}, nil)

	rec := serve(server.Handler(), http.MethodGet, "/api/v1/users/"+apiUser.String()+"/connections")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Connections []connapp.Connection `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Connections, 1)
	assert.Equal(t, providers.ProviderFitbit, body.Connections[0].Provider)
}

func TestConnectionsHandler_ConnectFlow(t *testing.T) {
	svc := &mockConnectionService{}
	handler := NewConnectionsHandler(svc, nil)
	server := NewServer(DefaultServerConfig(), Handlers{Connections: handler}, nil)

	rec := serve(server.Handler(), http.MethodPost, "/api/v1/users/"+apiUser.String()+"/connections/fitbit")
	require.Equal(t, http.StatusOK, rec.Code)
	var auth map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &auth))
	state := auth["state"]
	require.NotEmpty(t, state)
	assert.Contains(t, auth["authorization_url"], state)

	// A state issued for fitbit does not complete a withings callback.
	rec = serve(server.Handler(), http.MethodGet, "/oauth/withings/callback?code=abc&state="+state)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server.Handler(), http.MethodPost, "/api/v1/users/"+apiUser.String()+"/connections/fitbit")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &auth))
	rec = serve(server.Handler(), http.MethodGet, "/oauth/fitbit/callback?code=abc&state="+auth["state"])
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{apiUser}, svc.connected)

	// States are single use.
	rec = serve(server.Handler(), http.MethodGet, "/oauth/fitbit/callback?code=abc&state="+auth["state"])
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectionsHandler_ExpiredState(t *testing.T) {
	svc := &mockConnectionService{}
	handler := NewConnectionsHandler(svc, nil)
	clock := apiNow
	handler.now = func() time.Time { return clock }
	server := NewServer(DefaultServerConfig(), Handlers{Connections: handler}, nil)

	rec := serve(server.Handler(), http.MethodPost, "/api/v1/users/"+apiUser.String()+"/connections/fitbit")
	var auth map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &auth))

	clock = clock.Add(stateTTL + time.Second)
	rec = serve(server.Handler(), http.MethodGet, "/oauth/fitbit/callback?code=abc&state="+auth["state"])
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.connected)
}

func TestConnectionsHandler_Errors(t *testing.T) {
	svc := &mockConnectionService{connectErr: errors.New("exchange failed")}
	server := NewServer(DefaultServerConfig(), Handlers{Connections: NewConnectionsHandler(svc, nil)}, nil)

	rec := serve(server.Handler(), http.MethodPost, "/api/v1/users/"+apiUser.String()+"/connections/withings")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unconfigured provider")

	rec = serve(server.Handler(), http.MethodPost, "/api/v1/users/"+apiUser.String()+"/connections/garmin")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server.Handler(), http.MethodGet, "/oauth/fitbit/callback?error=access_denied")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server.Handler(), http.MethodPost, "/api/v1/users/"+apiUser.String()+"/connections/fitbit")
	var auth map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &auth))
	rec = serve(server.Handler(), http.MethodGet, "/oauth/fitbit/callback?code=abc&state="+auth["state"])
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestConnectionsHandler_Disconnect(t *testing.T) {
	svc := &mockConnectionService{}
	server := NewServer(DefaultServerConfig(), Handlers{Connections: NewConnectionsHandler(svc, nil)}, nil)

	rec := serve(server.Handler(), http.MethodDelete, "/api/v1/users/"+apiUser.String()+"/connections/fitbit")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []providers.Provider{providers.ProviderFitbit}, svc.disconnected)

	t.Run("not connected", func(t *testing.T) {
		svc := &mockConnectionService{disconnectErr: fmt.Errorf("load withings token: %w", connapp.ErrNotConnected)}
		server := NewServer(DefaultServerConfig(), Handlers{Connections: NewConnectionsHandler(svc, nil)}, nil)

		rec := serve(server.Handler(), http.MethodDelete, "/api/v1/users/"+apiUser.String()+"/connections/withings")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "withings is not connected")
	})

	t.Run("store failure", func(t *testing.T) {
		svc := &mockConnectionService{disconnectErr: errors.New("database is locked")}
		server := NewServer(DefaultServerConfig(), Handlers{Connections: NewConnectionsHandler(svc, nil)}, nil)

		rec := serve(server.Handler(), http.MethodDelete, "/api/v1/users/"+apiUser.String()+"/connections/fitbit")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
