package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/rutaops/dispatch/internal/app/auth"
	"github.com/rutaops/dispatch/internal/app/domain/depot"
	"github.com/rutaops/dispatch/internal/app/domain/user"
	"github.com/rutaops/dispatch/internal/app/engine"
	"github.com/rutaops/dispatch/internal/app/geo"
	"github.com/rutaops/dispatch/internal/app/live"
	"github.com/rutaops/dispatch/internal/app/optimizer"
	"github.com/rutaops/dispatch/internal/app/storage/memory"
	"github.com/rutaops/dispatch/internal/app/travel"
	"github.com/rutaops/dispatch/internal/app/webhook"
)

type apiFixture struct {
	server   *httptest.Server
	store    *memory.Store
	hub      *live.Hub
	operator user.User
	driver   user.User
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := memory.New()
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret123"), bcrypt.MinCost)
	require.NoError(t, err)
	operator, err := store.CreateUser(ctx, user.User{
		Email: "ops@example.com", PasswordHash: string(hash), Role: user.RoleOperator, IsActive: true,
	})
	require.NoError(t, err)
	driver, err := store.CreateUser(ctx, user.User{
		Email: "driver@example.com", PasswordHash: string(hash), Role: user.RoleDriver, IsActive: true,
	})
	require.NoError(t, err)

	_, err = store.CreateDepot(ctx, depot.Depot{
		Name: "Central", Lat: -33.45, Lng: -70.66, IsDefault: true, IsActive: true,
	})
	require.NoError(t, err)

	sessions := auth.NewManager(auth.Config{
		AccessSecret:  []byte("access-secret-which-is-long-enough-000"),
		RefreshSecret: []byte("refresh-secret-which-is-long-enough-00"),
	}, store, store, geo.SystemClock{}, nil)

	hub := live.NewHub(nil)
	cheap := travel.NewCheapProvider()
	eng := engine.New(engine.Options{
		Stores:    store.Stores(),
		Optimizer: optimizer.New(nil, cheap),
		Legs:      cheap,
		Hub:       hub,
	})

	handler := NewHandler(Deps{
		Engine:               eng,
		Stores:               store.Stores(),
		Sessions:             sessions,
		Hub:                  hub,
		Webhooks:             webhook.NewDispatcher(nil),
		PaymentWebhookSecret: "payment-secret",
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &apiFixture{server: srv, store: store, hub: hub, operator: operator, driver: driver}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) (*http.Response, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed apiResponse
	_ = json.NewDecoder(resp.Body).Decode(&parsed)
	return resp, parsed
}

func (f *apiFixture) login(t *testing.T, email string) (access, refresh string) {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": email, "password": "secret123", "deviceId": "test-device",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var data struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &data))
	return data.AccessToken, data.RefreshToken
}

func TestLoginAndMe(t *testing.T) {
	f := newAPIFixture(t)
	access, _ := f.login(t, "ops@example.com")

	resp, body := f.do(t, http.MethodGet, "/api/v1/auth/me", access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.Success)
	assert.Contains(t, string(body.Data), "ops@example.com")
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/v1/routes", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, body.Success)
}

func TestRefreshRotationAndReplay(t *testing.T) {
	f := newAPIFixture(t)
	_, refresh := f.login(t, "ops@example.com")

	resp, body := f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refreshToken": refresh})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var data struct {
		RefreshToken string `json:"refreshToken"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &data))
	require.NotEmpty(t, data.RefreshToken)

	// Replay of the rotated token: 401, stable error envelope.
	resp, body = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refreshToken": refresh})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, body.Success)

	// The replacement still works.
	resp, _ = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refreshToken": data.RefreshToken})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDriverCannotCreateRoutes(t *testing.T) {
	f := newAPIFixture(t)
	access, _ := f.login(t, "driver@example.com")

	resp, _ := f.do(t, http.MethodPost, "/api/v1/routes", access, map[string]string{"name": "nope"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRouteLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	access, _ := f.login(t, "ops@example.com")

	// Import a route with three geocoded stops.
	resp, body := f.do(t, http.MethodPost, "/api/v1/routes/import", access, map[string]any{
		"name":     "North loop",
		"driverId": f.driver.ID,
		"stops": []map[string]any{
			{"street": "Calle A", "lat": -33.46, "lng": -70.65, "customerName": "Ana"},
			{"street": "Calle B", "lat": -33.44, "lng": -70.67, "customerName": "Bruno"},
			{"street": "Calle C", "lat": -33.45, "lng": -70.68, "customerName": "Carla"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "import failed: %s", body.Error)

	var rt struct {
		ID    string `json:"id"`
		Stops []struct {
			ID string `json:"id"`
		} `json:"stops"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &rt))
	require.Len(t, rt.Stops, 3)

	resp, body = f.do(t, http.MethodPost, "/api/v1/routes/"+rt.ID+"/optimize", access,
		map[string]any{"driverStartTime": "09:00"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "optimize failed: %s", body.Error)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/routes/"+rt.ID+"/send", access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/routes/"+rt.ID+"/start", access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/routes/"+rt.ID+"/location", access,
		map[string]any{"latitude": -33.455, "longitude": -70.655})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Complete every stop; the route auto-completes.
	for _, st := range rt.Stops {
		resp, body = f.do(t, http.MethodPost,
			fmt.Sprintf("/api/v1/routes/%s/stops/%s/complete", rt.ID, st.ID), access,
			map[string]any{"status": "COMPLETED"})
		require.Equal(t, http.StatusOK, resp.StatusCode, "complete failed: %s", body.Error)
	}

	resp, body = f.do(t, http.MethodGet, "/api/v1/routes/"+rt.ID, access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body.Data), `"status":"COMPLETED"`)
}

func TestSSEStreamDeliversEvents(t *testing.T) {
	f := newAPIFixture(t)
	access, _ := f.login(t, "ops@example.com")

	resp, body := f.do(t, http.MethodPost, "/api/v1/routes", access, map[string]string{"name": "SSE route"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rt struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &rt))

	ctx, cancelReq := context.WithCancel(context.Background())
	defer cancelReq()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.server.URL+"/api/v1/routes/"+rt.ID+"/events?token="+access, nil)
	require.NoError(t, err)

	streamResp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer streamResp.Body.Close()
	require.Equal(t, "text/event-stream", streamResp.Header.Get("Content-Type"))

	reader := bufio.NewReader(streamResp.Body)
	readEvent := func() (string, string) {
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		}
	}

	event, data := readEvent()
	assert.Equal(t, live.EventConnected, event)
	assert.Contains(t, data, rt.ID)

	// Wait for the subscription to register, then broadcast.
	require.Eventually(t, func() bool { return f.hub.SubscriberCount(rt.ID) == 1 },
		2*time.Second, 10*time.Millisecond)
	f.hub.Broadcast(rt.ID, live.EventDriverLocation, map[string]any{"latitude": -33.45})

	event, data = readEvent()
	assert.Equal(t, live.EventDriverLocation, event)
	assert.Contains(t, data, "latitude")
}

func TestSSERequiresToken(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := f.server.Client().Get(f.server.URL + "/api/v1/routes/whatever/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPaymentWebhookSecret(t *testing.T) {
	f := newAPIFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/v1/payments/webhooks/verified",
		strings.NewReader(`{"transactionId":"tx-1"}`))
	require.NoError(t, err)
	req.Header.Set("X-Webhook-Secret", "wrong")
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
