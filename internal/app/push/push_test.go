package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rutaops/dispatch/internal/app/domain/user"
	"github.com/rutaops/dispatch/internal/app/storage/memory"
)

func seedDriver(t *testing.T, store *memory.Store, token string) user.User {
	t.Helper()
	u, err := store.CreateUser(context.Background(), user.User{
		Email: "d@example.com", PasswordHash: "x", Role: user.RoleDriver, IsActive: true, PushToken: token,
	})
	require.NoError(t, err)
	return u
}

func TestSendToUserDataOnlyMessage(t *testing.T) {
	var got message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"data":{"status":"ok"}}`)
	}))
	defer srv.Close()

	store := memory.New()
	u := seedDriver(t, store, "expo-token-1")
	n := NewNotifier(Config{Endpoint: srv.URL}, store, nil)

	ok := n.SendToUser(context.Background(), u.ID, Notification{
		Title: "New route",
		Body:  "Route North is ready",
		Data:  map[string]string{"routeId": "r1"},
	})
	require.True(t, ok)

	assert.Equal(t, "expo-token-1", got.To)
	// Title and body ride inside the data map so delivery is uniform.
	assert.Equal(t, "New route", got.Data["title"])
	assert.Equal(t, "Route North is ready", got.Data["body"])
	assert.Equal(t, "r1", got.Data["routeId"])
}

func TestSendToUserWithoutTokenReturnsFalse(t *testing.T) {
	store := memory.New()
	u := seedDriver(t, store, "")
	n := NewNotifier(Config{Endpoint: "http://localhost:1"}, store, nil)

	assert.False(t, n.SendToUser(context.Background(), u.ID, Notification{Title: "x"}))
}

func TestStaleTokenIsCleared(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"errors":[{"code":"DeviceNotRegistered"}]}`)
	}))
	defer srv.Close()

	store := memory.New()
	u := seedDriver(t, store, "stale-token")
	n := NewNotifier(Config{Endpoint: srv.URL}, store, nil)

	ok := n.SendToUser(context.Background(), u.ID, Notification{Title: "x"})
	assert.False(t, ok)

	got, err := store.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PushToken, "stale token must be pruned")
}

func TestProviderErrorNeverPanics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := memory.New()
	u := seedDriver(t, store, "token")
	n := NewNotifier(Config{Endpoint: srv.URL}, store, nil)

	assert.False(t, n.SendToUser(context.Background(), u.ID, Notification{Title: "x"}))
}

func TestDisabledNotifier(t *testing.T) {
	store := memory.New()
	u := seedDriver(t, store, "token")
	n := NewNotifier(Config{}, store, nil)
	assert.False(t, n.SendToUser(context.Background(), u.ID, Notification{Title: "x"}))
}
