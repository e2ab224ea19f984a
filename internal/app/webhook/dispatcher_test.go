package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFastDispatcher removes the backoff sleep so retry tests run instantly.
func newFastDispatcher() *Dispatcher {
	d := NewDispatcher(nil)
	d.backoff = func(int) time.Duration { return 0 }
	return d
}

func TestDispatchSuccess(t *testing.T) {
	var gotEvent, gotSignature, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get("X-Webhook-Event")
		gotSignature = r.Header.Get("X-Webhook-Signature")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result := newFastDispatcher().Dispatch(context.Background(), srv.URL, "stop.completed",
		map[string]string{"routeId": "r1"}, "shared-secret", 3)

	require.True(t, result.OK)
	assert.Equal(t, http.StatusOK, result.HTTPStatus)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "stop.completed", gotEvent)
	assert.Equal(t, "application/json", gotContentType)

	// The receiver recomputing the HMAC must reproduce the header exactly.
	mac := hmac.New(sha256.New, []byte("shared-secret"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, gotSignature)
}

func TestDispatchWithoutSecretOmitsSignature(t *testing.T) {
	var hasSignature bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasSignature = r.Header["X-Webhook-Signature"]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	result := newFastDispatcher().Dispatch(context.Background(), srv.URL, "route.started", struct{}{}, "", 1)
	require.True(t, result.OK)
	assert.False(t, hasSignature)
}

func TestDispatch4xxIsTerminal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	result := newFastDispatcher().Dispatch(context.Background(), srv.URL, "eta.updated", struct{}{}, "", 3)

	assert.False(t, result.OK)
	assert.Equal(t, http.StatusBadRequest, result.HTTPStatus)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestDispatch5xxRetriesUntilSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result := newFastDispatcher().Dispatch(context.Background(), srv.URL, "route.completed", struct{}{}, "", 3)

	assert.True(t, result.OK)
	assert.Equal(t, 3, result.Attempts)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestDispatchExhaustsAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	result := newFastDispatcher().Dispatch(context.Background(), srv.URL, "stop.failed", struct{}{}, "", 3)

	assert.False(t, result.OK)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestDispatchNetworkErrorRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close() // connection refused from here on

	result := newFastDispatcher().Dispatch(context.Background(), url, "stop.completed", struct{}{}, "", 2)
	assert.False(t, result.OK)
	assert.Equal(t, 2, result.Attempts)
	assert.Error(t, result.Err)
}

func TestSignIsDeterministic(t *testing.T) {
	body := []byte(`{"event":"stop.completed"}`)
	assert.Equal(t, Sign("s", body), Sign("s", body))
	assert.NotEqual(t, Sign("s", body), Sign("other", body))
}
