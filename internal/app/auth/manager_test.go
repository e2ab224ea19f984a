package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/rutaops/dispatch/infrastructure/errors"
	"github.com/rutaops/dispatch/internal/app/domain/user"
	"github.com/rutaops/dispatch/internal/app/geo"
	"github.com/rutaops/dispatch/internal/app/storage/memory"
)

func newTestManager(t *testing.T) (*Manager, *memory.Store, user.User) {
	t.Helper()
	store := memory.New()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret123"), bcrypt.MinCost)
	require.NoError(t, err)
	u, err := store.CreateUser(context.Background(), user.User{
		Email:        "Driver@Example.com",
		PasswordHash: string(hash),
		Name:         "Test Driver",
		Role:         user.RoleDriver,
		IsActive:     true,
	})
	require.NoError(t, err)

	mgr := NewManager(Config{
		AccessSecret:  []byte("access-secret-which-is-long-enough-000"),
		RefreshSecret: []byte("refresh-secret-which-is-long-enough-00"),
		AccessTTL:     time.Hour,
		RefreshTTL:    7 * 24 * time.Hour,
	}, store, store, geo.SystemClock{}, nil)

	return mgr, store, u
}

func TestLoginIssuesValidPair(t *testing.T) {
	mgr, _, u := newTestManager(t)

	got, pair, err := mgr.Login(context.Background(), "driver@example.com", "secret123", "device-1", "android")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "device-1", pair.DeviceID)

	claims, err := mgr.ValidateAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.Subject)
	assert.Equal(t, string(user.RoleDriver), claims.Role)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, _, err := mgr.Login(context.Background(), "driver@example.com", "wrong", "device-1", "")
	require.Error(t, err)
	svcErr := apperrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, apperrors.ErrCodeUnauthenticated, svcErr.Code)
}

func TestLoginRejectsInactiveUser(t *testing.T) {
	mgr, store, u := newTestManager(t)
	u.IsActive = false
	_, err := store.UpdateUser(context.Background(), u)
	require.NoError(t, err)

	_, _, err = mgr.Login(context.Background(), u.Email, "secret123", "device-1", "")
	require.Error(t, err)
}

func TestRefreshRotatesAndInvalidatesOldToken(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, pair, err := mgr.Login(context.Background(), "driver@example.com", "secret123", "device-1", "")
	require.NoError(t, err)

	_, next, err := mgr.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	assert.Equal(t, "device-1", next.DeviceID, "device binding carries over")

	// Replaying the rotated token must fail without disclosing anything.
	_, _, err = mgr.Refresh(context.Background(), pair.RefreshToken)
	require.Error(t, err)
	svcErr := apperrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, apperrors.ErrCodeTokenInvalid, svcErr.Code)

	// The replacement keeps working until its own rotation.
	_, _, err = mgr.Refresh(context.Background(), next.RefreshToken)
	require.NoError(t, err)
}

func TestConcurrentRefreshExactlyOneWinner(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, pair, err := mgr.Login(context.Background(), "driver@example.com", "secret123", "device-1", "")
	require.NoError(t, err)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = mgr.Refresh(context.Background(), pair.RefreshToken)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "single-use refresh: exactly one concurrent rotation may win")
}

func TestRefreshRejectsGarbage(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, _, err := mgr.Refresh(context.Background(), "not-a-jwt")
	require.Error(t, err)
	svcErr := apperrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, apperrors.ErrCodeTokenInvalid, svcErr.Code)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, pair, err := mgr.Login(context.Background(), "driver@example.com", "secret123", "device-1", "")
	require.NoError(t, err)

	// An access token presented to refresh must be rejected: different
	// secret, different claims.
	_, _, err = mgr.Refresh(context.Background(), pair.AccessToken)
	require.Error(t, err)
}

func TestLoginSameDeviceRevokesPriorSession(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, first, err := mgr.Login(context.Background(), "driver@example.com", "secret123", "device-1", "")
	require.NoError(t, err)
	_, _, err = mgr.Login(context.Background(), "driver@example.com", "secret123", "device-1", "")
	require.NoError(t, err)

	// The first session's refresh token was revoked by the second login.
	_, _, err = mgr.Refresh(context.Background(), first.RefreshToken)
	require.Error(t, err)
}

func TestLogoutAllClearsPushToken(t *testing.T) {
	mgr, store, u := newTestManager(t)
	_, _, err := mgr.Login(context.Background(), "driver@example.com", "secret123", "device-1", "")
	require.NoError(t, err)
	require.NoError(t, store.SetPushToken(context.Background(), u.ID, "expo-token"))

	revoked, err := mgr.LogoutAll(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, revoked)

	got, err := store.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PushToken)
}

func TestLogoutSingleSession(t *testing.T) {
	mgr, _, u := newTestManager(t)
	_, deviceA, err := mgr.Login(context.Background(), "driver@example.com", "secret123", "device-a", "")
	require.NoError(t, err)
	_, deviceB, err := mgr.Login(context.Background(), "driver@example.com", "secret123", "device-b", "")
	require.NoError(t, err)

	require.NoError(t, mgr.Logout(context.Background(), u.ID, deviceA.RefreshToken))

	_, _, err = mgr.Refresh(context.Background(), deviceA.RefreshToken)
	require.Error(t, err, "logged-out session must not refresh")
	_, _, err = mgr.Refresh(context.Background(), deviceB.RefreshToken)
	require.NoError(t, err, "other device remains valid")
}
