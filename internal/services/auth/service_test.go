package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/storage/badger"
)

func newTestService(t *testing.T) (*Service, interfaces.StorageManager) {
	t.Helper()

	logger := arbor.NewLogger()
	storage, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	cfg := &common.AuthConfig{
		MaxAttempts:   5,
		LockoutWindow: "15m",
		SessionTTL:    "12h",
		AdminPassword: "bootstrap-secret",
	}
	svc, err := NewService(storage, cfg, logger)
	require.NoError(t, err)
	return svc, storage
}

func TestServiceSeedsRolesAndAdmin(t *testing.T) {
	svc, storage := newTestService(t)

	roles, err := storage.RoleStorage().List()
	require.NoError(t, err)
	assert.Len(t, roles, len(models.BuiltinRoles()))

	admin, err := storage.UserStorage().GetByUsername("admin")
	require.NoError(t, err)
	assert.True(t, admin.Enabled)
	assert.Equal(t, []string{"admin"}, admin.Roles)

	// Seeded credentials work
	token, err := svc.Login("admin", "bootstrap-secret")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestLoginFailuresLockAccount(t *testing.T) {
	svc, _ := newTestService(t)

	for i := 0; i < 5; i++ {
		_, err := svc.Login("admin", "wrong-password")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Even the right password is refused during the lockout window
	_, err := svc.Login("admin", "bootstrap-secret")
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.True(t, svc.IsLocked("admin"))
}

func TestResolveSessionCookie(t *testing.T) {
	svc, _ := newTestService(t)

	token, err := svc.Login("admin", "bootstrap-secret")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})

	p, err := svc.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PrincipalUser, p.Kind)
	assert.Equal(t, "admin", p.Username)
	assert.True(t, svc.CheckPermission(p, "jobs:view"))

	// Logout invalidates the session
	svc.Logout(token)
	p, err = svc.Resolve(r)
	require.NoError(t, err)
	assert.True(t, p.IsAnonymous())
}

func TestResolveAPIToken(t *testing.T) {
	svc, storage := newTestService(t)

	admin, err := storage.UserStorage().GetByUsername("admin")
	require.NoError(t, err)

	raw, created, err := svc.CreateToken(admin.ID, "automation", nil)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	assert.NotEqual(t, raw, created.TokenHash)

	r := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	r.Header.Set(TokenHeader, raw)

	p, err := svc.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PrincipalToken, p.Kind)
	assert.Equal(t, "admin", p.Username)

	// Revoked tokens stop resolving
	require.NoError(t, svc.RevokeToken(created.ID))
	p, err = svc.Resolve(r)
	require.NoError(t, err)
	assert.True(t, p.IsAnonymous())
}

func TestResolveExpiredToken(t *testing.T) {
	svc, storage := newTestService(t)

	admin, err := storage.UserStorage().GetByUsername("admin")
	require.NoError(t, err)

	expired := time.Now().Add(-time.Hour)
	raw, _, err := svc.CreateToken(admin.ID, "stale", &expired)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	r.Header.Set(TokenHeader, raw)

	p, err := svc.Resolve(r)
	require.NoError(t, err)
	assert.True(t, p.IsAnonymous())
}

func TestResolveWorkerHeader(t *testing.T) {
	svc, storage := newTestService(t)

	worker := models.NewWorker("edge-1", []string{"linux"})
	require.NoError(t, storage.WorkerStorage().Save(worker))

	r := httptest.NewRequest(http.MethodPost, "/api/workers/"+worker.ID+"/checkin", nil)
	r.Header.Set(WorkerHeader, worker.ID)

	p, err := svc.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PrincipalWorker, p.Kind)
	assert.Equal(t, worker.ID, p.WorkerID)

	// Workers hold no RBAC permissions
	assert.False(t, svc.CheckPermission(p, "jobs:view"))

	// Unknown worker ids resolve to anonymous
	r.Header.Set(WorkerHeader, "ghost")
	p, err = svc.Resolve(r)
	require.NoError(t, err)
	assert.True(t, p.IsAnonymous())
}

func TestDisabledUserRejected(t *testing.T) {
	svc, storage := newTestService(t)

	admin, err := storage.UserStorage().GetByUsername("admin")
	require.NoError(t, err)

	token, err := svc.Login("admin", "bootstrap-secret")
	require.NoError(t, err)

	admin.Enabled = false
	require.NoError(t, storage.UserStorage().Save(admin))

	// The live session stops resolving once the account is disabled
	r := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	p, err := svc.Resolve(r)
	require.NoError(t, err)
	assert.True(t, p.IsAnonymous())

	_, err = svc.Login("admin", "bootstrap-secret")
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestCanModifyOwnJob(t *testing.T) {
	svc, storage := newTestService(t)

	dev := models.NewUser("dev", "x", []string{"developer"})
	require.NoError(t, storage.UserStorage().Save(dev))

	p := &interfaces.Principal{
		Kind:     interfaces.PrincipalUser,
		Username: "dev",
		UserID:   dev.ID,
		Roles:    dev.Roles,
	}

	// The developer role carries jobs:cancel, which covers jobs.all
	assert.True(t, svc.CanModify(p, "jobs", "cancel", "someone-else"))
	assert.True(t, svc.CanModify(p, "jobs", "cancel", "dev"))
}
