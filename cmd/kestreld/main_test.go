package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelvmm/kestrel/cmd/kestreld/api"
	"github.com/kestrelvmm/kestrel/cmd/kestreld/config"
	"github.com/kestrelvmm/kestrel/lib/events"
	"github.com/kestrelvmm/kestrel/lib/guest"
	"github.com/kestrelvmm/kestrel/lib/lifecycle"
	"github.com/kestrelvmm/kestrel/lib/machine"
	"github.com/kestrelvmm/kestrel/lib/vcpu"
)

const testJWTSecret = "test-secret-key"

func generateValidJWT(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func newTestApplication(t *testing.T) *application {
	t.Helper()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := &config.Config{Port: "0", JwtSecret: testJWTSecret, Vcpus: 1}

	m, err := machine.New(machine.Definition{Name: "testbox", Vcpus: 1})
	require.NoError(t, err)

	pool := vcpu.NewPool(m.Vcpus(), func(ctx context.Context, cpu *vcpu.CPU) error {
		return nil
	}, log)
	t.Cleanup(pool.Close)

	broadcaster := events.NewBroadcaster(log)
	vm := lifecycle.New(pool, broadcaster)

	return &application{
		Ctx:         context.Background(),
		Logger:      log,
		Config:      cfg,
		Machine:     m,
		Pool:        pool,
		Broadcaster: broadcaster,
		VM:          vm,
		GuestAgent:  guest.NewAgent(vm, nil),
		ApiService:  api.New(cfg, vm, m, pool, broadcaster),
	}
}

func TestRouter_HealthUnauthenticated(t *testing.T) {
	router := newRouter(newTestApplication(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestRouter_StatusRequiresAuth(t *testing.T) {
	router := newRouter(newTestApplication(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_StatusWithValidToken(t *testing.T) {
	router := newRouter(newTestApplication(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer "+generateValidJWT(t))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"prelaunch"`)
}

func TestRouter_QuitWithValidToken(t *testing.T) {
	app := newTestApplication(t)
	router := newRouter(app, nil)

	req := httptest.NewRequest(http.MethodPost, "/quit", nil)
	req.Header.Set("Authorization", "Bearer "+generateValidJWT(t))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, app.VM.ShutdownRequested())
}
