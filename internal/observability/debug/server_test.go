package debug

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "kronos/pkg/logx"
)

func get(t *testing.T, h http.Handler, target, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusAndHealth(t *testing.T) {
	s := New(Config{Enabled: true}, func(context.Context) any {
		return map[string]int{"jobs": 3}
	}, logx.Nop())
	h := s.Handler()

	rec := get(t, h, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = get(t, h, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs":3}`, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestTokenRequired(t *testing.T) {
	h := New(Config{Enabled: true, Token: "s3cret"}, nil, logx.Nop()).Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", "wrong").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", "s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/debug/pprof/", "").Code)
}

func TestPprofIndex(t *testing.T) {
	h := New(Config{Enabled: true}, nil, logx.Nop()).Handler()
	rec := get(t, h, "/debug/pprof/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")
}

func TestServeRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	assert.ErrorIs(t, s.Serve(context.Background()), ErrInsecureBind)

	assert.True(t, isLoopback("127.0.0.1:6060"))
	assert.True(t, isLoopback("localhost:1"))
	assert.False(t, isLoopback(":6060"))
}

func TestServeStopsWithContext(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
