package connguard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Status
	}{
		{"ok is reachable", http.StatusOK, Reachable},
		{"unauthorized is reachable", http.StatusUnauthorized, Reachable},
		{"forbidden is reachable", http.StatusForbidden, Reachable},
		{"not found is reachable", http.StatusNotFound, Reachable},
		{"server error is unreachable", http.StatusInternalServerError, Unreachable},
		{"bad gateway is unreachable", http.StatusBadGateway, Unreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			g := New(srv.Client(), nil)
			res := g.Check(context.Background(), Settings{URI: srv.URL}, true)

			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestCheck_NetworkErrorIsUnreachable(t *testing.T) {
	g := New(nil, nil)
	res := g.Check(context.Background(), Settings{URI: "http://127.0.0.1:1"}, true)

	assert.Equal(t, Unreachable, res.Status)
	require.Error(t, res.Err)
}

func TestCheck_Cooldown(t *testing.T) {
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := time.Now()
	g := New(srv.Client(), nil, WithNowFunc(func() time.Time { return now }), WithCooldown(5*time.Second))

	g.Check(context.Background(), Settings{URI: srv.URL}, false)
	g.Check(context.Background(), Settings{URI: srv.URL}, false)
	assert.Equal(t, 1, calls, "second non-forced check within cooldown should reuse the cached result")

	now = now.Add(6 * time.Second)
	g.Check(context.Background(), Settings{URI: srv.URL}, false)
	assert.Equal(t, 2, calls, "a check past the cooldown window should probe again")
}

func TestCheck_ForceBypassesCooldown(t *testing.T) {
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := New(srv.Client(), nil)
	g.Check(context.Background(), Settings{URI: srv.URL}, true)
	g.Check(context.Background(), Settings{URI: srv.URL}, true)

	assert.Equal(t, 2, calls)
}

func TestCheck_OfflineSignalShortCircuits(t *testing.T) {
	g := New(nil, nil, WithOfflineSignal(func() bool { return true }))

	res := g.Check(context.Background(), Settings{URI: "http://example.invalid"}, true)
	assert.Equal(t, Unreachable, res.Status)
}

func TestSetStatus(t *testing.T) {
	g := New(nil, nil)

	g.SetStatus(Reachable, nil)
	assert.Equal(t, Reachable, g.Last().Status)
}
