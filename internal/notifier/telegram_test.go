package notifier

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type telegramServer struct {
	mu       sync.Mutex
	failures int
	texts    []string
}

func (s *telegramServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.URL.Path != "/bottoken/sendMessage" || r.FormValue("chat_id") != "42" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if s.failures > 0 {
		s.failures--
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	s.texts = append(s.texts, r.FormValue("text"))
}

func newTestNotifier(t *testing.T, failures, retries int) (*TelegramNotifier, *telegramServer) {
	srv := &telegramServer{failures: failures}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	n := NewTelegramNotifier("token", "42", "", retries, 0)
	n.apiURL = ts.URL
	n.client = ts.Client()
	return n, srv
}

func TestTelegramNotifier_Send(t *testing.T) {
	n, srv := newTestNotifier(t, 0, 1)
	require.NoError(t, n.Send("order settled"))
	assert.Equal(t, []string{"order settled"}, srv.texts)
}

func TestTelegramNotifier_SendWithRetry(t *testing.T) {
	n, srv := newTestNotifier(t, 2, 3)
	require.NoError(t, n.SendWithRetry("swap failed"))
	assert.Equal(t, []string{"swap failed"}, srv.texts)

	n, srv = newTestNotifier(t, 5, 2)
	err := n.SendWithRetry("swap failed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Empty(t, srv.texts)
}

func TestTelegramNotifier_RetryWithNotification(t *testing.T) {
	n, srv := newTestNotifier(t, 0, 2)

	calls := 0
	boom := errors.New("boom")
	err := n.RetryWithNotification(func() error {
		calls++
		return boom
	}, "dispatch")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
	require.Len(t, srv.texts, 1)
	assert.Contains(t, srv.texts[0], "dispatch failed after 2 attempts")
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	assert.NoError(t, n.Send("x"))
	assert.NoError(t, n.SendWithRetry("x"))
	called := false
	assert.NoError(t, n.RetryWithNotification(func() error { called = true; return nil }, "x"))
	assert.True(t, called)
}
