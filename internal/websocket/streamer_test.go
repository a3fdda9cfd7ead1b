package websocket

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incrypt/backend/internal/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dial(t *testing.T, srv *httptest.Server, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	return websocket.DefaultDialer.Dial(url, header)
}

func TestStreamerForwardsFilteredEvents(t *testing.T) {
	bus := events.NewBus(quietLogger())
	s := NewStreamer(bus, "*", quietLogger())
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn, _, err := dial(t, srv, "?events="+events.TypeSignalIssued, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello map[string]string
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello["type"])
	assert.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 10*time.Millisecond)

	bus.Emit(events.TypeReceiptStored, "abc", map[string]interface{}{"hash": "abc"})
	bus.Emit(events.TypeSignalIssued, "nova", map[string]interface{}{"symbol": "BTC/USD"})

	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.TypeSignalIssued, got.Type)
	assert.Equal(t, "nova", got.Subject)
	assert.Equal(t, "BTC/USD", got.Data["symbol"])
}

func TestStreamerRejectsForeignOrigin(t *testing.T) {
	s := NewStreamer(events.NewBus(quietLogger()), "https://incrypt.example", quietLogger())
	srv := httptest.NewServer(s)
	defer srv.Close()

	_, resp, err := dial(t, srv, "", http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStreamerDropsClientOnDisconnect(t *testing.T) {
	bus := events.NewBus(quietLogger())
	s := NewStreamer(bus, "", quietLogger())
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn, _, err := dial(t, srv, "", nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return bus.SubscriberCount() == 0 && s.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
