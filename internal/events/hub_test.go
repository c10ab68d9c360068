package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regintel/blacklist/internal/models"
)

// startHub runs a hub and exposes it via a websocket test server.
func startHub(t *testing.T) (*Hub, string) {
	t.Helper()

	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d clients (have %d)", want, hub.ClientCount())
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func TestSubscriberReceivesLifecycleEvents(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	waitForClients(t, hub, 1)

	hub.PublishCollectionStarted("REGTECH", models.TriggerManual)
	ev := readEvent(t, conn)
	assert.Equal(t, TypeCollectionStarted, ev.Type)
	assert.Equal(t, "REGTECH", ev.Service)
	data := ev.Data.(map[string]any)
	assert.Equal(t, "manual", data["trigger"])

	hub.PublishCollectionFinished("REGTECH", models.UpsertResult{Inserted: 5, Updated: 2}, 1500*time.Millisecond)
	ev = readEvent(t, conn)
	assert.Equal(t, TypeCollectionFinished, ev.Type)
	data = ev.Data.(map[string]any)
	assert.Equal(t, float64(5), data["inserted"])
	assert.Equal(t, float64(2), data["updated"])
	assert.Equal(t, float64(1500), data["duration_ms"])

	hub.PublishSweepCompleted(3, 1)
	ev = readEvent(t, conn)
	assert.Equal(t, TypeSweepCompleted, ev.Type)
}

func TestEveryClientGetsTheBroadcast(t *testing.T) {
	hub, url := startHub(t)
	first := dial(t, url)
	second := dial(t, url)
	waitForClients(t, hub, 2)

	hub.PublishCollectionFailed("REGTECH", "login rejected")

	for _, conn := range []*websocket.Conn{first, second} {
		ev := readEvent(t, conn)
		assert.Equal(t, TypeCollectionFailed, ev.Type)
		assert.Equal(t, "login rejected", ev.Data.(map[string]any)["error"])
	}
}

func TestClientCountTracksDisconnects(t *testing.T) {
	hub, url := startHub(t)
	first := dial(t, url)
	_ = dial(t, url)
	waitForClients(t, hub, 2)

	require.NoError(t, first.Close())
	waitForClients(t, hub, 1)
}

func TestPublishNeverBlocksWithoutRun(t *testing.T) {
	hub := NewHub(nil)

	// More events than the broadcast buffer holds; the overflow is
	// dropped rather than wedging the publisher.
	for i := 0; i < 300; i++ {
		hub.PublishStatusChanged("REGTECH", models.StateRunning)
	}
	assert.Zero(t, hub.ClientCount())
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin header", nil, "", "svc.internal", true},
		{"wildcard", []string{"*"}, "https://anywhere.example", "svc.internal", true},
		{"exact match", []string{"https://ui.example.com"}, "https://ui.example.com", "svc.internal", true},
		{"case insensitive", []string{"https://ui.example.com"}, "HTTPS://UI.EXAMPLE.COM", "svc.internal", true},
		{"same host fallback", nil, "http://127.0.0.1:9090", "127.0.0.1:9090", true},
		{"foreign origin", []string{"https://ui.example.com"}, "https://evil.example", "svc.internal", false},
	}
	for _, tc := range tests {
		check := originChecker(tc.allowed)
		req := httptest.NewRequest(http.MethodGet, "http://"+tc.host+"/ws", nil)
		req.Host = tc.host
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		assert.Equal(t, tc.want, check(req), tc.name)
	}
}
