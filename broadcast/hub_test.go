package broadcast

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
	"go.uber.org/zap"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(context.Background(), zap.NewNop().Sugar())
	go hub.Start()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	// Coalesced writes separate messages with newlines; take the first.
	if idx := strings.IndexByte(string(data), '\n'); idx >= 0 {
		data = data[:idx]
	}
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func waitForSubscribers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.SubscriberCount() == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PublishReachesSubscriber(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "")
	waitForSubscribers(t, hub, 1)

	hub.Publish(TopicAlarms, "created", "a-1", map[string]string{"state": "NEW"})

	msg := readMessage(t, conn)
	assert.Equal(t, TopicAlarms, msg.Topic)
	assert.Equal(t, "created", msg.Type)
	assert.Equal(t, "a-1", msg.ID)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestHub_TopicFiltering(t *testing.T) {
	hub, srv := newTestHub(t)
	alarmsOnly := dial(t, srv, "?topic=alarms")
	waitForSubscribers(t, hub, 1)

	hub.Publish(TopicEvents, "event.ingested", "e-1", nil)
	hub.Publish(TopicAlarms, "created", "a-1", nil)

	// The events message must be filtered out; the first frame received is
	// the alarms one.
	msg := readMessage(t, alarmsOnly)
	assert.Equal(t, TopicAlarms, msg.Topic)
	assert.Equal(t, "a-1", msg.ID)
}

func TestHub_MultipleTopicsParam(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "?topic=alarms&topic=rules")
	waitForSubscribers(t, hub, 1)

	hub.Publish(TopicRules, "rule.created", "r-1", nil)
	msg := readMessage(t, conn)
	assert.Equal(t, TopicRules, msg.Topic)
}

func TestHub_UnknownTopicRejected(t *testing.T) {
	_, srv := newTestHub(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?topic=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_SubscriberCountTracksDisconnect(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "")
	waitForSubscribers(t, hub, 1)

	conn.Close()
	waitForSubscribers(t, hub, 0)
}

func TestHub_StopDisconnectsSubscribers(t *testing.T) {
	hub := NewHub(context.Background(), zap.NewNop().Sugar())
	go hub.Start()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dial(t, srv, "")
	waitForSubscribers(t, hub, 1)

	hub.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
