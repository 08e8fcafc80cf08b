// Package broadcast streams event, alarm, and rule updates to WebSocket
// subscribers. Delivery is best effort: a subscriber that cannot keep up is
// disconnected rather than allowed to stall the hub.
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"overwatch/metrics"
)

// Topic selects which update stream a subscriber receives.
type Topic string

const (
	TopicEvents Topic = "events"
	TopicAlarms Topic = "alarms"
	TopicRules  Topic = "rules"
)

func (t Topic) valid() bool {
	return t == TopicEvents || t == TopicAlarms || t == TopicRules
}

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 512
	sendChannelSize = 256
)

// Message is the wire format for a broadcast update.
type Message struct {
	Topic     Topic     `json:"topic"`
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Snapshot  any       `json:"snapshot,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriber struct {
	hub    *Hub
	conn   *websocket.Conn
	topics map[Topic]bool
	send   chan []byte
}

type envelope struct {
	topic Topic
	data  []byte
}

// Hub fans broadcast messages out to subscribers filtered by topic.
type Hub struct {
	subscribers map[*subscriber]bool
	broadcast   chan envelope
	register    chan *subscriber
	unregister  chan *subscriber

	mu     sync.RWMutex
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHub creates a hub. Call Start before publishing.
func NewHub(ctx context.Context, logger *zap.SugaredLogger) *Hub {
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		subscribers: make(map[*subscriber]bool),
		broadcast:   make(chan envelope, 256),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		logger:      logger,
		ctx:         hubCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Start runs the hub loop. Must be called exactly once, in its own
// goroutine.
func (h *Hub) Start() {
	defer close(h.done)
	h.logger.Info("broadcast hub started")

	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for sub := range h.subscribers {
				close(sub.send)
				sub.conn.Close()
			}
			h.subscribers = make(map[*subscriber]bool)
			metrics.ActiveSubscribers.Set(0)
			h.mu.Unlock()
			h.logger.Info("broadcast hub stopped")
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub] = true
			metrics.ActiveSubscribers.Set(float64(len(h.subscribers)))
			h.mu.Unlock()

		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[sub]; ok {
				delete(h.subscribers, sub)
				close(sub.send)
				metrics.ActiveSubscribers.Set(float64(len(h.subscribers)))
			}
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.RLock()
			for sub := range h.subscribers {
				if !sub.topics[env.topic] {
					continue
				}
				select {
				case sub.send <- env.data:
				default:
					// A full buffer means the subscriber is not
					// keeping up; cut it loose.
					metrics.BroadcastsDropped.Inc()
					go func(slow *subscriber) {
						h.unregister <- slow
						slow.conn.Close()
					}(sub)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop shuts the hub down and disconnects all subscribers.
func (h *Hub) Stop() {
	h.cancel()
	<-h.done
}

// Publish queues an update for all subscribers of the topic. It never
// blocks longer than a second; timed-out broadcasts are dropped.
func (h *Hub) Publish(topic Topic, msgType, id string, snapshot any) {
	msg := Message{
		Topic:     topic,
		Type:      msgType,
		ID:        id,
		Snapshot:  snapshot,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorw("failed to marshal broadcast message", "type", msgType, "error", err)
		return
	}

	select {
	case h.broadcast <- envelope{topic: topic, data: data}:
	case <-time.After(1 * time.Second):
		metrics.BroadcastsDropped.Inc()
		h.logger.Warnw("broadcast timeout", "topic", string(topic), "type", msgType)
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// ServeWS upgrades an HTTP request to a WebSocket subscription. Topics come
// from the repeated ?topic= query parameter; absent means all topics.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	topics := make(map[Topic]bool)
	for _, raw := range r.URL.Query()["topic"] {
		t := Topic(raw)
		if !t.valid() {
			http.Error(w, "unknown topic: "+raw, http.StatusBadRequest)
			return
		}
		topics[t] = true
	}
	if len(topics) == 0 {
		topics[TopicEvents] = true
		topics[TopicAlarms] = true
		topics[TopicRules] = true
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		hub:    h,
		conn:   conn,
		topics: topics,
		send:   make(chan []byte, sendChannelSize),
	}
	h.register <- sub

	go sub.writePump()
	go sub.readPump()
}

// readPump discards inbound frames; its job is detecting disconnects and
// answering pings.
func (s *subscriber) readPump() {
	defer func() {
		s.hub.unregister <- s
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.logger.Debugw("websocket unexpected close", "error", err)
			}
			break
		}
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(s.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-s.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
