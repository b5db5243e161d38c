package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"token-aggregator/internal/changes"
	"token-aggregator/internal/logging"
	"token-aggregator/internal/telemetry"
)

const defaultQueueSize = 32

type Subscriber struct {
	SessionID string
	Channels  map[string]struct{}

	send chan []byte
}

// Hub tracks connected sessions and their channel subscriptions. Each
// session has a bounded send queue; messages for a full queue are dropped.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	queueSize   int
	logger      *zap.Logger
	metrics     *telemetry.Metrics
}

func NewHub(queueSize int, logger *zap.Logger, metrics *telemetry.Metrics) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		queueSize:   queueSize,
		logger:      logging.Component(logger, "ws"),
		metrics:     metrics,
	}
}

// Add registers a session joined to the default channel.
func (h *Hub) Add(sessionID string) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID is required")
	}
	if _, ok := h.subscribers[sessionID]; ok {
		return nil, fmt.Errorf("session already exists")
	}
	sub := &Subscriber{
		SessionID: sessionID,
		Channels:  map[string]struct{}{changes.DefaultChannel: {}},
		send:      make(chan []byte, h.queueSize),
	}
	h.subscribers[sessionID] = sub
	return sub, nil
}

// Remove drops the session and closes its send queue.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[sessionID]
	if !ok {
		return
	}
	delete(h.subscribers, sessionID)
	close(sub.send)
}

func (h *Hub) Subscribe(sessionID, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[sessionID]
	if !ok {
		return false
	}
	sub.Channels[channel] = struct{}{}
	return true
}

func (h *Hub) Unsubscribe(sessionID, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[sessionID]
	if !ok {
		return false
	}
	delete(sub.Channels, channel)
	return true
}

func (h *Hub) Subscribed(sessionID, channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.subscribers[sessionID]
	if !ok {
		return false
	}
	_, ok = sub.Channels[channel]
	return ok
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish sends event to every session subscribed to its channel. An empty
// channel means the default channel.
func (h *Hub) Publish(_ context.Context, event changes.Event) error {
	if event.Channel == "" {
		event.Channel = changes.DefaultChannel
	}
	payload, err := json.Marshal(eventMessage(event))
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, sub := range h.subscribers {
		if _, ok := sub.Channels[event.Channel]; !ok {
			continue
		}
		if h.enqueue(sub, payload) {
			delivered++
		}
	}
	h.logger.Debug("event published",
		zap.String("type", string(event.Type)),
		zap.String("channel", event.Channel),
		zap.Int("sessions", delivered))
	return nil
}

// sendTo queues an encoded message for one session.
func (h *Hub) sendTo(sessionID string, msg serverMessage) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode message failed", zap.Error(err))
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.subscribers[sessionID]
	if !ok {
		return false
	}
	return h.enqueue(sub, payload)
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(sub *Subscriber, payload []byte) bool {
	select {
	case sub.send <- payload:
		return true
	default:
		h.logger.Warn("send queue full, dropping message", zap.String("session", sub.SessionID))
		return false
	}
}
