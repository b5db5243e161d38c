package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"token-aggregator/internal/changes"
	"token-aggregator/internal/logging"
	"token-aggregator/internal/telemetry"
)

// InitialData produces the payload sent to a client right after connect.
type InitialData func(ctx context.Context) (any, error)

type Server struct {
	Hub *Hub

	initial      InitialData
	logger       *zap.Logger
	metrics      *telemetry.Metrics
	pingInterval time.Duration
	writeTimeout time.Duration
}

func NewServer(hub *Hub, initial InitialData, logger *zap.Logger, metrics *telemetry.Metrics) *Server {
	return &Server{
		Hub:          hub,
		initial:      initial,
		logger:       logging.Component(logger, "ws"),
		metrics:      metrics,
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			s.logger.Debug("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusInternalError, "server error")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sessionID := uuid.NewString()
		sub, err := s.Hub.Add(sessionID)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "session registration failed")
			return
		}
		defer s.Hub.Remove(sessionID)

		s.metrics.WSConnectionOpened()
		defer s.metrics.WSConnectionClosed()
		log := s.logger.With(zap.String("session", sessionID))
		log.Info("client connected")

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			s.writeLoop(ctx, conn, sub.send)
			cancel()
		}()

		s.sendInitial(ctx, sessionID)

		err = s.readLoop(ctx, conn, sessionID)
		cancel()
		<-writerDone

		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			log.Info("client disconnected")
		default:
			log.Debug("connection ended", zap.Error(err))
		}
		conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

func (s *Server) sendInitial(ctx context.Context, sessionID string) {
	if s.initial == nil {
		return
	}
	data, err := s.initial(ctx)
	if err != nil {
		s.logger.Warn("initial data failed", zap.String("session", sessionID), zap.Error(err))
		s.Hub.sendTo(sessionID, errorMessage("failed to load initial data"))
		return
	}
	s.Hub.sendTo(sessionID, serverMessage{
		Type:      string(changes.EventInitialData),
		Channel:   changes.DefaultChannel,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string) error {
	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}

		channel := strings.TrimSpace(msg.Channel)
		switch msg.Type {
		case "subscribe", "unsubscribe":
			if channel == "" {
				s.Hub.sendTo(sessionID, errorMessage("channel is required"))
				continue
			}
			if msg.Type == "subscribe" {
				s.Hub.Subscribe(sessionID, channel)
				s.Hub.sendTo(sessionID, replyMessage("subscribed", channel))
			} else {
				s.Hub.Unsubscribe(sessionID, channel)
				s.Hub.sendTo(sessionID, replyMessage("unsubscribed", channel))
			}
		case "ping":
			s.Hub.sendTo(sessionID, replyMessage("pong", ""))
		default:
			s.Hub.sendTo(sessionID, errorMessage("unsupported message type"))
		}
	}
}

// writeLoop is the only writer on conn. It returns when the queue is
// closed, ctx ends, or a write fails.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, queue <-chan []byte) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-queue:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
