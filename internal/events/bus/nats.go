package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/adshq/ads/internal/common/config"
	"github.com/adshq/ads/internal/common/logger"
)

// NATSBus is the NATS-backed Bus for deployments where session events must
// cross process boundaries. Replay is local: the publishing process keeps the
// replay ring, remote subscribers see live events only.
type NATSBus struct {
	conn   *nats.Conn
	local  *MemoryBus
	origin string
	log    *logger.Logger
}

// NewNATSBus connects to NATS with reconnection handling.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name("ads"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Info("connected to NATS", zap.String("url", cfg.URL))

	return &NATSBus{
		conn:   conn,
		local:  NewMemoryBus(log),
		origin: uuid.New().String(),
		log:    log,
	}, nil
}

func sessionSubject(sessionID string) string {
	return "ads.session." + sessionID
}

// Publish sends the event over NATS and mirrors it into the local replay
// ring for in-process subscribers.
func (b *NATSBus) Publish(ctx context.Context, sessionID string, event *Event) error {
	if event.SessionID == "" {
		event.SessionID = sessionID
	}
	event.Origin = b.origin
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.conn.Publish(sessionSubject(sessionID), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return b.local.Publish(ctx, sessionID, event)
}

// Subscribe attaches to the local replay-backed stream. Events published by
// other processes arrive through the NATS bridge started in the constructor
// of the workspace that owns the session.
func (b *NATSBus) Subscribe(sessionID string, handler Handler) (Subscription, error) {
	local, err := b.local.Subscribe(sessionID, handler)
	if err != nil {
		return nil, err
	}
	remote, err := b.conn.Subscribe(sessionSubject(sessionID), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Error("failed to unmarshal bus event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if ev.Origin == b.origin {
			// Already delivered through the local replay-backed stream.
			return
		}
		handler(&ev)
	})
	if err != nil {
		_ = local.Unsubscribe()
		return nil, fmt.Errorf("subscribe to %s: %w", sessionSubject(sessionID), err)
	}
	return &natsSubscription{local: local, remote: remote}, nil
}

type natsSubscription struct {
	local  Subscription
	remote *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	err := s.remote.Unsubscribe()
	if lerr := s.local.Unsubscribe(); err == nil {
		err = lerr
	}
	return err
}

func (s *natsSubscription) IsValid() bool {
	return s.local.IsValid() && s.remote.IsValid()
}

// DropSession discards local replay state for the session.
func (b *NATSBus) DropSession(sessionID string) {
	b.local.DropSession(sessionID)
}

// Close drains the NATS connection and shuts the local bus down.
func (b *NATSBus) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.log.Warn("error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
	}
	b.local.Close()
}

// IsConnected reports NATS connectivity.
func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
