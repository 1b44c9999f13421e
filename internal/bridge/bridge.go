// Package bridge fans events out across process instances. Each process holds
// its websocket connections in local memory; an event produced here must also
// reach clients connected to peer processes. The bridge publishes envelopes on
// per-target bus subjects and delivers incoming envelopes to the local
// handlers, discarding the ones this process originated (the producer already
// emitted locally before publishing).
//
// If the bus is absent or a publish fails, the bridge degrades to local-only
// fanout with single-instance semantics; this is never fatal.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Subject layout. The last token(s) name the target.
const (
	roomSubjectPrefix      = "chat.room."
	typingSubjectPrefix    = "chat.typing."
	presenceSubjectPrefix  = "chat.presence."
	broadcastSubjectPrefix = "chat.broadcast."
)

// Envelope is the wire format for cross-instance events.
type Envelope struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      int64           `json:"timestamp"`
	OriginServerID string          `json:"originServerId"`
}

// Handlers receive envelopes published by peer instances. The target id is
// extracted from the subject. Handlers run on the bus callback goroutine and
// must not block.
type Handlers struct {
	Room      func(conversationID string, env Envelope)
	Typing    func(conversationID string, env Envelope)
	Presence  func(userID string, env Envelope)
	Broadcast func(channel string, env Envelope)
}

// Bridge publishes local events to the bus and routes peer events to local
// handlers. Room and typing subjects are subscribed per room, ref-counted by
// local membership; presence and broadcast use pattern subscriptions.
type Bridge struct {
	bus      Bus
	serverID string
	handlers Handlers

	mu       sync.Mutex
	rooms    map[string]*roomSub
	patterns []Subscription
	closed   bool

	published   metric.Int64Counter
	received    metric.Int64Counter
	dropped     metric.Int64Counter
	fanoutTimer metric.Float64Histogram
}

type roomSub struct {
	refs   int
	room   Subscription
	typing Subscription
}

// New creates a Bridge. bus may be nil, which yields local-only semantics
// (every publish is a logged no-op).
func New(bus Bus, serverID string, handlers Handlers) *Bridge {
	meter := otel.Meter("chat-realtime/bridge")
	published, _ := meter.Int64Counter("bridge_envelopes_published_total",
		metric.WithDescription("Envelopes published to the shared bus"))
	received, _ := meter.Int64Counter("bridge_envelopes_received_total",
		metric.WithDescription("Envelopes received from peer instances"))
	dropped, _ := meter.Int64Counter("bridge_envelopes_dropped_total",
		metric.WithDescription("Envelopes dropped (own origin or malformed)"))
	fanoutTimer, _ := meter.Float64Histogram("fanout_duration_seconds",
		metric.WithDescription("Duration of bus publishes"))

	return &Bridge{
		bus:         bus,
		serverID:    serverID,
		handlers:    handlers,
		rooms:       make(map[string]*roomSub),
		published:   published,
		received:    received,
		dropped:     dropped,
		fanoutTimer: fanoutTimer,
	}
}

// ServerID returns this instance's origin id.
func (b *Bridge) ServerID() string { return b.serverID }

// Start installs the pattern subscriptions for presence and broadcast
// channels. Room subjects are managed by JoinRoom/LeaveRoom.
func (b *Bridge) Start() error {
	if b.bus == nil {
		slog.Warn("No shared bus configured, running with local-only fanout")
		return nil
	}
	for _, p := range []struct {
		subject string
		prefix  string
		deliver func(string, Envelope)
	}{
		{presenceSubjectPrefix + ">", presenceSubjectPrefix, b.handlers.Presence},
		{broadcastSubjectPrefix + ">", broadcastSubjectPrefix, b.handlers.Broadcast},
	} {
		deliver := p.deliver
		prefix := p.prefix
		sub, err := b.bus.Subscribe(p.subject, func(subject string, data []byte) {
			b.dispatch(subject, prefix, data, deliver)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", p.subject, err)
		}
		b.mu.Lock()
		b.patterns = append(b.patterns, sub)
		b.mu.Unlock()
	}
	slog.Info("Bridge started", "server_id", b.serverID)
	return nil
}

// JoinRoom notes a local connection joined the conversation. The first local
// member installs the room and typing subscriptions.
func (b *Bridge) JoinRoom(conversationID string) {
	if b.bus == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if rs, ok := b.rooms[conversationID]; ok {
		rs.refs++
		return
	}

	rs := &roomSub{refs: 1}
	var err error
	rs.room, err = b.bus.Subscribe(roomSubjectPrefix+conversationID, func(subject string, data []byte) {
		b.dispatch(subject, roomSubjectPrefix, data, b.handlers.Room)
	})
	if err != nil {
		slog.Warn("Room subscribe failed, peer events will not reach this instance", "room", conversationID, "error", err)
		return
	}
	rs.typing, err = b.bus.Subscribe(typingSubjectPrefix+conversationID, func(subject string, data []byte) {
		b.dispatch(subject, typingSubjectPrefix, data, b.handlers.Typing)
	})
	if err != nil {
		slog.Warn("Typing subscribe failed", "room", conversationID, "error", err)
	}
	b.rooms[conversationID] = rs
}

// LeaveRoom drops one local membership reference; the last reference removes
// the subscriptions. Leaving an unknown room is a no-op.
func (b *Bridge) LeaveRoom(conversationID string) {
	if b.bus == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.rooms[conversationID]
	if !ok {
		return
	}
	rs.refs--
	if rs.refs > 0 {
		return
	}
	delete(b.rooms, conversationID)
	unsubscribe(rs.room)
	unsubscribe(rs.typing)
}

// PublishRoom fans a room event out to peer instances.
func (b *Bridge) PublishRoom(ctx context.Context, conversationID, eventType string, payload any) {
	b.publish(ctx, roomSubjectPrefix+conversationID, eventType, payload)
}

// PublishTyping fans a typing event out to peer instances.
func (b *Bridge) PublishTyping(ctx context.Context, conversationID, eventType string, payload any) {
	b.publish(ctx, typingSubjectPrefix+conversationID, eventType, payload)
}

// PublishPresence fans a presence event out to peer instances.
func (b *Bridge) PublishPresence(ctx context.Context, userID, eventType string, payload any) {
	b.publish(ctx, presenceSubjectPrefix+userID, eventType, payload)
}

// PublishBroadcast fans an event out on a named broadcast channel.
func (b *Bridge) PublishBroadcast(ctx context.Context, channel, eventType string, payload any) {
	b.publish(ctx, broadcastSubjectPrefix+channel, eventType, payload)
}

// Close removes every subscription. Idempotent.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, rs := range b.rooms {
		unsubscribe(rs.room)
		unsubscribe(rs.typing)
		delete(b.rooms, id)
	}
	for _, sub := range b.patterns {
		unsubscribe(sub)
	}
	b.patterns = nil
}

func (b *Bridge) publish(ctx context.Context, subject, eventType string, payload any) {
	if b.bus == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("Failed to marshal envelope payload", "subject", subject, "error", err)
		return
	}
	env := Envelope{
		Type:           eventType,
		Payload:        body,
		Timestamp:      time.Now().UnixMilli(),
		OriginServerID: b.serverID,
	}
	data, _ := json.Marshal(env)
	start := time.Now()
	if err := b.bus.Publish(ctx, subject, data); err != nil {
		// Local delivery already happened; peers miss this event.
		slog.Warn("Bus publish failed, event stays local", "subject", subject, "error", err)
		return
	}
	b.fanoutTimer.Record(ctx, time.Since(start).Seconds())
	b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// dispatch decodes an incoming envelope, discards own-origin and malformed
// ones, and hands the rest to deliver with the subject's target id.
func (b *Bridge) dispatch(subject, prefix string, data []byte, deliver func(string, Envelope)) {
	ctx := context.Background()

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("Malformed envelope", "subject", subject, "error", err)
		b.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "malformed")))
		return
	}
	if env.OriginServerID == b.serverID {
		b.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "own_origin")))
		return
	}
	if deliver == nil {
		return
	}
	target := strings.TrimPrefix(subject, prefix)
	b.received.Add(ctx, 1, metric.WithAttributes(attribute.String("type", env.Type)))
	deliver(target, env)
}

func unsubscribe(sub Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		slog.Debug("Unsubscribe failed", "error", err)
	}
}
