package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-realtime/internal/auth"
	"github.com/example/chat-realtime/internal/bridge"
	"github.com/example/chat-realtime/internal/presence"
	"github.com/example/chat-realtime/internal/ratelimit"
	"github.com/example/chat-realtime/internal/store"
)

const defaultMaxMessageLength = 4096

// maxBatchSize caps the ids accepted in one receipt batch.
const maxBatchSize = 500

// Emitter delivers server frames to one connection. Emit is fire-and-forget;
// EmitAck echoes the client's correlation id so in-flight requests resolve.
type Emitter interface {
	Emit(event string, payload any)
	EmitAck(ackID int64, payload any)
}

// Session is one authenticated websocket connection.
type Session struct {
	ConnID   string
	Identity auth.Identity
	RemoteIP string

	emitter Emitter
	rooms   map[string]bool // guarded by Gateway.mu
}

// Config tunes per-gateway behavior.
type Config struct {
	MaxMessageLength int
	TypingTTL        time.Duration
}

// Gateway owns the socket sessions of one server instance and dispatches the
// realtime protocol. Cross-instance fanout goes through the bridge; presence
// transitions arrive back via the Notifier callback.
type Gateway struct {
	cfg      Config
	limiter  *ratelimit.Limiter
	messages store.MessageStore
	cache    *store.CacheNotifier
	typing   *typingTracker

	presence *presence.Manager
	bridge   *bridge.Bridge

	mu       sync.RWMutex
	sessions map[string]*Session            // connId → session
	rooms    map[string]map[string]*Session // conversationId → connId → session

	framesTotal     metric.Int64Counter
	messagesTotal   metric.Int64Counter
	limitedTotal    metric.Int64Counter
	connectionGauge metric.Int64UpDownCounter
}

// New builds a gateway without presence or bridge wiring; call Bind before
// accepting connections. The split exists because the presence manager and
// bridge both call back into the gateway.
func New(cfg Config, limiter *ratelimit.Limiter, messages store.MessageStore, cache *store.CacheNotifier) *Gateway {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessageLength
	}
	meter := otel.Meter("chat-realtime/gateway")
	framesTotal, _ := meter.Int64Counter("gateway_frames_total",
		metric.WithDescription("Client frames dispatched, by event"))
	messagesTotal, _ := meter.Int64Counter("gateway_messages_total",
		metric.WithDescription("Messages accepted and persisted"))
	limitedTotal, _ := meter.Int64Counter("ratelimit_rejections_total",
		metric.WithDescription("Frames rejected by the rate limiter, by class"))
	connectionGauge, _ := meter.Int64UpDownCounter("gateway_connections",
		metric.WithDescription("Live websocket connections"))

	g := &Gateway{
		cfg:             cfg,
		limiter:         limiter,
		messages:        messages,
		cache:           cache,
		sessions:        make(map[string]*Session),
		rooms:           make(map[string]map[string]*Session),
		framesTotal:     framesTotal,
		messagesTotal:   messagesTotal,
		limitedTotal:    limitedTotal,
		connectionGauge: connectionGauge,
	}
	g.typing = newTypingTracker(cfg.TypingTTL, g.onTypingExpired)
	return g
}

// Bind attaches the presence manager and bridge. Must be called once before
// Register.
func (g *Gateway) Bind(pm *presence.Manager, br *bridge.Bridge) {
	g.presence = pm
	g.bridge = br
}

// BridgeHandlers returns the peer-event handlers to hand bridge.New.
func (g *Gateway) BridgeHandlers() bridge.Handlers {
	return bridge.Handlers{
		Room:      g.onPeerRoomEvent,
		Typing:    g.onPeerRoomEvent,
		Presence:  g.onPeerPresence,
		Broadcast: g.onPeerBroadcast,
	}
}

// Run starts the typing sweep and blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	g.typing.Run(ctx)
}

// Register adds an authenticated connection and marks the user present.
func (g *Gateway) Register(ctx context.Context, connID string, identity auth.Identity, remoteIP string, emitter Emitter) *Session {
	sess := &Session{
		ConnID:   connID,
		Identity: identity,
		RemoteIP: remoteIP,
		emitter:  emitter,
		rooms:    make(map[string]bool),
	}
	g.mu.Lock()
	g.sessions[connID] = sess
	g.mu.Unlock()

	g.connectionGauge.Add(ctx, 1)
	if _, err := g.presence.HandleConnect(ctx, identity.UserID, connID); err != nil {
		slog.Warn("Presence connect failed", "user", identity.UserID, "conn", connID, "error", err)
	}
	slog.Info("Client connected", "user", identity.UserID, "conn", connID, "remote", remoteIP)
	return sess
}

// Disconnect tears down every trace of the session: room memberships, typing
// entries, presence subscriptions, then the connection itself. Runs
// unconditionally so an abrupt close leaves nothing behind.
func (g *Gateway) Disconnect(ctx context.Context, sess *Session) {
	g.mu.Lock()
	if _, ok := g.sessions[sess.ConnID]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.sessions, sess.ConnID)
	joined := make([]string, 0, len(sess.rooms))
	for conversationID := range sess.rooms {
		joined = append(joined, conversationID)
		g.removeFromRoomLocked(conversationID, sess.ConnID)
	}
	sess.rooms = make(map[string]bool)
	otherConns := false
	for _, s := range g.sessions {
		if s.Identity.UserID == sess.Identity.UserID {
			otherConns = true
			break
		}
	}
	g.mu.Unlock()

	userID := sess.Identity.UserID
	for _, conversationID := range joined {
		g.bridge.LeaveRoom(conversationID)
		// Clear the typing entry only when this was the user's last local
		// connection; another device may still be composing.
		if !otherConns && g.typing.Stop(conversationID, userID) {
			g.broadcastTyping(ctx, conversationID, userID, sess.Identity.Username, false)
		}
	}
	if err := g.presence.RemoveAllSubscriptions(ctx, sess.ConnID); err != nil {
		slog.Warn("Subscription cleanup failed", "conn", sess.ConnID, "error", err)
	}
	if _, err := g.presence.HandleDisconnect(ctx, userID, sess.ConnID); err != nil {
		slog.Warn("Presence disconnect failed", "user", userID, "conn", sess.ConnID, "error", err)
	}
	if !otherConns {
		for _, class := range []string{"send", "typing", "psub", "general"} {
			g.limiter.Reset(userID + ":" + class)
		}
	}
	g.connectionGauge.Add(ctx, -1)
	slog.Info("Client disconnected", "user", userID, "conn", sess.ConnID)
}

// HandleFrame dispatches one client frame. A panic in a handler is contained
// to the frame so a malformed payload cannot take the connection down.
func (g *Gateway) HandleFrame(ctx context.Context, sess *Session, frame Frame) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Frame handler panicked", "event", frame.Event, "conn", sess.ConnID, "panic", r, "stack", string(debug.Stack()))
			sess.emitter.Emit(EventError, ErrorEvent{Message: "internal error"})
		}
	}()
	g.framesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", frame.Event)))

	switch frame.Event {
	case EventConversationJoin:
		g.handleJoin(ctx, sess, frame.Data)
	case EventConversationLeave:
		g.handleLeave(ctx, sess, frame.Data)
	case EventMessageSend:
		g.handleMessageSend(ctx, sess, frame.Data, frame.Ack)
	case EventTypingStart:
		g.handleTyping(ctx, sess, frame.Data, true)
	case EventTypingStop:
		g.handleTyping(ctx, sess, frame.Data, false)
	case EventDeliveredBatch:
		g.handleReceipts(ctx, sess, frame.Data, store.ReceiptDelivered)
	case EventReadBatch:
		g.handleReceipts(ctx, sess, frame.Data, store.ReceiptRead)
	case EventPresenceSubscribe:
		g.handlePresenceSubscribe(ctx, sess, frame.Data, frame.Ack)
	case EventPresenceUnsub:
		g.handlePresenceUnsubscribe(ctx, sess, frame.Data)
	case EventPresenceStatus:
		g.handlePresenceStatus(ctx, sess, frame.Data)
	default:
		sess.emitter.Emit(EventError, ErrorEvent{Message: "unknown event: " + frame.Event})
	}
}

func (g *Gateway) handleJoin(ctx context.Context, sess *Session, data json.RawMessage) {
	var req ConversationRef
	if err := json.Unmarshal(data, &req); err != nil || !validConversationID(req.ConversationID) {
		sess.emitter.Emit(EventError, ErrorEvent{Message: "invalid conversation id"})
		return
	}
	if g.limited(ctx, sess, "general", ratelimit.General) {
		return
	}

	g.mu.Lock()
	if sess.rooms[req.ConversationID] {
		g.mu.Unlock()
		return
	}
	sess.rooms[req.ConversationID] = true
	members := g.rooms[req.ConversationID]
	if members == nil {
		members = make(map[string]*Session)
		g.rooms[req.ConversationID] = members
	}
	members[sess.ConnID] = sess
	g.mu.Unlock()

	g.bridge.JoinRoom(req.ConversationID)
	// Late joiners see who is mid-sentence.
	if typers := g.typing.Active(req.ConversationID); len(typers) > 0 {
		sess.emitter.Emit(EventTypingUpdate, TypingUpdate{ConversationID: req.ConversationID, UserIDs: typers})
	}
}

func (g *Gateway) handleLeave(ctx context.Context, sess *Session, data json.RawMessage) {
	var req ConversationRef
	if err := json.Unmarshal(data, &req); err != nil || !validConversationID(req.ConversationID) {
		sess.emitter.Emit(EventError, ErrorEvent{Message: "invalid conversation id"})
		return
	}

	g.mu.Lock()
	if !sess.rooms[req.ConversationID] {
		g.mu.Unlock()
		return
	}
	delete(sess.rooms, req.ConversationID)
	g.removeFromRoomLocked(req.ConversationID, sess.ConnID)
	g.mu.Unlock()

	g.bridge.LeaveRoom(req.ConversationID)
	if g.typing.Stop(req.ConversationID, sess.Identity.UserID) {
		g.broadcastTyping(ctx, req.ConversationID, sess.Identity.UserID, sess.Identity.Username, false)
	}
}

func (g *Gateway) handleMessageSend(ctx context.Context, sess *Session, data json.RawMessage, ackID *int64) {
	ack := func(a SendAck) {
		if ackID != nil {
			sess.emitter.EmitAck(*ackID, a)
		} else if !a.Success {
			sess.emitter.Emit(EventError, ErrorEvent{Message: a.Error, RetryAfter: a.RetryAfter})
		}
	}

	var req SendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		ack(SendAck{Error: "malformed payload"})
		return
	}
	if !validConversationID(req.ConversationID) {
		ack(SendAck{Error: "invalid conversation id"})
		return
	}
	if req.Content == "" {
		ack(SendAck{Error: "content is required"})
		return
	}
	if len(req.Content) > g.cfg.MaxMessageLength {
		ack(SendAck{Error: "message too long"})
		return
	}
	if res := g.limiter.Check(sess.Identity.UserID+":send", ratelimit.MessageSend); res.Limited {
		g.limitedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("class", "send")))
		ack(SendAck{Error: "rate limited", RetryAfter: res.RetryAfter.Seconds()})
		return
	}

	ok, err := g.messages.IsParticipant(ctx, req.ConversationID, sess.Identity.UserID)
	if err != nil {
		slog.Error("Participant check failed", "conversation", req.ConversationID, "user", sess.Identity.UserID, "error", err)
		ack(SendAck{Error: "message store unavailable"})
		return
	}
	if !ok {
		ack(SendAck{Error: store.ErrNotParticipant.Error()})
		return
	}

	msg, err := g.messages.Create(ctx, store.Message{
		ConversationID: req.ConversationID,
		SenderID:       sess.Identity.UserID,
		SenderName:     sess.Identity.Username,
		Content:        req.Content,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotParticipant) {
			ack(SendAck{Error: store.ErrNotParticipant.Error()})
			return
		}
		slog.Error("Message persist failed", "conversation", req.ConversationID, "user", sess.Identity.UserID, "error", err)
		ack(SendAck{Error: "failed to persist message"})
		return
	}

	// The sender's connections get the broadcast too, which keeps their
	// other devices in sync.
	g.emitToRoom(req.ConversationID, EventMessageNew, msg)
	g.bridge.PublishRoom(ctx, req.ConversationID, EventMessageNew, msg)
	g.cache.MessageAppended(ctx, msg)
	g.messagesTotal.Add(ctx, 1)

	// Sending implicitly ends the typing state.
	if g.typing.Stop(req.ConversationID, sess.Identity.UserID) {
		g.broadcastTyping(ctx, req.ConversationID, sess.Identity.UserID, sess.Identity.Username, false)
	}

	ack(SendAck{Success: true, Message: &msg})
}

func (g *Gateway) handleTyping(ctx context.Context, sess *Session, data json.RawMessage, start bool) {
	var req ConversationRef
	if err := json.Unmarshal(data, &req); err != nil || !validConversationID(req.ConversationID) {
		return
	}
	if !g.inRoom(sess, req.ConversationID) {
		return
	}
	if res := g.limiter.Check(sess.Identity.UserID+":typing", ratelimit.Typing); res.Limited {
		g.limitedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("class", "typing")))
		return
	}

	var transition bool
	if start {
		transition = g.typing.Start(req.ConversationID, sess.Identity.UserID)
	} else {
		transition = g.typing.Stop(req.ConversationID, sess.Identity.UserID)
	}
	if !transition {
		return
	}
	g.broadcastTyping(ctx, req.ConversationID, sess.Identity.UserID, sess.Identity.Username, start)
}

// broadcastTyping emits the transition event and the refreshed roster to
// local room members and forwards the transition to peers.
func (g *Gateway) broadcastTyping(ctx context.Context, conversationID, userID, username string, start bool) {
	event := EventTypingStop
	if start {
		event = EventTypingStart
	}
	ev := TypingEvent{ConversationID: conversationID, UserID: userID, Username: username}
	g.emitToRoom(conversationID, event, ev)
	g.emitToRoom(conversationID, EventTypingUpdate, TypingUpdate{
		ConversationID: conversationID,
		UserIDs:        g.typing.Active(conversationID),
	})
	g.bridge.PublishTyping(ctx, conversationID, event, ev)
}

// onTypingExpired runs from the tracker sweep when a typing:stop never
// arrived.
func (g *Gateway) onTypingExpired(conversationID, userID string) {
	ctx := context.Background()
	g.broadcastTyping(ctx, conversationID, userID, g.usernameFor(userID), false)
}

func (g *Gateway) handleReceipts(ctx context.Context, sess *Session, data json.RawMessage, status store.ReceiptStatus) {
	var req ReceiptBatch
	if err := json.Unmarshal(data, &req); err != nil || !validConversationID(req.ConversationID) {
		sess.emitter.Emit(EventError, ErrorEvent{Message: "invalid receipt batch"})
		return
	}
	if len(req.MessageIDs) == 0 {
		return
	}
	if len(req.MessageIDs) > maxBatchSize {
		sess.emitter.Emit(EventError, ErrorEvent{Message: "receipt batch too large"})
		return
	}
	if g.limited(ctx, sess, "general", ratelimit.General) {
		return
	}

	var (
		applied []string
		err     error
		event   string
	)
	switch status {
	case store.ReceiptRead:
		applied, err = g.messages.MarkRead(ctx, req.ConversationID, sess.Identity.UserID, req.MessageIDs)
		event = EventReadBatch
	default:
		applied, err = g.messages.MarkDelivered(ctx, req.ConversationID, sess.Identity.UserID, req.MessageIDs)
		event = EventDeliveredBatch
	}
	if err != nil {
		slog.Error("Receipt batch failed", "conversation", req.ConversationID, "user", sess.Identity.UserID, "status", status, "error", err)
		sess.emitter.Emit(EventError, ErrorEvent{Message: "failed to record receipts"})
		return
	}
	if len(applied) == 0 {
		return
	}

	out := ReceiptBatch{ConversationID: req.ConversationID, MessageIDs: applied, UserID: sess.Identity.UserID}
	g.emitToRoom(req.ConversationID, event, out)
	g.bridge.PublishRoom(ctx, req.ConversationID, event, out)
	g.cache.Invalidate(ctx, sess.Identity.UserID)
}

func (g *Gateway) handlePresenceSubscribe(ctx context.Context, sess *Session, data json.RawMessage, ackID *int64) {
	var req PresenceRequest
	if err := json.Unmarshal(data, &req); err != nil || len(req.UserIDs) == 0 {
		sess.emitter.Emit(EventError, ErrorEvent{Message: "invalid presence subscription"})
		return
	}
	if res := g.limiter.Check(sess.Identity.UserID+":psub", ratelimit.PresenceSubscribe); res.Limited {
		g.limitedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("class", "presence")))
		sess.emitter.Emit(EventError, ErrorEvent{Message: "rate limited", RetryAfter: res.RetryAfter.Seconds()})
		return
	}

	snapshot, err := g.presence.Subscribe(ctx, sess.ConnID, req.UserIDs)
	if err != nil {
		sess.emitter.Emit(EventError, ErrorEvent{Message: "presence unavailable"})
		return
	}
	if ackID != nil {
		sess.emitter.EmitAck(*ackID, snapshot)
	} else {
		sess.emitter.Emit(EventPresenceBulk, snapshot)
	}
}

func (g *Gateway) handlePresenceUnsubscribe(ctx context.Context, sess *Session, data json.RawMessage) {
	var req PresenceRequest
	if err := json.Unmarshal(data, &req); err != nil || len(req.UserIDs) == 0 {
		return
	}
	if err := g.presence.Unsubscribe(ctx, sess.ConnID, req.UserIDs); err != nil {
		slog.Warn("Presence unsubscribe failed", "conn", sess.ConnID, "error", err)
	}
}

func (g *Gateway) handlePresenceStatus(ctx context.Context, sess *Session, data json.RawMessage) {
	var req StatusRequest
	if err := json.Unmarshal(data, &req); err != nil || !req.Status.Valid() {
		sess.emitter.Emit(EventError, ErrorEvent{Message: "invalid status"})
		return
	}
	if err := g.presence.SetStatus(ctx, sess.Identity.UserID, req.Status); err != nil {
		sess.emitter.Emit(EventError, ErrorEvent{Message: err.Error()})
	}
}

// PresenceChanged implements presence.Notifier. Subscribers get the full
// record; everyone gets the coarse online/offline edge. Both are forwarded to
// peer instances, which fan out to their own clients.
func (g *Gateway) PresenceChanged(rec presence.Record, subscriberConnIDs []string) {
	ctx := context.Background()
	g.emitToConns(subscriberConnIDs, EventPresenceUpdate, rec)

	event := EventUserOnline
	ev := UserEvent{UserID: rec.UserID}
	if rec.Status == presence.StatusOffline {
		event = EventUserOffline
		if rec.LastSeen != nil {
			millis := rec.LastSeen.UnixMilli()
			ev.LastSeen = &millis
		}
	}
	g.emitToAll(event, ev)

	g.bridge.PublishPresence(ctx, rec.UserID, EventPresenceUpdate, rec)
	g.bridge.PublishBroadcast(ctx, event, event, ev)
}

// Peer event handlers. Payloads are relayed as-is; the envelope already
// carries the exact frame body the origin instance emitted.

func (g *Gateway) onPeerRoomEvent(conversationID string, env bridge.Envelope) {
	g.emitToRoom(conversationID, env.Type, env.Payload)
}

func (g *Gateway) onPeerPresence(userID string, env bridge.Envelope) {
	subs := g.presence.SubscribersOf(context.Background(), userID)
	g.emitToConns(subs, env.Type, env.Payload)
}

func (g *Gateway) onPeerBroadcast(channel string, env bridge.Envelope) {
	g.emitToAll(env.Type, env.Payload)
}

// limited checks the general per-user budget and reports the rejection to the
// client.
func (g *Gateway) limited(ctx context.Context, sess *Session, class string, cfg ratelimit.Config) bool {
	res := g.limiter.Check(sess.Identity.UserID+":"+class, cfg)
	if !res.Limited {
		return false
	}
	g.limitedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
	sess.emitter.Emit(EventError, ErrorEvent{Message: "rate limited", RetryAfter: res.RetryAfter.Seconds()})
	return true
}

func (g *Gateway) inRoom(sess *Session, conversationID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sess.rooms[conversationID]
}

func (g *Gateway) removeFromRoomLocked(conversationID, connID string) {
	members := g.rooms[conversationID]
	delete(members, connID)
	if len(members) == 0 {
		delete(g.rooms, conversationID)
	}
}

func (g *Gateway) emitToRoom(conversationID, event string, payload any) {
	g.mu.RLock()
	targets := make([]*Session, 0, len(g.rooms[conversationID]))
	for _, s := range g.rooms[conversationID] {
		targets = append(targets, s)
	}
	g.mu.RUnlock()
	for _, s := range targets {
		s.emitter.Emit(event, payload)
	}
}

func (g *Gateway) emitToConns(connIDs []string, event string, payload any) {
	if len(connIDs) == 0 {
		return
	}
	g.mu.RLock()
	targets := make([]*Session, 0, len(connIDs))
	for _, id := range connIDs {
		if s, ok := g.sessions[id]; ok {
			targets = append(targets, s)
		}
	}
	g.mu.RUnlock()
	for _, s := range targets {
		s.emitter.Emit(event, payload)
	}
}

func (g *Gateway) emitToAll(event string, payload any) {
	g.mu.RLock()
	targets := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		targets = append(targets, s)
	}
	g.mu.RUnlock()
	for _, s := range targets {
		s.emitter.Emit(event, payload)
	}
}

func (g *Gateway) usernameFor(userID string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.sessions {
		if s.Identity.UserID == userID {
			return s.Identity.Username
		}
	}
	return ""
}
