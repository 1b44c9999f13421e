package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/chat-realtime/internal/auth"
	"github.com/example/chat-realtime/internal/bridge"
	"github.com/example/chat-realtime/internal/presence"
	"github.com/example/chat-realtime/internal/ratelimit"
	"github.com/example/chat-realtime/internal/store"
)

type emittedFrame struct {
	event   string
	payload any
	ackID   *int64
}

type fakeEmitter struct {
	mu     sync.Mutex
	frames []emittedFrame
}

func (e *fakeEmitter) Emit(event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, emittedFrame{event: event, payload: payload})
}

func (e *fakeEmitter) EmitAck(ackID int64, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, emittedFrame{event: EventAck, payload: payload, ackID: &ackID})
}

func (e *fakeEmitter) count(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, f := range e.frames {
		if f.event == event {
			n++
		}
	}
	return n
}

func (e *fakeEmitter) last(event string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.frames) - 1; i >= 0; i-- {
		if e.frames[i].event == event {
			return e.frames[i].payload, true
		}
	}
	return nil, false
}

func (e *fakeEmitter) lastAck() (SendAck, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.frames) - 1; i >= 0; i-- {
		if e.frames[i].ackID != nil {
			if ack, ok := e.frames[i].payload.(SendAck); ok {
				return ack, true
			}
		}
	}
	return SendAck{}, false
}

type fakeStore struct {
	mu           sync.Mutex
	participants map[string]map[string]bool     // conversationId → userId
	messages     map[string]string              // messageId → conversationId
	receipts     map[string]store.ReceiptStatus // "user/messageId" → status
	created      []store.Message
	createErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		participants: make(map[string]map[string]bool),
		messages:     make(map[string]string),
		receipts:     make(map[string]store.ReceiptStatus),
	}
}

func (s *fakeStore) addParticipant(conversationID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.participants[conversationID] == nil {
		s.participants[conversationID] = make(map[string]bool)
	}
	s.participants[conversationID][userID] = true
}

func (s *fakeStore) addMessage(id, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] = conversationID
}

func (s *fakeStore) Create(_ context.Context, msg store.Message) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return store.Message{}, s.createErr
	}
	msg.ID = fmt.Sprintf("m%d", len(s.created)+1)
	msg.CreatedAt = time.Now()
	s.created = append(s.created, msg)
	s.messages[msg.ID] = msg.ConversationID
	return msg, nil
}

func (s *fakeStore) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participants[conversationID][userID], nil
}

func (s *fakeStore) MarkDelivered(_ context.Context, conversationID, userID string, messageIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var applied []string
	for _, id := range messageIDs {
		if s.messages[id] != conversationID {
			continue
		}
		key := userID + "/" + id
		if _, ok := s.receipts[key]; ok {
			continue
		}
		s.receipts[key] = store.ReceiptDelivered
		applied = append(applied, id)
	}
	return applied, nil
}

func (s *fakeStore) MarkRead(_ context.Context, conversationID, userID string, messageIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var applied []string
	for _, id := range messageIDs {
		if s.messages[id] != conversationID {
			continue
		}
		key := userID + "/" + id
		if s.receipts[key] == store.ReceiptRead {
			continue
		}
		s.receipts[key] = store.ReceiptRead
		applied = append(applied, id)
	}
	return applied, nil
}

func newTestGateway(t *testing.T, st store.MessageStore) *Gateway {
	t.Helper()
	g := New(Config{MaxMessageLength: 128, TypingTTL: time.Minute},
		ratelimit.NewLimiter(), st, store.NewCacheNotifier(nil))
	pm := presence.NewManager(presence.NewMemoryStorage(), g, presence.WithDebounce(10*time.Millisecond))
	br := bridge.New(nil, "test-server", g.BridgeHandlers())
	g.Bind(pm, br)
	t.Cleanup(pm.Close)
	return g
}

func connect(t *testing.T, g *Gateway, userID string) (*Session, *fakeEmitter) {
	t.Helper()
	em := &fakeEmitter{}
	sess := g.Register(context.Background(), userID+"-conn-"+fmt.Sprint(time.Now().UnixNano()), auth.Identity{UserID: userID, Username: userID}, "127.0.0.1", em)
	return sess, em
}

func frame(t *testing.T, event string, payload any, ackID *int64) Frame {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Frame{Event: event, Data: data, Ack: ackID}
}

func join(t *testing.T, g *Gateway, sess *Session, conversationID string) {
	t.Helper()
	g.HandleFrame(context.Background(), sess, frame(t, EventConversationJoin, ConversationRef{ConversationID: conversationID}, nil))
}

func TestMessageSendBroadcastsAndAcks(t *testing.T) {
	st := newFakeStore()
	st.addParticipant("room1", "alice")
	st.addParticipant("room1", "bob")
	g := newTestGateway(t, st)

	alice, aliceEm := connect(t, g, "alice")
	bob, bobEm := connect(t, g, "bob")
	join(t, g, alice, "room1")
	join(t, g, bob, "room1")

	ackID := int64(7)
	g.HandleFrame(context.Background(), alice, frame(t, EventMessageSend,
		SendRequest{ConversationID: "room1", Content: "hello"}, &ackID))

	ack, ok := aliceEm.lastAck()
	if !ok {
		t.Fatal("expected an ack frame")
	}
	if !ack.Success {
		t.Fatalf("expected success ack, got error %q", ack.Error)
	}
	if ack.Message == nil || ack.Message.ID == "" {
		t.Fatal("ack should carry the persisted message with its id")
	}
	if got := bobEm.count(EventMessageNew); got != 1 {
		t.Fatalf("bob got %d message:new frames, want 1", got)
	}
	if got := aliceEm.count(EventMessageNew); got != 1 {
		t.Fatalf("sender got %d message:new frames, want 1 (multi-device sync)", got)
	}
	if len(st.created) != 1 {
		t.Fatalf("store holds %d messages, want 1", len(st.created))
	}
}

func TestMessageSendRejectsNonParticipant(t *testing.T) {
	st := newFakeStore()
	st.addParticipant("room1", "bob")
	g := newTestGateway(t, st)

	mallory, em := connect(t, g, "mallory")
	bob, bobEm := connect(t, g, "bob")
	join(t, g, mallory, "room1")
	join(t, g, bob, "room1")

	ackID := int64(1)
	g.HandleFrame(context.Background(), mallory, frame(t, EventMessageSend,
		SendRequest{ConversationID: "room1", Content: "hi"}, &ackID))

	ack, ok := em.lastAck()
	if !ok {
		t.Fatal("expected an ack frame")
	}
	if ack.Success {
		t.Fatal("non-participant send must fail")
	}
	if len(st.created) != 0 {
		t.Fatal("nothing should be persisted")
	}
	if bobEm.count(EventMessageNew) != 0 {
		t.Fatal("nothing should be broadcast")
	}
}

func TestMessageSendValidation(t *testing.T) {
	tests := []struct {
		name string
		req  SendRequest
	}{
		{"empty content", SendRequest{ConversationID: "room1", Content: ""}},
		{"oversized content", SendRequest{ConversationID: "room1", Content: string(make([]byte, 4096))}},
		{"bad conversation id", SendRequest{ConversationID: "room/../1", Content: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStore()
			st.addParticipant("room1", "alice")
			g := newTestGateway(t, st)
			alice, em := connect(t, g, "alice")
			join(t, g, alice, "room1")

			ackID := int64(1)
			g.HandleFrame(context.Background(), alice, frame(t, EventMessageSend, tt.req, &ackID))

			ack, ok := em.lastAck()
			if !ok {
				t.Fatal("expected an ack frame")
			}
			if ack.Success {
				t.Fatal("invalid send must fail")
			}
			if len(st.created) != 0 {
				t.Fatal("nothing should be persisted")
			}
		})
	}
}

func TestMessageSendPersistFailureAcksError(t *testing.T) {
	st := newFakeStore()
	st.addParticipant("room1", "alice")
	st.createErr = errors.New("db down")
	g := newTestGateway(t, st)
	alice, em := connect(t, g, "alice")
	join(t, g, alice, "room1")

	ackID := int64(3)
	g.HandleFrame(context.Background(), alice, frame(t, EventMessageSend,
		SendRequest{ConversationID: "room1", Content: "hi"}, &ackID))

	ack, _ := em.lastAck()
	if ack.Success {
		t.Fatal("persist failure must surface in the ack")
	}
	if em.count(EventMessageNew) != 0 {
		t.Fatal("no broadcast before a successful persist")
	}
}

func TestMessageSendRateLimit(t *testing.T) {
	st := newFakeStore()
	st.addParticipant("room1", "alice")
	g := newTestGateway(t, st)
	alice, em := connect(t, g, "alice")
	join(t, g, alice, "room1")

	for i := 0; i <= ratelimit.MessageSend.Max; i++ {
		ackID := int64(i)
		g.HandleFrame(context.Background(), alice, frame(t, EventMessageSend,
			SendRequest{ConversationID: "room1", Content: "spam"}, &ackID))
	}
	ack, _ := em.lastAck()
	if ack.Success {
		t.Fatal("send past the window budget must be limited")
	}
	if ack.RetryAfter <= 0 {
		t.Fatalf("limited ack should carry retryAfter, got %v", ack.RetryAfter)
	}
	if len(st.created) != ratelimit.MessageSend.Max {
		t.Fatalf("store holds %d messages, want %d", len(st.created), ratelimit.MessageSend.Max)
	}
}

func TestTypingTransitionsBroadcastOnce(t *testing.T) {
	st := newFakeStore()
	g := newTestGateway(t, st)
	alice, _ := connect(t, g, "alice")
	bob, bobEm := connect(t, g, "bob")
	join(t, g, alice, "room1")
	join(t, g, bob, "room1")

	ref := ConversationRef{ConversationID: "room1"}
	g.HandleFrame(context.Background(), alice, frame(t, EventTypingStart, ref, nil))
	g.HandleFrame(context.Background(), alice, frame(t, EventTypingStart, ref, nil))
	g.HandleFrame(context.Background(), alice, frame(t, EventTypingStart, ref, nil))

	if got := bobEm.count(EventTypingStart); got != 1 {
		t.Fatalf("repeated typing:start emitted %d transitions, want 1", got)
	}

	g.HandleFrame(context.Background(), alice, frame(t, EventTypingStop, ref, nil))
	g.HandleFrame(context.Background(), alice, frame(t, EventTypingStop, ref, nil))

	if got := bobEm.count(EventTypingStop); got != 1 {
		t.Fatalf("repeated typing:stop emitted %d transitions, want 1", got)
	}
}

func TestTypingIgnoredOutsideRoom(t *testing.T) {
	st := newFakeStore()
	g := newTestGateway(t, st)
	alice, _ := connect(t, g, "alice")
	bob, bobEm := connect(t, g, "bob")
	join(t, g, bob, "room1")

	g.HandleFrame(context.Background(), alice, frame(t, EventTypingStart, ConversationRef{ConversationID: "room1"}, nil))

	if bobEm.count(EventTypingStart) != 0 {
		t.Fatal("typing from a non-member must be ignored")
	}
}

func TestSendClearsTypingState(t *testing.T) {
	st := newFakeStore()
	st.addParticipant("room1", "alice")
	g := newTestGateway(t, st)
	alice, _ := connect(t, g, "alice")
	bob, bobEm := connect(t, g, "bob")
	join(t, g, alice, "room1")
	join(t, g, bob, "room1")

	g.HandleFrame(context.Background(), alice, frame(t, EventTypingStart, ConversationRef{ConversationID: "room1"}, nil))
	g.HandleFrame(context.Background(), alice, frame(t, EventMessageSend,
		SendRequest{ConversationID: "room1", Content: "done"}, nil))

	if got := bobEm.count(EventTypingStop); got != 1 {
		t.Fatalf("send should end typing, got %d typing:stop frames", got)
	}
}

func TestReceiptBatchIdempotent(t *testing.T) {
	st := newFakeStore()
	st.addMessage("m1", "room1")
	st.addMessage("m2", "room1")
	g := newTestGateway(t, st)
	alice, _ := connect(t, g, "alice")
	bob, bobEm := connect(t, g, "bob")
	join(t, g, alice, "room1")
	join(t, g, bob, "room1")

	batch := ReceiptBatch{ConversationID: "room1", MessageIDs: []string{"m1", "m2", "ghost"}}
	g.HandleFrame(context.Background(), alice, frame(t, EventReadBatch, batch, nil))

	payload, ok := bobEm.last(EventReadBatch)
	if !ok {
		t.Fatal("expected a read batch broadcast")
	}
	out := payload.(ReceiptBatch)
	if len(out.MessageIDs) != 2 {
		t.Fatalf("broadcast carries %d ids, want the 2 known ones", len(out.MessageIDs))
	}
	if out.UserID != "alice" {
		t.Fatalf("broadcast should carry the acting user, got %q", out.UserID)
	}

	// Replaying the same batch applies nothing and must stay silent.
	g.HandleFrame(context.Background(), alice, frame(t, EventReadBatch, batch, nil))
	if got := bobEm.count(EventReadBatch); got != 1 {
		t.Fatalf("replayed batch re-broadcast: got %d frames, want 1", got)
	}
}

func TestDeliveredThenReadBothBroadcast(t *testing.T) {
	st := newFakeStore()
	st.addMessage("m1", "room1")
	g := newTestGateway(t, st)
	alice, _ := connect(t, g, "alice")
	bob, bobEm := connect(t, g, "bob")
	join(t, g, alice, "room1")
	join(t, g, bob, "room1")

	batch := ReceiptBatch{ConversationID: "room1", MessageIDs: []string{"m1"}}
	g.HandleFrame(context.Background(), alice, frame(t, EventDeliveredBatch, batch, nil))
	g.HandleFrame(context.Background(), alice, frame(t, EventReadBatch, batch, nil))

	if bobEm.count(EventDeliveredBatch) != 1 || bobEm.count(EventReadBatch) != 1 {
		t.Fatalf("want one delivered and one read broadcast, got %d/%d",
			bobEm.count(EventDeliveredBatch), bobEm.count(EventReadBatch))
	}
}

func TestPresenceSubscribeReturnsSnapshot(t *testing.T) {
	st := newFakeStore()
	g := newTestGateway(t, st)
	_, _ = connect(t, g, "bob")
	alice, em := connect(t, g, "alice")

	ackID := int64(5)
	g.HandleFrame(context.Background(), alice, frame(t, EventPresenceSubscribe,
		PresenceRequest{UserIDs: []string{"bob", "carol"}}, &ackID))

	payload, ok := em.last(EventAck)
	if !ok {
		t.Fatal("expected snapshot in the ack")
	}
	records := payload.([]presence.Record)
	if len(records) != 2 {
		t.Fatalf("snapshot has %d records, want 2", len(records))
	}
	byUser := map[string]presence.Status{}
	for _, r := range records {
		byUser[r.UserID] = r.Status
	}
	if byUser["bob"] != presence.StatusOnline {
		t.Fatalf("bob should be online, got %s", byUser["bob"])
	}
	if byUser["carol"] != presence.StatusOffline {
		t.Fatalf("carol should degrade to offline, got %s", byUser["carol"])
	}
}

func TestPresenceUpdateReachesSubscribers(t *testing.T) {
	st := newFakeStore()
	g := newTestGateway(t, st)
	alice, em := connect(t, g, "alice")

	g.HandleFrame(context.Background(), alice, frame(t, EventPresenceSubscribe,
		PresenceRequest{UserIDs: []string{"bob"}}, nil))

	bob, _ := connect(t, g, "bob")
	time.Sleep(80 * time.Millisecond)
	if em.count(EventPresenceUpdate) != 1 {
		t.Fatalf("subscriber got %d presence:update frames after connect, want 1", em.count(EventPresenceUpdate))
	}
	if em.count(EventUserOnline) == 0 {
		t.Fatal("global user:online should reach every session")
	}

	g.Disconnect(context.Background(), bob)
	time.Sleep(80 * time.Millisecond)
	if em.count(EventUserOffline) == 0 {
		t.Fatal("global user:offline should follow the disconnect")
	}
	payload, _ := em.last(EventPresenceUpdate)
	rec := payload.(presence.Record)
	if rec.Status != presence.StatusOffline || rec.LastSeen == nil {
		t.Fatalf("offline update should carry lastSeen, got %+v", rec)
	}
}

func TestDisconnectCleansUpEverything(t *testing.T) {
	st := newFakeStore()
	g := newTestGateway(t, st)
	alice, _ := connect(t, g, "alice")
	bob, bobEm := connect(t, g, "bob")
	join(t, g, alice, "room1")
	join(t, g, bob, "room1")

	g.HandleFrame(context.Background(), alice, frame(t, EventTypingStart, ConversationRef{ConversationID: "room1"}, nil))
	g.Disconnect(context.Background(), alice)

	if got := bobEm.count(EventTypingStop); got != 1 {
		t.Fatalf("disconnect should end typing, got %d typing:stop frames", got)
	}
	g.mu.RLock()
	_, sessionLives := g.sessions[alice.ConnID]
	_, roomLives := g.rooms["room1"][alice.ConnID]
	g.mu.RUnlock()
	if sessionLives || roomLives {
		t.Fatal("disconnect must remove the session and its room memberships")
	}

	// A second disconnect is a no-op.
	g.Disconnect(context.Background(), alice)
	if got := bobEm.count(EventTypingStop); got != 1 {
		t.Fatalf("repeated disconnect re-emitted typing:stop, got %d", got)
	}
}

func TestLeaveStopsRoomDelivery(t *testing.T) {
	st := newFakeStore()
	st.addParticipant("room1", "alice")
	g := newTestGateway(t, st)
	alice, _ := connect(t, g, "alice")
	bob, bobEm := connect(t, g, "bob")
	join(t, g, alice, "room1")
	join(t, g, bob, "room1")

	g.HandleFrame(context.Background(), bob, frame(t, EventConversationLeave, ConversationRef{ConversationID: "room1"}, nil))
	g.HandleFrame(context.Background(), alice, frame(t, EventMessageSend,
		SendRequest{ConversationID: "room1", Content: "anyone there"}, nil))

	if bobEm.count(EventMessageNew) != 0 {
		t.Fatal("messages must not reach a connection after it leaves")
	}
}

func TestUnknownEventReportsError(t *testing.T) {
	st := newFakeStore()
	g := newTestGateway(t, st)
	alice, em := connect(t, g, "alice")

	g.HandleFrame(context.Background(), alice, Frame{Event: "no:such:event"})

	if em.count(EventError) != 1 {
		t.Fatal("unknown events should produce an error frame")
	}
}

func TestMalformedPayloadDoesNotPanic(t *testing.T) {
	st := newFakeStore()
	g := newTestGateway(t, st)
	alice, _ := connect(t, g, "alice")

	for _, event := range []string{
		EventConversationJoin, EventMessageSend, EventTypingStart,
		EventReadBatch, EventPresenceSubscribe, EventPresenceStatus,
	} {
		g.HandleFrame(context.Background(), alice, Frame{Event: event, Data: json.RawMessage(`{"broken`)})
	}
}

func TestPeerRoomEventDelivered(t *testing.T) {
	st := newFakeStore()
	g := newTestGateway(t, st)
	bob, bobEm := connect(t, g, "bob")
	join(t, g, bob, "room1")

	handlers := g.BridgeHandlers()
	handlers.Room("room1", bridge.Envelope{
		Type:           EventMessageNew,
		Payload:        json.RawMessage(`{"id":"remote-1","conversationId":"room1"}`),
		OriginServerID: "other-server",
	})

	if bobEm.count(EventMessageNew) != 1 {
		t.Fatal("peer room events must reach local members")
	}
}

func TestPeerBroadcastReachesAllSessions(t *testing.T) {
	st := newFakeStore()
	g := newTestGateway(t, st)
	_, aliceEm := connect(t, g, "alice")
	_, bobEm := connect(t, g, "bob")

	handlers := g.BridgeHandlers()
	handlers.Broadcast(EventUserOnline, bridge.Envelope{
		Type:           EventUserOnline,
		Payload:        json.RawMessage(`{"userId":"carol"}`),
		OriginServerID: "other-server",
	})

	if aliceEm.count(EventUserOnline) == 0 || bobEm.count(EventUserOnline) == 0 {
		t.Fatal("peer broadcast must reach every local session")
	}
}
