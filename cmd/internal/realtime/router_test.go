package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"chatsync/cmd/internal/auth"
	"chatsync/cmd/internal/chat"
	v1 "chatsync/contracts/realtime/v1"
)

type presenceRecord struct {
	partyID string
	online  bool
}

type capturePresence struct {
	records []presenceRecord
}

func (c *capturePresence) SetPresence(_ context.Context, partyID string, online bool, _ time.Time) error {
	c.records = append(c.records, presenceRecord{partyID: partyID, online: online})
	return nil
}

func newTestClient(t *testing.T, r *Router, sessionID string, id *auth.Identity) *Client {
	t.Helper()
	c := NewClient(sessionID, 16)
	r.Register(c)
	if id != nil {
		r.Authenticated(context.Background(), c, *id)
	}
	return c
}

// drain empties a client's queue and returns the envelope types seen.
func drain(c *Client) []string {
	var types []string
	for {
		select {
		case env := <-c.Send:
			types = append(types, env.Type)
		default:
			return types
		}
	}
}

func expectOne(t *testing.T, c *Client, wantType string) v1.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		if env.Type != wantType {
			t.Fatalf("envelope type = %q, want %q", env.Type, wantType)
		}
		if env.V != v1.Version || env.ID == "" {
			t.Fatalf("envelope header = %+v", env)
		}
		return env
	default:
		t.Fatalf("no envelope queued, want %q", wantType)
		return v1.Envelope{}
	}
}

func expectNone(t *testing.T, c *Client) {
	t.Helper()
	if types := drain(c); len(types) != 0 {
		t.Fatalf("unexpected envelopes: %v", types)
	}
}

func TestRouter_MessageAppliedScope(t *testing.T) {
	t.Parallel()

	r := NewRouter(nil, nil)
	agent := &auth.Identity{UserID: "u-agent", PartyID: "0000000000"}
	viewer := &auth.Identity{UserID: "u-viewer", PartyID: "0000000001"}
	outsider := &auth.Identity{UserID: "u-out", PartyID: "0000000002"}

	agentConn := newTestClient(t, r, "s-agent", agent)
	viewerConn := newTestClient(t, r, "s-viewer", viewer)
	outsiderConn := newTestClient(t, r, "s-out", outsider)
	drain(agentConn)
	drain(viewerConn)
	drain(outsiderConn)

	key := "19998887777_0000000000"
	r.JoinConversation(viewerConn, key)

	msg := chat.Message{
		ExternalID:      "wamid.f1",
		ConversationKey: key,
		ExternalPartyID: "19998887777",
		LocalPartyID:    "0000000000",
		Body:            "hello",
		Direction:       chat.DirectionInbound,
		Status:          chat.StatusSent,
	}
	r.MessageApplied(msg, chat.ConversationSummary{ConversationKey: key, UnreadCount: 1})

	// The viewer is in the conversation room.
	env := expectOne(t, viewerConn, v1.TypeNewMessage)
	var payload v1.NewMessagePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Message.ExternalID != "wamid.f1" || payload.Summary.UnreadCount != 1 {
		t.Fatalf("payload = %+v", payload)
	}
	expectNone(t, viewerConn)

	// The recipient identity hears message-received without joining the room.
	expectOne(t, agentConn, v1.TypeMessageReceived)
	expectNone(t, agentConn)

	// Sessions outside both rooms hear nothing.
	expectNone(t, outsiderConn)
}

func TestRouter_StatusAppliedReachesRoomOnly(t *testing.T) {
	t.Parallel()

	r := NewRouter(nil, nil)
	member := newTestClient(t, r, "s-m", &auth.Identity{UserID: "u-m", PartyID: "1"})
	stranger := newTestClient(t, r, "s-s", &auth.Identity{UserID: "u-s", PartyID: "2"})
	drain(member)
	drain(stranger)

	key := "19998887777_0000000000"
	r.JoinConversation(member, key)
	r.StatusApplied(chat.Message{ExternalID: "wamid.s1", ConversationKey: key, Status: chat.StatusRead})

	env := expectOne(t, member, v1.TypeMessageStatus)
	var payload v1.MessageStatusPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ExternalID != "wamid.s1" || payload.Status != "read" {
		t.Fatalf("payload = %+v", payload)
	}
	expectNone(t, stranger)
}

func TestRouter_TypingExcludesSender(t *testing.T) {
	t.Parallel()

	r := NewRouter(nil, nil)
	a := newTestClient(t, r, "s-a", &auth.Identity{UserID: "u-a", PartyID: "1"})
	b := newTestClient(t, r, "s-b", &auth.Identity{UserID: "u-b", PartyID: "2"})
	drain(a)
	drain(b)

	key := "19998887777_0000000000"
	r.JoinConversation(a, key)
	r.JoinConversation(b, key)

	r.Typing(a, key, true)

	env := expectOne(t, b, v1.TypeUserTyping)
	var payload v1.UserTypingPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.PartyID != "1" || !payload.IsTyping {
		t.Fatalf("payload = %+v", payload)
	}
	expectNone(t, a)
}

func TestRouter_UnauthenticatedIsInert(t *testing.T) {
	t.Parallel()

	r := NewRouter(nil, nil)
	anon := newTestClient(t, r, "s-anon", nil)
	key := "19998887777_0000000000"

	r.JoinConversation(anon, key)
	r.Typing(anon, key, true)
	r.MessageApplied(chat.Message{ExternalID: "x", ConversationKey: key}, chat.ConversationSummary{ConversationKey: key})

	// Never joined, so the fan-out cannot reach it.
	expectNone(t, anon)
}

func TestRouter_PresenceLifecycle(t *testing.T) {
	t.Parallel()

	sink := &capturePresence{}
	r := NewRouter(nil, sink)
	watcher := newTestClient(t, r, "s-w", &auth.Identity{UserID: "u-w", PartyID: "2"})
	drain(watcher)

	id := auth.Identity{UserID: "u-p", PartyID: "19998887777"}
	conn := newTestClient(t, r, "s-p", &id)

	env := expectOne(t, watcher, v1.TypeUserOnline)
	var payload v1.PresencePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.PartyID != "19998887777" || !payload.Online {
		t.Fatalf("payload = %+v", payload)
	}
	// The session never hears its own presence.
	expectNone(t, conn)

	r.Disconnect(context.Background(), conn)
	expectOne(t, watcher, v1.TypeUserOffline)

	if len(sink.records) != 2 {
		t.Fatalf("presence writes = %d, want 2", len(sink.records))
	}
	if sink.records[0] != (presenceRecord{partyID: "19998887777", online: true}) {
		t.Fatalf("first presence write = %+v", sink.records[0])
	}
	if sink.records[1] != (presenceRecord{partyID: "19998887777", online: false}) {
		t.Fatalf("second presence write = %+v", sink.records[1])
	}
}

func TestRouter_DisconnectUnauthenticatedIsSilent(t *testing.T) {
	t.Parallel()

	sink := &capturePresence{}
	r := NewRouter(nil, sink)
	watcher := newTestClient(t, r, "s-w", &auth.Identity{UserID: "u-w", PartyID: "2"})
	drain(watcher)

	anon := newTestClient(t, r, "s-anon", nil)
	r.Disconnect(context.Background(), anon)

	expectNone(t, watcher)
	if len(sink.records) != 1 {
		t.Fatalf("presence writes = %d, want 1 (watcher online only)", len(sink.records))
	}
}

func TestRouter_LeaveConversationStopsDelivery(t *testing.T) {
	t.Parallel()

	r := NewRouter(nil, nil)
	c := newTestClient(t, r, "s-l", &auth.Identity{UserID: "u-l", PartyID: "1"})
	drain(c)

	key := "19998887777_0000000000"
	r.JoinConversation(c, key)
	r.LeaveConversation(c, key)

	r.StatusApplied(chat.Message{ExternalID: "wamid.x", ConversationKey: key, Status: chat.StatusRead})
	expectNone(t, c)
}

func TestRouter_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	r := NewRouter(nil, nil)
	c := NewClient("s-full", 1)
	r.Register(c)
	r.Authenticated(context.Background(), c, auth.Identity{UserID: "u-f", PartyID: "1"})
	drain(c)

	key := "19998887777_0000000000"
	r.JoinConversation(c, key)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			r.StatusApplied(chat.Message{ExternalID: "wamid.q", ConversationKey: key, Status: chat.StatusRead})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("fan-out blocked on a full queue")
	}
	if got := len(drain(c)); got != 1 {
		t.Fatalf("queued envelopes = %d, want 1", got)
	}
}

func TestRouter_ClosedClientIsSkipped(t *testing.T) {
	t.Parallel()

	r := NewRouter(nil, nil)
	c := newTestClient(t, r, "s-c", &auth.Identity{UserID: "u-c", PartyID: "1"})
	drain(c)

	key := "19998887777_0000000000"
	r.JoinConversation(c, key)
	c.Close()

	r.StatusApplied(chat.Message{ExternalID: "wamid.c", ConversationKey: key, Status: chat.StatusRead})
	expectNone(t, c)
}

func TestRoomNames(t *testing.T) {
	t.Parallel()

	if got := ConversationRoom("1_2"); got != "conversation-1_2" {
		t.Fatalf("conversation room = %q", got)
	}
	if got := IdentityRoom("42"); got != "identity-42" {
		t.Fatalf("identity room = %q", got)
	}
	if got := UserRoom("u-1"); got != "user-u-1" {
		t.Fatalf("user room = %q", got)
	}
}
