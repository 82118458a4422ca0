package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"chatsync/cmd/internal/auth"
	"chatsync/cmd/internal/chat"
	v1 "chatsync/contracts/realtime/v1"
)

// Room name prefixes. A conversation room carries everything scoped to one
// thread; an identity room reaches every session of one party.
const (
	roomConversationPrefix = "conversation-"
	roomIdentityPrefix     = "identity-"
	roomUserPrefix         = "user-"
)

// ConversationRoom returns the room name for a conversation key.
func ConversationRoom(conversationKey string) string {
	return roomConversationPrefix + conversationKey
}

// IdentityRoom returns the room name for a party id.
func IdentityRoom(partyID string) string {
	return roomIdentityPrefix + partyID
}

// UserRoom returns the personal room name for a user id.
func UserRoom(userID string) string {
	return roomUserPrefix + userID
}

// PresenceSink receives best-effort presence write-throughs. chat.Store
// satisfies it; failures are logged, never surfaced to the connection.
type PresenceSink interface {
	SetPresence(ctx context.Context, externalPartyID string, online bool, lastSeen time.Time) error
}

// Router owns the connection registry, room membership, and ephemeral
// presence. All state is scoped to connection lifetime and mutated only
// through the Router's API.
//
// Fan-out never blocks: membership is snapshotted under the read lock and
// sends happen outside it, dropping under backpressure.
type Router struct {
	log  *slog.Logger
	sink PresenceSink

	mu    sync.RWMutex
	conns map[string]*Client            // session id -> client
	rooms map[string]map[string]*Client // room -> session id -> client
}

// NewRouter constructs a Router. sink may be nil.
func NewRouter(log *slog.Logger, sink PresenceSink) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:   log,
		sink:  sink,
		conns: make(map[string]*Client),
		rooms: make(map[string]map[string]*Client),
	}
}

// Register adds a freshly accepted connection (still unauthenticated).
func (r *Router) Register(c *Client) {
	if c == nil || c.SessionID == "" {
		return
	}
	r.mu.Lock()
	r.conns[c.SessionID] = c
	r.mu.Unlock()

	liveConnections.Inc()
	r.log.Info("router.session.open", "session_id", c.SessionID)
}

// Authenticated binds the verified identity: the session joins its personal
// and identity rooms, presence flips to online, and everyone else hears
// user-online.
func (r *Router) Authenticated(ctx context.Context, c *Client, id auth.Identity) {
	if c == nil {
		return
	}
	c.SetIdentity(id)

	r.mu.Lock()
	r.joinLocked(UserRoom(id.UserID), c)
	r.joinLocked(IdentityRoom(id.PartyID), c)
	r.mu.Unlock()

	r.log.Info("router.session.authenticated", "session_id", c.SessionID, "user_id", id.UserID, "party_id", id.PartyID)

	now := time.Now().UTC()
	r.broadcastAll(c.SessionID, r.envelope(v1.TypeUserOnline, v1.PresencePayload{
		UserID:   id.UserID,
		PartyID:  id.PartyID,
		Online:   true,
		LastSeen: now,
	}))
	r.writePresence(ctx, id.PartyID, true, now)
}

// Disconnect releases every room the session joined and, if it was
// authenticated, records offline presence and broadcasts user-offline.
func (r *Router) Disconnect(ctx context.Context, c *Client) {
	if c == nil {
		return
	}

	r.mu.Lock()
	delete(r.conns, c.SessionID)
	for room, members := range r.rooms {
		delete(members, c.SessionID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	r.mu.Unlock()

	liveConnections.Dec()
	r.log.Info("router.session.close", "session_id", c.SessionID)

	id, ok := c.Identity()
	if !ok {
		return
	}

	now := time.Now().UTC()
	r.broadcastAll(c.SessionID, r.envelope(v1.TypeUserOffline, v1.PresencePayload{
		UserID:   id.UserID,
		PartyID:  id.PartyID,
		Online:   false,
		LastSeen: now,
	}))
	r.writePresence(ctx, id.PartyID, false, now)
}

// JoinConversation subscribes the session to a conversation room.
// No-op while unauthenticated.
func (r *Router) JoinConversation(c *Client, conversationKey string) {
	if c == nil || conversationKey == "" || !c.Authenticated() {
		return
	}
	r.mu.Lock()
	r.joinLocked(ConversationRoom(conversationKey), c)
	r.mu.Unlock()

	r.log.Info("router.room.join", "session_id", c.SessionID, "conversation_key", conversationKey)
}

// LeaveConversation unsubscribes the session from a conversation room.
// No-op while unauthenticated.
func (r *Router) LeaveConversation(c *Client, conversationKey string) {
	if c == nil || conversationKey == "" || !c.Authenticated() {
		return
	}
	room := ConversationRoom(conversationKey)

	r.mu.Lock()
	if members := r.rooms[room]; members != nil {
		delete(members, c.SessionID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	r.mu.Unlock()

	r.log.Info("router.room.leave", "session_id", c.SessionID, "conversation_key", conversationKey)
}

// Typing relays a typing indicator to the conversation room, excluding the
// sender's own connection. No-op while unauthenticated.
func (r *Router) Typing(c *Client, conversationKey string, isTyping bool) {
	if c == nil || conversationKey == "" {
		return
	}
	id, ok := c.Identity()
	if !ok {
		return
	}
	r.broadcastRoom(ConversationRoom(conversationKey), c.SessionID, r.envelope(v1.TypeUserTyping, v1.UserTypingPayload{
		PartyID:         id.PartyID,
		ConversationKey: conversationKey,
		IsTyping:        isTyping,
	}))
}

// MessageApplied implements chat.Notifier: the applied message reaches the
// conversation room and the recipient identity's room.
func (r *Router) MessageApplied(msg chat.Message, summary chat.ConversationSummary) {
	payload := v1.NewMessagePayload{
		Message: wireMessage(msg),
		Summary: wireSummary(summary),
	}
	r.broadcastRoom(ConversationRoom(msg.ConversationKey), "", r.envelope(v1.TypeNewMessage, payload))
	r.broadcastRoom(IdentityRoom(msg.LocalPartyID), "", r.envelope(v1.TypeMessageReceived, payload))
}

// StatusApplied implements chat.Notifier: status changes reach the
// conversation room.
func (r *Router) StatusApplied(msg chat.Message) {
	r.broadcastRoom(ConversationRoom(msg.ConversationKey), "", r.envelope(v1.TypeMessageStatus, v1.MessageStatusPayload{
		ExternalID:      msg.ExternalID,
		ConversationKey: msg.ConversationKey,
		Status:          string(msg.Status),
	}))
}

// ---- internals ----

// joinLocked requires r.mu held for writing.
func (r *Router) joinLocked(room string, c *Client) {
	members := r.rooms[room]
	if members == nil {
		members = make(map[string]*Client)
		r.rooms[room] = members
	}
	members[c.SessionID] = c
}

// snapshotRoom copies the member set so sends happen outside the lock.
func (r *Router) snapshotRoom(room, exceptSession string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	if len(members) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(members))
	for sid, c := range members {
		if sid == exceptSession || c == nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (r *Router) snapshotAll(exceptSession string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.conns))
	for sid, c := range r.conns {
		if sid == exceptSession || c == nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (r *Router) broadcastRoom(room, exceptSession string, env v1.Envelope) {
	r.deliver(r.snapshotRoom(room, exceptSession), env)
}

func (r *Router) broadcastAll(exceptSession string, env v1.Envelope) {
	r.deliver(r.snapshotAll(exceptSession), env)
}

// deliver enqueues non-blocking: clients that are shutting down or whose
// queue is full are skipped rather than stalling the fan-out.
func (r *Router) deliver(targets []*Client, env v1.Envelope) {
	for _, c := range targets {
		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
			fanoutDeliveries.WithLabelValues(env.Type).Inc()
		default:
			fanoutDrops.WithLabelValues(env.Type).Inc()
		}
	}
}

func (r *Router) envelope(typ string, payload any) v1.Envelope {
	now := time.Now().UTC()
	id, err := NewEnvelopeID(now)
	if err != nil {
		id = ""
	}
	raw, _ := json.Marshal(payload)
	return v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: now, Payload: raw}
}

func (r *Router) writePresence(ctx context.Context, partyID string, online bool, lastSeen time.Time) {
	if r.sink == nil {
		return
	}
	wctx, cancel := context.WithTimeout(withoutCancel(ctx), presenceWriteTimeout)
	defer cancel()
	if err := r.sink.SetPresence(wctx, partyID, online, lastSeen); err != nil {
		r.log.Warn("router.presence.write_fail", "party_id", partyID, "err", err)
	}
}

// withoutCancel keeps presence writes alive while the connection that
// triggered them is tearing down.
func withoutCancel(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}

func wireMessage(m chat.Message) v1.MessagePayload {
	return v1.MessagePayload{
		ExternalID:        m.ExternalID,
		ConversationKey:   m.ConversationKey,
		ExternalPartyID:   m.ExternalPartyID,
		LocalPartyID:      m.LocalPartyID,
		Body:              m.Body,
		Kind:              string(m.Kind),
		Direction:         string(m.Direction),
		Status:            string(m.Status),
		ProviderTimestamp: m.ProviderTimestamp,
		CreatedAt:         m.CreatedAt,
	}
}

func wireSummary(s chat.ConversationSummary) v1.SummaryPayload {
	return v1.SummaryPayload{
		ConversationKey:      s.ConversationKey,
		ExternalPartyID:      s.ExternalPartyID,
		ExternalPartyName:    s.ExternalPartyName,
		LastMessageBody:      s.LastMessageBody,
		LastMessageTimestamp: s.LastMessageTimestamp,
		UnreadCount:          s.UnreadCount,
		UpdatedAt:            s.UpdatedAt,
	}
}
