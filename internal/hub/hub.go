package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pairwave/signaling/internal/ident"
	"github.com/pairwave/signaling/internal/metrics"
	"github.com/pairwave/signaling/internal/token"
)

// Hub is the in-memory room and session registry plus the message loop both
// transports feed into.
//
// Locking is two-tier: the registry lock guards the session/room/watcher
// maps, each Room guards its own membership. When both are needed the
// registry lock is acquired first. Outbound messages are enqueued after every
// lock is released, except in Replace, which moves a resumed session's
// already-queued messages to its successor under the registry lock; enqueue
// never blocks.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	roomIDs *ident.RoomIDs
	tokens  *token.Store

	// mintRelayTokens is false when TURN is not configured; joins then omit
	// the turnToken fields rather than failing.
	mintRelayTokens bool

	now func() time.Time

	mu            sync.RWMutex
	sessions      map[*Session]struct{}
	sessionsBySid map[string]*Session
	rooms         map[string]*Room
	watchers      map[string]map[*Session]struct{}
}

// Config for New. Now may be nil to use the wall clock.
type Config struct {
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	RoomIDs         *ident.RoomIDs
	Tokens          *token.Store
	MintRelayTokens bool
	Now             func() time.Time
}

func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		log:             cfg.Logger,
		metrics:         cfg.Metrics,
		roomIDs:         cfg.RoomIDs,
		tokens:          cfg.Tokens,
		mintRelayTokens: cfg.MintRelayTokens && cfg.Tokens != nil,
		now:             cfg.Now,
		sessions:        make(map[*Session]struct{}),
		sessionsBySid:   make(map[string]*Session),
		rooms:           make(map[string]*Room),
		watchers:        make(map[string]map[*Session]struct{}),
	}
}

// Register adds a freshly accepted session to the registry.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.sessionsBySid[s.sid] = s
	h.mu.Unlock()
}

// GetBySID returns the live session owning sid, or nil.
func (h *Hub) GetBySID(sid string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessionsBySid[sid]
}

// Replace swaps a resumed event-stream session in for its predecessor: the
// sid, room slot, cid, and watch subscriptions carry over, and messages
// queued on the old session move to the new queue in order.
func (h *Hub) Replace(old, succ *Session) {
	h.mu.Lock()

	// Hand the queue off before the successor becomes reachable through the
	// room, so nothing is enqueued on it ahead of the moved messages.
	dropped := old.handoff(succ)

	delete(h.sessions, old)
	h.sessions[succ] = struct{}{}
	h.sessionsBySid[succ.sid] = succ

	for _, set := range h.watchers {
		if _, ok := set[old]; ok {
			delete(set, old)
			set[succ] = struct{}{}
		}
	}

	if rid, cid := old.roomRef(); rid != "" {
		if room := h.rooms[rid]; room != nil {
			room.mu.Lock()
			if _, ok := room.participants[old]; ok {
				delete(room.participants, old)
				room.participants[succ] = cid
				succ.setRoom(rid, cid)
			}
			room.mu.Unlock()
		}
	}
	h.mu.Unlock()

	old.clearRoom()
	old.close()

	if dropped > 0 {
		h.metrics.Add(metrics.EventMessageDropped, uint64(dropped))
		h.log.Warn("dropped messages during session resume", "sid", succ.sid, "dropped", dropped)
	}
	h.metrics.Inc(metrics.EventSSEResumed)
	h.log.Info("session resumed", "sid", succ.sid)
}

// Disconnect removes a session from the registry and its room. Safe to call
// more than once; only the first call acts.
func (h *Hub) Disconnect(s *Session) {
	h.mu.Lock()
	_, known := h.sessions[s]
	delete(h.sessions, s)
	if h.sessionsBySid[s.sid] == s {
		delete(h.sessionsBySid, s.sid)
	}
	for rid, set := range h.watchers {
		if _, ok := set[s]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.watchers, rid)
			}
		}
	}
	h.mu.Unlock()

	if !known {
		s.close()
		return
	}

	h.removeFromRoom(s)
	s.close()
	h.metrics.Inc(metrics.EventSessionClosed)
	h.log.Info("session disconnected", "sid", s.sid, "transport", s.transport)
}

// EvictStaleSSE disconnects event-stream sessions with no successful read
// since the cutoff. Runs from the supervisor's reaper.
func (h *Hub) EvictStaleSSE(cutoff time.Time) {
	cutoffNanos := cutoff.UnixNano()

	h.mu.RLock()
	var stale []*Session
	for s := range h.sessions {
		if s.transport != TransportSSE || s.Replaced() {
			continue
		}
		if last := s.lastSeen.Load(); last > 0 && last < cutoffNanos {
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.metrics.Inc(metrics.EventStaleSSEEvicted)
		h.log.Info("evicting stale event-stream session", "sid", s.sid)
		h.Disconnect(s)
	}
}

// Deliver runs one raw inbound frame through the message loop on behalf of s.
func (h *Hub) Deliver(s *Session, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(s, "", ErrCodeBadRequest, "invalid JSON", false)
		return
	}
	if msg.V != ProtocolVersion {
		h.sendError(s, msg.RID, ErrCodeUnsupportedVersion, "only protocol version 1 is supported", false)
		return
	}

	h.metrics.Inc(metrics.EventMessageDispatched)

	switch msg.Type {
	case TypeJoin:
		h.handleJoin(s, msg)
	case TypeLeave:
		h.removeFromRoom(s)
	case TypeEndRoom:
		h.handleEndRoom(s)
	case TypeOffer, TypeAnswer, TypeICE:
		h.handleRelay(s, msg)
	case TypeWatchRooms:
		h.handleWatchRooms(s, msg)
	case TypePing:
		// Liveness only; the transport already advanced lastSeen.
	default:
		h.log.Warn("dropping unknown message type", "sid", s.sid, "type", msg.Type)
	}
}

func (h *Hub) handleJoin(s *Session, msg Message) {
	rid := msg.RID
	if rid == "" {
		h.sendError(s, "", ErrCodeBadRequest, "missing rid", false)
		return
	}
	if err := h.roomIDs.Validate(rid); err != nil {
		if errors.Is(err, ident.ErrNotConfigured) {
			h.sendError(s, rid, ErrCodeServerNotConfigured, "room ID service is not configured", false)
			return
		}
		h.sendError(s, rid, ErrCodeInvalidRoomID, "rid must be a valid room token", false)
		return
	}

	// Per-type payloads parse tolerantly; a malformed payload joins without
	// reconnect semantics rather than failing.
	var payload joinPayload
	if len(msg.Payload) > 0 {
		_ = json.Unmarshal(msg.Payload, &payload)
	}

	// Graceful switch: a session may only ever be in one room.
	if s.currentRID() != "" {
		h.removeFromRoom(s)
	}

	h.mu.Lock()
	room, ok := h.rooms[rid]
	if !ok {
		room = newRoom(rid)
		h.rooms[rid] = room
		h.metrics.Inc(metrics.EventRoomCreated)
		h.log.Info("room created", "rid", rid)
	}
	h.mu.Unlock()

	now := h.now()

	room.mu.Lock()

	// Reconnect: evict the ghost holding our previous cid, freeing its slot.
	// The evicted cid is reused so host identity and offer/answer roles
	// survive the reconnect.
	reusedCID := ""
	if payload.ReconnectCID != "" {
		for ghost, cid := range room.participants {
			if cid == payload.ReconnectCID && ghost != s {
				delete(room.participants, ghost)
				ghost.clearRoom()
				reusedCID = cid
				h.metrics.Inc(metrics.EventGhostEvicted)
				h.log.Info("evicted ghost participant", "rid", rid, "cid", cid, "old_sid", ghost.sid)
				break
			}
		}
	}

	// Capacity is re-checked after any eviction; the slot freed by the ghost
	// may be the only one available.
	if len(room.participants) >= maxParticipants {
		room.mu.Unlock()
		h.sendError(s, rid, ErrCodeRoomFull, "room is full", false)
		return
	}

	cid := reusedCID
	if cid == "" {
		cid = ident.NewClientID()
	}
	room.participants[s] = cid
	if room.hostCid == "" {
		room.hostCid = cid
	}
	hostCid := room.hostCid
	participants := room.participantsLocked(now)
	room.mu.Unlock()

	s.setRoom(rid, cid)

	joined := joinedPayload{
		HostCID:      hostCid,
		Participants: participants,
	}
	if h.mintRelayTokens {
		if relayToken, expiresAt, err := h.tokens.Issue(s.ip, token.CallTTL, token.KindCall); err == nil {
			joined.TurnToken = relayToken
			joined.TurnTokenExpiresAt = expiresAt.Unix()
		} else {
			h.log.Error("relay token mint failed", "sid", s.sid, "err", err)
		}
	}

	h.log.Info("session joined room", "rid", rid, "sid", s.sid, "cid", cid, "host", hostCid)

	// The joiner sees joined before the room_state that lists it; both land
	// on the same FIFO queue in that order.
	h.send(s, Message{
		V:       ProtocolVersion,
		Type:    TypeJoined,
		RID:     rid,
		SID:     s.sid,
		CID:     cid,
		Payload: mustMarshal(joined),
	})

	h.broadcastRoomState(room)
	h.notifyWatchers(rid)
}

func (h *Hub) handleEndRoom(s *Session) {
	rid, cid := s.roomRef()
	if rid == "" {
		return
	}

	h.mu.Lock()
	room := h.rooms[rid]
	if room == nil {
		h.mu.Unlock()
		return
	}

	room.mu.Lock()
	memberCID, member := room.participants[s]
	if !member || memberCID != room.hostCid {
		room.mu.Unlock()
		h.mu.Unlock()
		h.log.Info("end_room rejected", "rid", rid, "sid", s.sid, "cid", cid)
		h.sendError(s, rid, ErrCodeNotHost, "only the host can end the room", false)
		return
	}

	members := room.membersLocked()
	room.participants = make(map[*Session]string, maxParticipants)
	room.hostCid = ""
	room.mu.Unlock()

	delete(h.rooms, rid)
	h.mu.Unlock()

	ended := Message{
		V:       ProtocolVersion,
		Type:    TypeRoomEnded,
		RID:     rid,
		Payload: mustMarshal(roomEndedPayload{By: memberCID, Reason: "host_ended"}),
	}
	for _, m := range members {
		m.clearRoom()
		h.send(m, ended)
	}

	h.metrics.Inc(metrics.EventRoomEnded)
	h.metrics.Inc(metrics.EventRoomDeleted)
	h.log.Info("room ended by host", "rid", rid, "host", memberCID, "members", len(members))
	h.notifyWatchers(rid)
}

// handleRelay forwards offer/answer/ice between room peers, rewriting the
// payload so receivers learn the sender's cid.
func (h *Hub) handleRelay(s *Session, msg Message) {
	rid, _ := s.roomRef()
	if rid == "" {
		h.log.Debug("relay from session outside any room", "sid", s.sid, "type", msg.Type)
		return
	}

	h.mu.RLock()
	room := h.rooms[rid]
	h.mu.RUnlock()
	if room == nil {
		h.log.Debug("relay into missing room", "sid", s.sid, "rid", rid)
		return
	}

	room.mu.Lock()
	senderCID, member := room.participants[s]
	if !member {
		room.mu.Unlock()
		h.log.Debug("relay from non-participant", "sid", s.sid, "rid", rid)
		return
	}
	targets := make([]*Session, 0, maxParticipants-1)
	for peer, cid := range room.participants {
		if cid == senderCID {
			continue
		}
		if msg.To != "" && msg.To != cid {
			continue
		}
		targets = append(targets, peer)
	}
	room.mu.Unlock()

	// Rewrap the payload with the sender's cid. Inner fields pass through
	// untouched, including ICE end-of-candidates (candidate: null).
	var relayPayload map[string]any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &relayPayload); err != nil {
			h.log.Debug("relay payload is not an object", "sid", s.sid, "type", msg.Type, "err", err)
		}
	}
	if relayPayload == nil {
		relayPayload = make(map[string]any, 1)
	}
	relayPayload["from"] = senderCID

	relayed := Message{
		V:       ProtocolVersion,
		Type:    msg.Type,
		RID:     rid,
		Payload: mustMarshal(relayPayload),
	}
	for _, peer := range targets {
		h.send(peer, relayed)
	}
}

func (h *Hub) handleWatchRooms(s *Session, msg Message) {
	var payload watchRoomsPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.sendError(s, msg.RID, ErrCodeBadRequest, "invalid payload", false)
		return
	}

	statuses := make(map[string]int, len(payload.RIDs))

	h.mu.Lock()
	for _, rid := range payload.RIDs {
		// Invalid rids are skipped silently and excluded from the reply.
		if err := h.roomIDs.Validate(rid); err != nil {
			continue
		}
		set := h.watchers[rid]
		if set == nil {
			set = make(map[*Session]struct{})
			h.watchers[rid] = set
		}
		set[s] = struct{}{}

		count := 0
		if room := h.rooms[rid]; room != nil {
			room.mu.Lock()
			count = len(room.participants)
			room.mu.Unlock()
		}
		statuses[rid] = count
	}
	h.mu.Unlock()

	h.send(s, Message{
		V:       ProtocolVersion,
		Type:    TypeRoomStatuses,
		Payload: mustMarshal(statuses),
	})
}

// removeFromRoom takes s out of its current room, transferring host if
// needed. Idempotent: a session with no membership is a no-op.
func (h *Hub) removeFromRoom(s *Session) {
	rid, cid := s.roomRef()
	if rid == "" {
		return
	}

	h.mu.RLock()
	room := h.rooms[rid]
	h.mu.RUnlock()
	if room == nil {
		s.clearRoom()
		return
	}

	room.mu.Lock()
	if _, member := room.participants[s]; !member {
		room.mu.Unlock()
		s.clearRoom()
		return
	}
	delete(room.participants, s)
	if room.hostCid == cid {
		newHost := ""
		for _, other := range room.participants {
			newHost = other
			break
		}
		room.hostCid = newHost
		if newHost != "" {
			h.log.Info("host transferred", "rid", rid, "from", cid, "to", newHost)
		}
	}
	empty := len(room.participants) == 0
	room.mu.Unlock()

	s.clearRoom()
	h.log.Info("session left room", "rid", rid, "sid", s.sid, "cid", cid)

	if empty {
		h.deleteRoom(rid, room)
	} else {
		h.broadcastRoomState(room)
	}
	h.notifyWatchers(rid)
}

// deleteRoom drops an empty room from the registry. The registry entry is
// only removed if it still maps to the same Room; a concurrent join may have
// already replaced it.
func (h *Hub) deleteRoom(rid string, room *Room) {
	h.mu.Lock()
	if h.rooms[rid] == room {
		delete(h.rooms, rid)
		h.metrics.Inc(metrics.EventRoomDeleted)
		h.log.Info("room deleted", "rid", rid)
	}
	h.mu.Unlock()
}

// broadcastRoomState snapshots membership under the room lock and enqueues
// the update to every participant afterwards.
func (h *Hub) broadcastRoomState(room *Room) {
	room.mu.Lock()
	state := roomStatePayload{
		HostCID:      room.hostCid,
		Participants: room.participantsLocked(time.Time{}),
	}
	members := room.membersLocked()
	room.mu.Unlock()

	msg := Message{
		V:       ProtocolVersion,
		Type:    TypeRoomState,
		RID:     room.rid,
		Payload: mustMarshal(state),
	}
	for _, m := range members {
		h.send(m, msg)
	}
}

// notifyWatchers fans the current occupancy out to every watcher of rid,
// snapshot-then-send so slow consumers never block mutations.
func (h *Hub) notifyWatchers(rid string) {
	h.mu.RLock()
	set := h.watchers[rid]
	if len(set) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Session, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	count := 0
	if room := h.rooms[rid]; room != nil {
		room.mu.Lock()
		count = len(room.participants)
		room.mu.Unlock()
	}
	h.mu.RUnlock()

	msg := Message{
		V:       ProtocolVersion,
		Type:    TypeRoomStatusUpdate,
		Payload: mustMarshal(roomStatusUpdatePayload{RID: rid, Count: count}),
	}
	for _, s := range targets {
		h.send(s, msg)
		h.metrics.Inc(metrics.EventWatcherNotified)
	}
}

func (h *Hub) sendError(s *Session, rid, code, message string, retryable bool) {
	h.send(s, Message{
		V:       ProtocolVersion,
		Type:    TypeError,
		RID:     rid,
		Payload: mustMarshal(errorPayload{Code: code, Message: message, Retryable: retryable}),
	})
}

// send encodes and enqueues one message. A full queue drops the message for
// that session only; peers resend signaling, and a stalled hub would be
// worse.
func (h *Hub) send(s *Session, msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("message encode failed", "sid", s.sid, "type", msg.Type, "err", err)
		return
	}
	if !s.enqueue(b) {
		h.metrics.Inc(metrics.EventMessageDropped)
		h.log.Warn("outbound queue full, dropping message", "sid", s.sid, "type", msg.Type)
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// All payload types here marshal by construction.
		panic(err)
	}
	return b
}
