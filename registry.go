package main

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	errConnClosed = errors.New("connection closed")
	errSendBusy   = errors.New("send buffer full")
)

const sendBufferSize = 16

// Connection is one live client socket. It belongs to exactly one session
// for its whole lifetime and is owned by the Registry from Connect until
// Disconnect.
type Connection struct {
	ID          string
	Session     string
	Role        string
	Player      *PlayerInfo
	ConnectedAt time.Time

	sock *websocket.Conn // nil for registry-only connections in tests
	send chan envelope

	mu     sync.Mutex
	closed bool

	// Registry-owned, guarded by Registry.mu.
	lastHeartbeat time.Time
	ready         bool
	answered      bool
}

// trySend queues msg for the write pump without blocking. A full buffer is
// reported as errSendBusy so the caller can decide between dropping and
// retrying.
func (c *Connection) trySend(msg envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnClosed
	}

	select {
	case c.send <- msg:
		return nil
	default:
		return errSendBusy
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

type sessionRoom struct {
	code   string
	conns  map[string]*Connection
	cached *envelope // last broadcast question, replayed to late joiners
}

type broadcastOpts struct {
	onlyRoles    []string
	excludeRoles []string
	excludeIDs   []string
	critical     bool
}

func (o broadcastOpts) matches(c *Connection) bool {
	for _, id := range o.excludeIDs {
		if c.ID == id {
			return false
		}
	}
	for _, role := range o.excludeRoles {
		if c.Role == role {
			return false
		}
	}
	if len(o.onlyRoles) == 0 {
		return true
	}
	for _, role := range o.onlyRoles {
		if c.Role == role {
			return true
		}
	}
	return false
}

// Registry owns every live connection and all per-session rooms. All access
// to that state goes through its methods; other components never touch the
// maps directly.
type Registry struct {
	cfg   *Config
	retry retryPolicy

	mu    sync.RWMutex
	rooms map[string]*sessionRoom
	conns map[string]*Connection
}

func newRegistry(cfg *Config) *Registry {
	return &Registry{
		cfg: cfg,
		retry: retryPolicy{
			maxAttempts: cfg.broadcastRetries,
			baseDelay:   cfg.broadcastBackoff,
		},
		rooms: make(map[string]*sessionRoom),
		conns: make(map[string]*Connection),
	}
}

// Connect registers a new connection, confirms it to the client, and for
// players announces the arrival to the non-player audience followed by a
// roster snapshot to everyone. The room is created if absent.
func (r *Registry) Connect(session, role string, player *PlayerInfo, sock *websocket.Conn) *Connection {
	now := time.Now()
	c := &Connection{
		ID:            uuid.NewString(),
		Session:       session,
		Role:          role,
		Player:        player,
		ConnectedAt:   now,
		sock:          sock,
		send:          make(chan envelope, sendBufferSize),
		lastHeartbeat: now,
	}

	r.mu.Lock()
	room, ok := r.rooms[session]
	if !ok {
		room = &sessionRoom{
			code:  session,
			conns: make(map[string]*Connection),
		}
		r.rooms[session] = room
	}
	room.conns[c.ID] = c
	r.conns[c.ID] = c
	r.mu.Unlock()

	logf(r.cfg, "WS: %s connected to session %s", role, session)

	confirm := map[string]any{
		"connection_id": c.ID,
		"session_code":  session,
		"role":          role,
	}
	if player != nil {
		confirm["player_id"] = player.ID
	}
	_ = r.SendDirect(c, newEnvelope(msgConnectionEstablished, confirm), false)

	if role == rolePlayer && player != nil {
		r.Broadcast(session, newEnvelope(msgPlayerJoined, map[string]any{
			"player_id":    player.ID,
			"player_name":  player.Name,
			"player_photo": player.Photo,
		}), broadcastOpts{excludeRoles: []string{rolePlayer}})
	}
	r.broadcastRoster(session)

	return c
}

// Disconnect removes c, destroying its room if it was the last connection.
// Safe to call any number of times.
func (r *Registry) Disconnect(c *Connection) {
	r.mu.Lock()
	if _, ok := r.conns[c.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.ID)

	roomEmpty := false
	if room, ok := r.rooms[c.Session]; ok {
		delete(room.conns, c.ID)
		if len(room.conns) == 0 {
			delete(r.rooms, c.Session)
			roomEmpty = true
		}
	}
	r.mu.Unlock()

	c.close()
	if c.sock != nil {
		_ = c.sock.Close()
	}

	logf(r.cfg, "WS: %s disconnected from session %s", c.Role, c.Session)

	if roomEmpty {
		return
	}

	if c.Role == rolePlayer && c.Player != nil {
		r.Broadcast(c.Session, newEnvelope(msgPlayerLeft, map[string]any{
			"player_id":   c.Player.ID,
			"player_name": c.Player.Name,
		}), broadcastOpts{excludeRoles: []string{rolePlayer}})
	}
	r.broadcastRoster(c.Session)
}

// Broadcast delivers msg to every matching connection in the session.
// Each target is handled independently: one broken client never stops
// delivery to the rest. Critical messages get bounded retries per target
// before the target is dropped; non-critical sends are single attempts.
func (r *Registry) Broadcast(session string, msg envelope, opts broadcastOpts) {
	r.mu.RLock()
	room, ok := r.rooms[session]
	if !ok {
		r.mu.RUnlock()
		return
	}

	targets := make([]*Connection, 0, len(room.conns))
	for _, c := range room.conns {
		if opts.matches(c) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		r.deliver(c, msg, opts.critical)
	}
}

// SendDirect delivers msg to a single connection, with the broadcast retry
// semantics when critical.
func (r *Registry) SendDirect(c *Connection, msg envelope, critical bool) error {
	return r.deliver(c, msg, critical)
}

// SendDirectByID is SendDirect for callers that only hold a connection id,
// such as the join queue notifying a waiting client.
func (r *Registry) SendDirectByID(id string, msg envelope, critical bool) error {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()

	if !ok {
		return validationErr("connection %s not registered", id)
	}
	return r.deliver(c, msg, critical)
}

func (r *Registry) deliver(c *Connection, msg envelope, critical bool) error {
	var err error
	if critical {
		err = r.retry.do(func() error {
			return c.trySend(msg)
		})
	} else {
		err = c.trySend(msg)
	}

	if err != nil {
		logf(r.cfg, "ERROR: dropping %s connection in session %s: %v", c.Role, c.Session, err)
		r.Disconnect(c)
	}

	return err
}

// SetAnswered flags the player's connections for the current question.
// Reports whether any connection matched.
func (r *Registry) SetAnswered(session, playerID string, answered bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[session]
	if !ok {
		return false
	}

	found := false
	for _, c := range room.conns {
		if c.Role == rolePlayer && c.Player != nil && c.Player.ID == playerID {
			c.answered = answered
			found = true
		}
	}
	return found
}

// ResetAllAnswered clears the per-question flags, typically on advancement.
func (r *Registry) ResetAllAnswered(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[session]
	if !ok {
		return
	}
	for _, c := range room.conns {
		if c.Role == rolePlayer {
			c.answered = false
		}
	}
}

// AnsweredCount counts distinct players flagged as answered.
func (r *Registry) AnsweredCount(session string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[session]
	if !ok {
		return 0
	}

	seen := make(map[string]bool)
	for _, c := range room.conns {
		if c.Role == rolePlayer && c.Player != nil && c.answered {
			seen[c.Player.ID] = true
		}
	}
	return len(seen)
}

// PlayerCount counts distinct connected players.
func (r *Registry) PlayerCount(session string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[session]
	if !ok {
		return 0
	}

	seen := make(map[string]bool)
	for _, c := range room.conns {
		if c.Role == rolePlayer && c.Player != nil {
			seen[c.Player.ID] = true
		}
	}
	return len(seen)
}

// playerConnections returns the live connections belonging to one player,
// for point-to-point confirmations.
func (r *Registry) playerConnections(session, playerID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[session]
	if !ok {
		return nil
	}

	conns := make([]*Connection, 0, 1)
	for _, c := range room.conns {
		if c.Role == rolePlayer && c.Player != nil && c.Player.ID == playerID {
			conns = append(conns, c)
		}
	}
	return conns
}

// HeartbeatTick refreshes the connection's liveness timestamp.
func (r *Registry) HeartbeatTick(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.lastHeartbeat = time.Now()
}

// SetReady marks the handshake acknowledged.
func (r *Registry) SetReady(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.ready = true
}

// RosterSnapshot lists player connections ordered by connect time.
func (r *Registry) RosterSnapshot(session string) []PlayerSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.rosterLocked(session)
}

func (r *Registry) rosterLocked(session string) []PlayerSummary {
	room, ok := r.rooms[session]
	if !ok {
		return nil
	}

	roster := make([]PlayerSummary, 0, len(room.conns))
	for _, c := range room.conns {
		if c.Role != rolePlayer || c.Player == nil {
			continue
		}
		roster = append(roster, PlayerSummary{
			PlayerID:    c.Player.ID,
			PlayerName:  c.Player.Name,
			PlayerPhoto: c.Player.Photo,
			ConnectedAt: c.ConnectedAt,
			Answered:    c.answered,
			Ready:       c.ready,
		})
	}

	sort.Slice(roster, func(i, j int) bool {
		return roster[i].ConnectedAt.Before(roster[j].ConnectedAt)
	})

	return roster
}

func (r *Registry) broadcastRoster(session string) {
	r.Broadcast(session, newEnvelope(msgRosterUpdate, map[string]any{
		"players": r.RosterSnapshot(session),
	}), broadcastOpts{})
}

// SessionStats summarizes the room for the stats message and admin surface.
func (r *Registry) SessionStats(session string) sessionStatsPayload {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := sessionStatsPayload{
		Players: r.rosterLocked(session),
	}

	room, ok := r.rooms[session]
	if !ok {
		return stats
	}

	stats.TotalConnections = len(room.conns)
	for _, c := range room.conns {
		switch c.Role {
		case roleHost:
			stats.HostClients++
		case rolePlayer:
			stats.PlayerClients++
		case roleObserver:
			stats.ObserverClients++
		}
	}

	return stats
}

// CacheQuestion stores the most recent question broadcast so reconnecting
// or late-joining clients can request it.
func (r *Registry) CacheQuestion(session string, msg envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[session]; ok {
		room.cached = &msg
	}
}

func (r *Registry) CachedQuestion(session string) (envelope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[session]
	if !ok || room.cached == nil {
		return envelope{}, false
	}
	return *room.cached, true
}

func (r *Registry) ClearCachedQuestion(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[session]; ok {
		room.cached = nil
	}
}

// sweepStale runs until ctx is done, evicting connections whose heartbeat
// has gone silent past the stale threshold. Eviction runs the normal
// disconnect path, so departures are announced like any other.
func (r *Registry) sweepStale(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictStale(time.Now().Add(-r.cfg.staleThreshold))
		}
	}
}

// evictStale disconnects every connection whose heartbeat predates cutoff,
// reporting how many were dropped.
func (r *Registry) evictStale(cutoff time.Time) int {
	r.mu.RLock()
	stale := make([]*Connection, 0)
	for _, c := range r.conns {
		if c.lastHeartbeat.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		logf(r.cfg, "WS: evicting stale %s connection from session %s", c.Role, c.Session)
		r.Disconnect(c)
	}

	return len(stale)
}
