// Package tracker binds live connections to (room, participant) pairs and
// fans room snapshots out to them. State here is process-local and rebuilt
// empty on restart; deployments spanning instances need sticky room routing.
package tracker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/airlift/spaces/internal/domain"
	"github.com/airlift/spaces/internal/rtc"
)

// Sender is the transport endpoint of one connection. Owned by the adapter;
// the adapter closes it.
type Sender interface {
	TrySend([]byte) error
	Close()
}

// Conn is a read-only view of one tracked connection.
type Conn struct {
	ID        string
	Identity  string
	Channel   string
	SessionID int64
}

type record struct {
	Conn
	lastHeartbeat time.Time
	sender        Sender
}

// EvictFunc is invoked when a connection disconnects or times out, after its
// record is gone. Wired to the room service's disconnect transition.
type EvictFunc func(ctx context.Context, c Conn)

type Tracker struct {
	mu        sync.RWMutex
	conns     map[string]*record
	byChannel map[string]map[string]*record

	onEvict EvictFunc
	now     func() time.Time
}

func New() *Tracker {
	return &Tracker{
		conns:     make(map[string]*record),
		byChannel: make(map[string]map[string]*record),
		now:       time.Now,
	}
}

// OnEvict installs the disconnect callback. Set once during wiring, before
// any connection registers.
func (t *Tracker) OnEvict(fn EvictFunc) { t.onEvict = fn }

// Register records a connection binding and stamps its heartbeat.
func (t *Tracker) Register(connID, identity, channel string, sessionID int64, s Sender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := &record{
		Conn:          Conn{ID: connID, Identity: identity, Channel: channel, SessionID: sessionID},
		lastHeartbeat: t.now(),
		sender:        s,
	}
	t.conns[connID] = rec
	if t.byChannel[channel] == nil {
		t.byChannel[channel] = make(map[string]*record)
	}
	t.byChannel[channel][connID] = rec
	log.Info().Str("module", "tracker").Str("conn", connID).Str("channel", channel).Int64("sid", sessionID).Msg("connection registered")
}

// Heartbeat refreshes the liveness stamp. Unknown ids are a no-op, not an
// error: the sweeper may have evicted the record while the frame was in
// flight.
func (t *Tracker) Heartbeat(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.conns[connID]; ok {
		rec.lastHeartbeat = t.now()
	}
}

// Disconnect removes the record and runs the evict callback. Primary
// liveness path for ungraceful drops.
func (t *Tracker) Disconnect(ctx context.Context, connID string) {
	t.mu.Lock()
	rec, ok := t.conns[connID]
	if ok {
		t.remove(rec)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	log.Info().Str("module", "tracker").Str("conn", connID).Str("channel", rec.Channel).Msg("connection dropped")
	if t.onEvict != nil {
		t.onEvict(ctx, rec.Conn)
	}
}

// EvictStale removes every connection whose heartbeat is older than timeout
// and runs the evict callback for each. Returns the evicted views.
func (t *Tracker) EvictStale(ctx context.Context, timeout time.Duration) []Conn {
	cutoff := t.now().Add(-timeout)

	t.mu.Lock()
	var stale []Conn
	for _, rec := range t.conns {
		if rec.lastHeartbeat.Before(cutoff) {
			t.remove(rec)
			stale = append(stale, rec.Conn)
			rec.sender.Close()
		}
	}
	t.mu.Unlock()

	for _, c := range stale {
		log.Info().Str("module", "tracker").Str("conn", c.ID).Str("channel", c.Channel).Msg("heartbeat timeout, evicting")
		if t.onEvict != nil {
			t.onEvict(ctx, c)
		}
	}
	return stale
}

// Alive reports whether identity has a connection to channel with a
// heartbeat newer than timeout.
func (t *Tracker) Alive(channel, identity string, timeout time.Duration) bool {
	cutoff := t.now().Add(-timeout)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, rec := range t.byChannel[channel] {
		if rec.Identity == identity && !rec.lastHeartbeat.Before(cutoff) {
			return true
		}
	}
	return false
}

// BroadcastState pushes the room snapshot to every connection in the room.
// Delivery is best-effort: a full send buffer drops the frame for that peer
// and never fails the triggering request.
func (t *Tracker) BroadcastState(room *domain.Room) {
	payload, err := json.Marshal(struct {
		Type string       `json:"type"`
		Room *domain.Room `json:"room"`
	}{Type: "room_state", Room: room})
	if err != nil {
		log.Error().Err(err).Str("module", "tracker").Msg("marshal room state")
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	sent, dropped := 0, 0
	for _, rec := range t.byChannel[room.Channel] {
		if err := rec.sender.TrySend(payload); err != nil {
			dropped++
			continue
		}
		sent++
	}
	log.Debug().Str("module", "tracker").Str("channel", room.Channel).Int("sent", sent).Int("dropped", dropped).Msg("broadcast room state")
}

// NotifyRole tells one participant to re-establish its RTC session with a
// fresh role-scoped credential. Publish rights live in the credential, so an
// in-place role change is not possible.
func (t *Tracker) NotifyRole(channel string, sessionID int64, role rtc.Role, cred *rtc.Credential) {
	payload, err := json.Marshal(struct {
		Type      string    `json:"type"`
		Role      rtc.Role  `json:"role"`
		Token     string    `json:"credential"`
		ExpiresAt time.Time `json:"expiresAt"`
	}{Type: "role_changed", Role: role, Token: cred.Token, ExpiresAt: cred.ExpiresAt})
	if err != nil {
		log.Error().Err(err).Str("module", "tracker").Msg("marshal role change")
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, rec := range t.byChannel[channel] {
		if rec.SessionID != sessionID {
			continue
		}
		if err := rec.sender.TrySend(payload); err != nil {
			log.Warn().Err(err).Str("module", "tracker").Str("conn", rec.ID).Msg("role change dropped")
		}
	}
}

// CloseChannel closes every connection in a channel; used when a room stops.
func (t *Tracker) CloseChannel(channel string) {
	t.mu.Lock()
	recs := make([]*record, 0, len(t.byChannel[channel]))
	for _, rec := range t.byChannel[channel] {
		recs = append(recs, rec)
	}
	for _, rec := range recs {
		t.remove(rec)
	}
	t.mu.Unlock()
	for _, rec := range recs {
		rec.sender.Close()
	}
}

// Count returns the number of tracked connections; used by tests and the
// rooms directory.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// remove must run with t.mu held.
func (t *Tracker) remove(rec *record) {
	delete(t.conns, rec.ID)
	if m := t.byChannel[rec.Channel]; m != nil {
		delete(m, rec.ID)
		if len(m) == 0 {
			delete(t.byChannel, rec.Channel)
		}
	}
}
