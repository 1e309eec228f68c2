package space_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airlift/spaces/internal/domain"
	"github.com/airlift/spaces/internal/registry"
	"github.com/airlift/spaces/internal/rtc"
	"github.com/airlift/spaces/internal/space"
	"github.com/airlift/spaces/internal/store"
	"github.com/airlift/spaces/internal/tracker"
)

func disconnect(channel, identity string, sid int64) tracker.Conn {
	return tracker.Conn{ID: "conn-1", Identity: identity, Channel: channel, SessionID: sid}
}

// fakeConns records what the service pushes at the connection layer.
type fakeConns struct {
	mu       sync.Mutex
	states   []*domain.Room
	roles    []roleNote
	closed   []string
	aliveSet map[string]bool
}

type roleNote struct {
	channel   string
	sessionID int64
	role      rtc.Role
}

func newFakeConns() *fakeConns {
	return &fakeConns{aliveSet: make(map[string]bool)}
}

func (f *fakeConns) BroadcastState(room *domain.Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, room)
}

func (f *fakeConns) NotifyRole(channel string, sessionID int64, role rtc.Role, cred *rtc.Credential) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles = append(f.roles, roleNote{channel: channel, sessionID: sessionID, role: role})
}

func (f *fakeConns) Alive(channel, identity string, timeout time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aliveSet[channel+"|"+identity]
}

func (f *fakeConns) CloseChannel(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, channel)
}

func (f *fakeConns) setAlive(channel, identity string, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliveSet[channel+"|"+identity] = alive
}

func (f *fakeConns) lastState() *domain.Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return nil
	}
	return f.states[len(f.states)-1]
}

func newService(t *testing.T, speakerLimit int) (*space.Service, *registry.Registry, *fakeConns) {
	t.Helper()
	reg := registry.New(store.NewMemoryRoomStore())
	issuer := rtc.NewIssuer("app-id", "app-secret", time.Hour)
	conns := newFakeConns()
	svc := space.New(reg, issuer, conns, speakerLimit, 45*time.Second)
	return svc, reg, conns
}

// assertExclusive checks the core invariant: a session id is a member of at
// most one list.
func assertExclusive(t *testing.T, room *domain.Room) {
	t.Helper()
	seen := make(map[int64]int)
	for _, s := range room.Speakers {
		seen[s.SessionID]++
	}
	for _, p := range room.RaisedHands {
		seen[p.SessionID]++
	}
	for _, p := range room.Listeners {
		seen[p.SessionID]++
	}
	for sid, n := range seen {
		assert.Equal(t, 1, n, "session %d appears in %d lists", sid, n)
	}
}

func TestService_StartStop(t *testing.T) {
	ctx := context.Background()

	t.Run("start seeds the owner as sole speaker", func(t *testing.T) {
		svc, _, _ := newService(t, 10)
		res, err := svc.Start(ctx, "owner", "Crypto Talk", "Alice")
		require.NoError(t, err)

		require.NotNil(t, res.Credential)
		assert.Equal(t, int64(1), res.SessionID)
		assert.True(t, res.Room.IsLive)
		require.Len(t, res.Room.Speakers, 1)
		assert.Equal(t, res.Room.OwnerSessionID, res.Room.Speakers[0].SessionID)
		assert.Equal(t, "Alice", res.Room.Speakers[0].DisplayName)
	})

	t.Run("start without provider credentials is a config error", func(t *testing.T) {
		reg := registry.New(store.NewMemoryRoomStore())
		svc := space.New(reg, rtc.NewIssuer("", "", time.Hour), newFakeConns(), 10, time.Minute)
		_, err := svc.Start(ctx, "owner", "Crypto Talk", "Alice")
		assert.ErrorIs(t, err, domain.ErrNotConfigured)
	})

	t.Run("stop by non-owner is forbidden and changes nothing", func(t *testing.T) {
		svc, reg, _ := newService(t, 10)
		res, err := svc.Start(ctx, "owner", "Crypto Talk", "Alice")
		require.NoError(t, err)

		err = svc.Stop(ctx, res.Room.Channel, "mallory")
		assert.ErrorIs(t, err, domain.ErrForbidden)

		room, err := reg.Get(ctx, res.Room.Channel)
		require.NoError(t, err)
		assert.True(t, room.IsLive)
		assert.Len(t, room.Speakers, 1)
	})

	t.Run("stop clears membership and is idempotent", func(t *testing.T) {
		svc, reg, conns := newService(t, 10)
		res, err := svc.Start(ctx, "owner", "Crypto Talk", "Alice")
		require.NoError(t, err)
		_, err = svc.Join(ctx, res.Room.Channel, "bob", "Bob")
		require.NoError(t, err)

		require.NoError(t, svc.Stop(ctx, res.Room.Channel, "owner"))
		room, err := reg.Get(ctx, res.Room.Channel)
		require.NoError(t, err)
		assert.False(t, room.IsLive)
		assert.Zero(t, room.MemberCount())
		assert.Contains(t, conns.closed, res.Room.Channel)

		// isLive=false implies all membership lists empty, and a second stop
		// is a no-op.
		require.NoError(t, svc.Stop(ctx, res.Room.Channel, "owner"))
	})

	t.Run("stopped room cannot be joined", func(t *testing.T) {
		svc, _, _ := newService(t, 10)
		res, err := svc.Start(ctx, "owner", "Crypto Talk", "Alice")
		require.NoError(t, err)
		require.NoError(t, svc.Stop(ctx, res.Room.Channel, "owner"))

		_, err = svc.Join(ctx, res.Room.Channel, "bob", "Bob")
		assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	})
}

func TestService_ScenarioA(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, 10)

	res, err := svc.Start(ctx, "ownerA", "Crypto Talk", "OwnerA")
	require.NoError(t, err)
	channel := res.Room.Channel
	ownerSID := res.SessionID

	join, err := svc.Join(ctx, channel, "userB", "UserB")
	require.NoError(t, err)
	bSID := join.SessionID
	require.Len(t, join.Room.Listeners, 1)
	assert.Equal(t, bSID, join.Room.Listeners[0].SessionID)

	room, err := svc.RaiseHand(ctx, channel, "userB")
	require.NoError(t, err)
	require.Len(t, room.RaisedHands, 1)
	assert.Equal(t, bSID, room.RaisedHands[0].SessionID)
	assert.Empty(t, room.Listeners)
	assertExclusive(t, room)

	room, err = svc.Promote(ctx, channel, "ownerA", bSID)
	require.NoError(t, err)
	require.Len(t, room.Speakers, 2)
	assert.Equal(t, ownerSID, room.Speakers[0].SessionID)
	assert.Equal(t, bSID, room.Speakers[1].SessionID)
	assert.Empty(t, room.RaisedHands)
	assertExclusive(t, room)
}

func TestService_RoleTransitions(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, limit int) (*space.Service, *fakeConns, string, int64) {
		svc, _, conns := newService(t, limit)
		res, err := svc.Start(ctx, "owner", "Crypto Talk", "Owner")
		require.NoError(t, err)
		join, err := svc.Join(ctx, res.Room.Channel, "bob", "Bob")
		require.NoError(t, err)
		return svc, conns, res.Room.Channel, join.SessionID
	}

	t.Run("raising twice is a no-op", func(t *testing.T) {
		svc, _, channel, bobSID := setup(t, 10)
		_, err := svc.RaiseHand(ctx, channel, "bob")
		require.NoError(t, err)
		room, err := svc.RaiseHand(ctx, channel, "bob")
		require.NoError(t, err)
		require.Len(t, room.RaisedHands, 1)
		assert.Equal(t, bobSID, room.RaisedHands[0].SessionID)
	})

	t.Run("raising as a speaker conflicts", func(t *testing.T) {
		svc, _, channel, bobSID := setup(t, 10)
		_, err := svc.Promote(ctx, channel, "owner", bobSID)
		require.NoError(t, err)
		_, err = svc.RaiseHand(ctx, channel, "bob")
		assert.ErrorIs(t, err, domain.ErrAlreadySpeaker)
	})

	t.Run("raising without membership is not found", func(t *testing.T) {
		svc, _, channel, _ := setup(t, 10)
		_, err := svc.RaiseHand(ctx, channel, "stranger")
		assert.ErrorIs(t, err, domain.ErrNotMember)
	})

	t.Run("lowering an unraised hand returns the unchanged snapshot", func(t *testing.T) {
		svc, _, channel, bobSID := setup(t, 10)
		room, err := svc.LowerHand(ctx, channel, "bob")
		require.NoError(t, err)
		assert.Equal(t, domain.RoleListener, room.RoleOf(bobSID))
		assert.Len(t, room.Listeners, 1)
	})

	t.Run("owner rejects a raised hand back to listener", func(t *testing.T) {
		svc, _, channel, bobSID := setup(t, 10)
		_, err := svc.RaiseHand(ctx, channel, "bob")
		require.NoError(t, err)
		room, err := svc.Reject(ctx, channel, "owner", bobSID)
		require.NoError(t, err)
		assert.Equal(t, domain.RoleListener, room.RoleOf(bobSID))
		assert.Empty(t, room.RaisedHands)
	})

	t.Run("promote requires the owner", func(t *testing.T) {
		svc, _, channel, bobSID := setup(t, 10)
		_, err := svc.Promote(ctx, channel, "bob", bobSID)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("promote signals a speaker credential to the target", func(t *testing.T) {
		svc, conns, channel, bobSID := setup(t, 10)
		_, err := svc.Promote(ctx, channel, "owner", bobSID)
		require.NoError(t, err)
		require.Len(t, conns.roles, 1)
		assert.Equal(t, bobSID, conns.roles[0].sessionID)
		assert.Equal(t, rtc.RoleSpeaker, conns.roles[0].role)
	})

	t.Run("promote then demote lands on listener, not raised hand", func(t *testing.T) {
		svc, _, channel, bobSID := setup(t, 10)
		_, err := svc.RaiseHand(ctx, channel, "bob")
		require.NoError(t, err)
		_, err = svc.Promote(ctx, channel, "owner", bobSID)
		require.NoError(t, err)
		room, err := svc.Demote(ctx, channel, "owner", bobSID)
		require.NoError(t, err)
		assert.Equal(t, domain.RoleListener, room.RoleOf(bobSID))
		assert.Empty(t, room.RaisedHands)
		assertExclusive(t, room)
	})

	t.Run("a speaker can step down to listener on their own", func(t *testing.T) {
		svc, conns, channel, bobSID := setup(t, 10)
		_, err := svc.Promote(ctx, channel, "owner", bobSID)
		require.NoError(t, err)

		room, err := svc.Demote(ctx, channel, "bob", bobSID)
		require.NoError(t, err)
		assert.Equal(t, domain.RoleListener, room.RoleOf(bobSID))
		assertExclusive(t, room)

		// Stepping down re-scopes the credential, same as an owner demote.
		last := conns.roles[len(conns.roles)-1]
		assert.Equal(t, bobSID, last.sessionID)
		assert.Equal(t, rtc.RoleListener, last.role)
	})

	t.Run("a speaker cannot demote anyone but themselves", func(t *testing.T) {
		svc, _, channel, bobSID := setup(t, 10)
		carol, err := svc.Join(ctx, channel, "carol", "Carol")
		require.NoError(t, err)
		_, err = svc.Promote(ctx, channel, "owner", bobSID)
		require.NoError(t, err)
		_, err = svc.Promote(ctx, channel, "owner", carol.SessionID)
		require.NoError(t, err)

		_, err = svc.Demote(ctx, channel, "bob", carol.SessionID)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("demoting the owner is always forbidden", func(t *testing.T) {
		svc, _, channel, _ := setup(t, 10)
		_, err := svc.Demote(ctx, channel, "owner", 1)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("promote beyond the speaker limit fails and leaves state intact", func(t *testing.T) {
		svc, _, channel, bobSID := setup(t, 2)
		carol, err := svc.Join(ctx, channel, "carol", "Carol")
		require.NoError(t, err)

		_, err = svc.Promote(ctx, channel, "owner", bobSID)
		require.NoError(t, err)

		_, err = svc.Promote(ctx, channel, "owner", carol.SessionID)
		assert.ErrorIs(t, err, domain.ErrSpeakerLimit)

		room, err := svc.Snapshot(ctx, channel)
		require.NoError(t, err)
		assert.Len(t, room.Speakers, 2)
		assert.Equal(t, domain.RoleListener, room.RoleOf(carol.SessionID))
	})

	t.Run("promoting a missing session is not found", func(t *testing.T) {
		svc, _, channel, _ := setup(t, 10)
		_, err := svc.Promote(ctx, channel, "owner", 99)
		assert.ErrorIs(t, err, domain.ErrNotMember)
	})

	t.Run("mute flips only the speaker flag", func(t *testing.T) {
		svc, _, channel, bobSID := setup(t, 10)
		_, err := svc.Promote(ctx, channel, "owner", bobSID)
		require.NoError(t, err)
		room, err := svc.SetMute(ctx, channel, "bob", true)
		require.NoError(t, err)
		for _, s := range room.Speakers {
			if s.SessionID == bobSID {
				assert.True(t, s.Muted)
			}
		}
	})
}

func TestService_SessionContinuity(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, 10)

	res, err := svc.Start(ctx, "owner", "Crypto Talk", "Owner")
	require.NoError(t, err)
	channel := res.Room.Channel

	join, err := svc.Join(ctx, channel, "bob", "Bob")
	require.NoError(t, err)
	_, err = svc.RaiseHand(ctx, channel, "bob")
	require.NoError(t, err)
	_, err = svc.Promote(ctx, channel, "owner", join.SessionID)
	require.NoError(t, err)

	t.Run("rejoin keeps the session id and the speaker role", func(t *testing.T) {
		again, err := svc.Join(ctx, channel, "bob", "Bob")
		require.NoError(t, err)
		assert.Equal(t, join.SessionID, again.SessionID)
		assert.Equal(t, domain.RoleSpeaker, again.Room.RoleOf(again.SessionID))
		assertExclusive(t, again.Room)
	})

	t.Run("leave then rejoin restores the same session id as listener", func(t *testing.T) {
		_, err := svc.Leave(ctx, channel, "bob")
		require.NoError(t, err)
		again, err := svc.Join(ctx, channel, "bob", "Bob")
		require.NoError(t, err)
		assert.Equal(t, join.SessionID, again.SessionID)
		assert.Equal(t, domain.RoleListener, again.Room.RoleOf(again.SessionID))
	})

	t.Run("two users sharing a display name stay distinct", func(t *testing.T) {
		j1, err := svc.Join(ctx, channel, "user-1", "Sam")
		require.NoError(t, err)
		j2, err := svc.Join(ctx, channel, "user-2", "Sam")
		require.NoError(t, err)
		assert.NotEqual(t, j1.SessionID, j2.SessionID)
		assertExclusive(t, j2.Room)
	})
}

func TestService_ConcurrentJoins(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, 10)

	res, err := svc.Start(ctx, "owner", "Crypto Talk", "Owner")
	require.NoError(t, err)
	channel := res.Room.Channel

	const joiners = 16
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.Join(ctx, channel, string(rune('a'+n))+"-user", "User")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	room, err := svc.Snapshot(ctx, channel)
	require.NoError(t, err)
	assert.Len(t, room.Listeners, joiners, "no join may be lost")
	assertExclusive(t, room)
}

func TestService_DisconnectAndSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("participant disconnect runs the leave transition", func(t *testing.T) {
		svc, _, conns := newService(t, 10)
		res, err := svc.Start(ctx, "owner", "Crypto Talk", "Owner")
		require.NoError(t, err)
		join, err := svc.Join(ctx, res.Room.Channel, "bob", "Bob")
		require.NoError(t, err)
		_, err = svc.Promote(ctx, res.Room.Channel, "owner", join.SessionID)
		require.NoError(t, err)

		svc.HandleDisconnect(ctx, disconnect(res.Room.Channel, "bob", join.SessionID))

		room := conns.lastState()
		require.NotNil(t, room)
		require.Len(t, room.Speakers, 1)
		assert.Equal(t, res.Room.OwnerSessionID, room.Speakers[0].SessionID)
	})

	t.Run("a second live connection keeps membership through a disconnect", func(t *testing.T) {
		svc, reg, conns := newService(t, 10)
		res, err := svc.Start(ctx, "owner", "Crypto Talk", "Owner")
		require.NoError(t, err)
		join, err := svc.Join(ctx, res.Room.Channel, "bob", "Bob")
		require.NoError(t, err)

		// Bob's other tab is still heartbeating when this one drops.
		conns.setAlive(res.Room.Channel, "bob", true)
		svc.HandleDisconnect(ctx, disconnect(res.Room.Channel, "bob", join.SessionID))

		room, err := reg.Get(ctx, res.Room.Channel)
		require.NoError(t, err)
		assert.Equal(t, domain.RoleListener, room.RoleOf(join.SessionID))
	})

	t.Run("owner disconnect leaves the room live", func(t *testing.T) {
		svc, reg, _ := newService(t, 10)
		res, err := svc.Start(ctx, "owner", "Crypto Talk", "Owner")
		require.NoError(t, err)

		svc.HandleDisconnect(ctx, disconnect(res.Room.Channel, "owner", res.SessionID))

		room, err := reg.Get(ctx, res.Room.Channel)
		require.NoError(t, err)
		assert.True(t, room.IsLive)
		assert.Len(t, room.Speakers, 1)
	})

	t.Run("owner timeout stops the room", func(t *testing.T) {
		svc, reg, conns := newService(t, 10)
		res, err := svc.Start(ctx, "owner", "Crypto Talk", "Owner")
		require.NoError(t, err)

		// Age the room past the grace window; the owner has no connection.
		_, err = reg.Mutate(ctx, res.Room.Channel, func(r *domain.Room) error {
			r.CreatedAt = time.Now().Add(-10 * time.Minute)
			return nil
		})
		require.NoError(t, err)

		svc.StopAbandoned(ctx)

		room, err := reg.Get(ctx, res.Room.Channel)
		require.NoError(t, err)
		assert.False(t, room.IsLive)
		assert.Contains(t, conns.closed, res.Room.Channel)
	})

	t.Run("a live owner connection keeps the room up", func(t *testing.T) {
		svc, reg, conns := newService(t, 10)
		res, err := svc.Start(ctx, "owner", "Crypto Talk", "Owner")
		require.NoError(t, err)
		conns.setAlive(res.Room.Channel, "owner", true)

		_, err = reg.Mutate(ctx, res.Room.Channel, func(r *domain.Room) error {
			r.CreatedAt = time.Now().Add(-10 * time.Minute)
			return nil
		})
		require.NoError(t, err)

		svc.StopAbandoned(ctx)

		room, err := reg.Get(ctx, res.Room.Channel)
		require.NoError(t, err)
		assert.True(t, room.IsLive)
	})

	t.Run("dedupe pass corrects drifted membership", func(t *testing.T) {
		svc, reg, _ := newService(t, 10)
		res, err := svc.Start(ctx, "owner", "Crypto Talk", "Owner")
		require.NoError(t, err)
		join, err := svc.Join(ctx, res.Room.Channel, "bob", "Bob")
		require.NoError(t, err)

		// Inject drift behind the service's back.
		_, err = reg.Mutate(ctx, res.Room.Channel, func(r *domain.Room) error {
			r.RaisedHands = append(r.RaisedHands, domain.Participant{SessionID: join.SessionID, DisplayName: "Bob"})
			return nil
		})
		require.NoError(t, err)

		svc.DedupeAll(ctx)

		room, err := reg.Get(ctx, res.Room.Channel)
		require.NoError(t, err)
		assertExclusive(t, room)
	})
}
