// Package space coordinates live audio rooms: lifecycle, participant role
// transitions, and the credential hand-offs that go with them.
package space

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/airlift/spaces/internal/domain"
	"github.com/airlift/spaces/internal/registry"
	"github.com/airlift/spaces/internal/rtc"
)

// ownerSessionID is seeded at room creation; the owner is always the first
// session in a room.
const ownerSessionID = 1

// Connections is the live-connection side the service talks to. Implemented
// by the tracker.
type Connections interface {
	BroadcastState(room *domain.Room)
	NotifyRole(channel string, sessionID int64, role rtc.Role, cred *rtc.Credential)
	Alive(channel, identity string, timeout time.Duration) bool
	CloseChannel(channel string)
}

type Service struct {
	reg   *registry.Registry
	token *rtc.Issuer
	conns Connections

	speakerLimit int
	// presenceTimeout is the heartbeat window: it bounds both the owner
	// grace period and how long a participant counts as connected.
	presenceTimeout time.Duration
}

func New(reg *registry.Registry, token *rtc.Issuer, conns Connections, speakerLimit int, presenceTimeout time.Duration) *Service {
	return &Service{
		reg:             reg,
		token:           token,
		conns:           conns,
		speakerLimit:    speakerLimit,
		presenceTimeout: presenceTimeout,
	}
}

// StartResult is what a new owner needs to go on air.
type StartResult struct {
	Room       *domain.Room    `json:"room"`
	SessionID  int64           `json:"sessionId"`
	Credential *rtc.Credential `json:"rtc"`
}

// JoinResult mirrors StartResult for a joining participant.
type JoinResult struct {
	Room       *domain.Room    `json:"room"`
	SessionID  int64           `json:"sessionId"`
	Credential *rtc.Credential `json:"rtc"`
}

// Start creates a live room with the owner seeded as its sole speaker and
// returns a publish credential for them.
func (s *Service) Start(ctx context.Context, identity, title, displayName string) (*StartResult, error) {
	if err := domain.ValidateTitle(title); err != nil {
		return nil, err
	}
	if err := domain.ValidateDisplayName(displayName); err != nil {
		return nil, err
	}
	if err := s.token.Ready(); err != nil {
		return nil, err
	}

	room := &domain.Room{
		Channel:        uuid.NewString(),
		Title:          title,
		OwnerIdentity:  identity,
		OwnerSessionID: ownerSessionID,
		IsLive:         true,
		CreatedAt:      time.Now(),
		Speakers:       []domain.Speaker{{SessionID: ownerSessionID, DisplayName: displayName}},
		Sessions:       map[string]int64{identity: ownerSessionID},
		NextSession:    ownerSessionID + 1,
	}
	if err := s.reg.Create(ctx, room); err != nil {
		return nil, err
	}

	cred, err := s.token.Issue(room.Channel, ownerSessionID, rtc.RoleSpeaker)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "space").Str("channel", room.Channel).Str("title", title).Msg("room started")
	return &StartResult{Room: room, SessionID: ownerSessionID, Credential: cred}, nil
}

// Stop ends a room: clears memberships, flips isLive, and closes every
// tracked connection. Owner only; stopping an already stopped room is not an
// error.
func (s *Service) Stop(ctx context.Context, channel, identity string) error {
	room, err := s.reg.Mutate(ctx, channel, func(r *domain.Room) error {
		if r.OwnerIdentity != identity {
			return domain.ErrForbidden
		}
		if !r.IsLive {
			return errUnchanged
		}
		r.Clear()
		r.IsLive = false
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}
	s.conns.BroadcastState(room)
	s.conns.CloseChannel(channel)
	s.reg.Forget(channel)
	log.Info().Str("module", "space").Str("channel", channel).Msg("room stopped")
	return nil
}

// Join adds the user to the room as a listener, or recognizes them if their
// session already holds a role, and returns a credential scoped to that role.
func (s *Service) Join(ctx context.Context, channel, identity, displayName string) (*JoinResult, error) {
	if err := domain.ValidateDisplayName(displayName); err != nil {
		return nil, err
	}
	if err := s.token.Ready(); err != nil {
		return nil, err
	}

	var sid int64
	room, err := s.reg.Mutate(ctx, channel, func(r *domain.Room) error {
		if !r.IsLive {
			return domain.ErrRoomNotFound
		}
		sid = r.EnsureSession(identity)
		if r.RoleOf(sid) == domain.RoleNone {
			r.AddListener(sid, displayName)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	credRole := rtc.RoleListener
	if room.RoleOf(sid) == domain.RoleSpeaker {
		credRole = rtc.RoleSpeaker
	}
	cred, err := s.token.Issue(channel, sid, credRole)
	if err != nil {
		return nil, err
	}
	s.conns.BroadcastState(room)
	log.Info().Str("module", "space").Str("channel", channel).Int64("sid", sid).Msg("participant joined")
	return &JoinResult{Room: room, SessionID: sid, Credential: cred}, nil
}

// Snapshot returns the current room document.
func (s *Service) Snapshot(ctx context.Context, channel string) (*domain.Room, error) {
	return s.reg.Get(ctx, channel)
}

// RoomInfo is a directory entry for the live-rooms listing.
type RoomInfo struct {
	Channel     string `json:"channel"`
	Title       string `json:"title"`
	MemberCount int    `json:"memberCount"`
}

// List returns every live room with its member count.
func (s *Service) List(ctx context.Context) ([]RoomInfo, error) {
	rooms, err := s.reg.Live(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomInfo{Channel: r.Channel, Title: r.Title, MemberCount: r.MemberCount()})
	}
	return out, nil
}

// errUnchanged aborts a Mutate without persisting; used for idempotent
// no-op transitions.
var errUnchanged = errors.New("no change")
