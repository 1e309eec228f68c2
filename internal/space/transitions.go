package space

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/airlift/spaces/internal/domain"
	"github.com/airlift/spaces/internal/rtc"
	"github.com/airlift/spaces/internal/tracker"
)

// RaiseHand queues a listener for the stage. Raising again is a no-op;
// raising as a speaker is a conflict.
func (s *Service) RaiseHand(ctx context.Context, channel, identity string) (*domain.Room, error) {
	room, err := s.reg.Mutate(ctx, channel, func(r *domain.Room) error {
		sid, ok := r.SessionFor(identity)
		if !ok || !r.IsLive {
			return domain.ErrNotMember
		}
		switch r.RoleOf(sid) {
		case domain.RoleSpeaker:
			return domain.ErrAlreadySpeaker
		case domain.RoleRaised:
			return errUnchanged
		case domain.RoleListener:
			r.AddRaisedHand(sid, r.DisplayNameOf(sid))
			return nil
		default:
			return domain.ErrNotMember
		}
	})
	if errors.Is(err, errUnchanged) {
		return s.reg.Get(ctx, channel)
	}
	if err != nil {
		return nil, err
	}
	s.conns.BroadcastState(room)
	return room, nil
}

// LowerHand returns a queued participant to the listener set. Lowering a
// hand that is not raised returns the unchanged snapshot.
func (s *Service) LowerHand(ctx context.Context, channel, identity string) (*domain.Room, error) {
	room, err := s.reg.Mutate(ctx, channel, func(r *domain.Room) error {
		sid, ok := r.SessionFor(identity)
		if !ok || !r.IsLive {
			return domain.ErrNotMember
		}
		if r.RoleOf(sid) != domain.RoleRaised {
			return errUnchanged
		}
		r.AddListener(sid, r.DisplayNameOf(sid))
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return s.reg.Get(ctx, channel)
	}
	if err != nil {
		return nil, err
	}
	s.conns.BroadcastState(room)
	return room, nil
}

// Reject is the owner-side counterpart of LowerHand: it removes a target
// session from the raised-hands queue without promoting it.
func (s *Service) Reject(ctx context.Context, channel, requester string, targetSID int64) (*domain.Room, error) {
	room, err := s.reg.Mutate(ctx, channel, func(r *domain.Room) error {
		if r.OwnerIdentity != requester {
			return domain.ErrForbidden
		}
		if r.RoleOf(targetSID) != domain.RoleRaised {
			return errUnchanged
		}
		r.AddListener(targetSID, r.DisplayNameOf(targetSID))
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return s.reg.Get(ctx, channel)
	}
	if err != nil {
		return nil, err
	}
	s.conns.BroadcastState(room)
	return room, nil
}

// Promote moves a raised hand (or a listener picked directly) onto the
// stage, bounded by the speaker limit, and hands the participant a publish
// credential.
func (s *Service) Promote(ctx context.Context, channel, requester string, targetSID int64) (*domain.Room, error) {
	if err := s.token.Ready(); err != nil {
		return nil, err
	}
	room, err := s.reg.Mutate(ctx, channel, func(r *domain.Room) error {
		if r.OwnerIdentity != requester {
			return domain.ErrForbidden
		}
		switch r.RoleOf(targetSID) {
		case domain.RoleSpeaker:
			return domain.ErrAlreadySpeaker
		case domain.RoleNone:
			return domain.ErrNotMember
		}
		if len(r.Speakers) >= s.speakerLimit {
			return domain.ErrSpeakerLimit
		}
		r.AddSpeaker(targetSID, r.DisplayNameOf(targetSID))
		return nil
	})
	if err != nil {
		return nil, err
	}

	cred, err := s.token.Issue(channel, targetSID, rtc.RoleSpeaker)
	if err != nil {
		return nil, fmt.Errorf("promoted but credential issue failed: %w", err)
	}
	s.conns.NotifyRole(channel, targetSID, rtc.RoleSpeaker, cred)
	s.conns.BroadcastState(room)
	log.Info().Str("module", "space").Str("channel", channel).Int64("sid", targetSID).Msg("promoted to speaker")
	return room, nil
}

// Demote sends a speaker back to the listener set, never to the raised-hands
// queue. The owner can demote any speaker, and a speaker may step down by
// demoting their own session. The owner cannot be demoted by anyone,
// themselves included.
func (s *Service) Demote(ctx context.Context, channel, requester string, targetSID int64) (*domain.Room, error) {
	if err := s.token.Ready(); err != nil {
		return nil, err
	}
	room, err := s.reg.Mutate(ctx, channel, func(r *domain.Room) error {
		if targetSID == r.OwnerSessionID {
			return domain.ErrForbidden
		}
		if r.OwnerIdentity != requester {
			sid, ok := r.SessionFor(requester)
			if !ok || sid != targetSID {
				return domain.ErrForbidden
			}
		}
		if r.RoleOf(targetSID) != domain.RoleSpeaker {
			return domain.ErrNotMember
		}
		r.AddListener(targetSID, r.DisplayNameOf(targetSID))
		return nil
	})
	if err != nil {
		return nil, err
	}

	cred, err := s.token.Issue(channel, targetSID, rtc.RoleListener)
	if err != nil {
		return nil, fmt.Errorf("demoted but credential issue failed: %w", err)
	}
	s.conns.NotifyRole(channel, targetSID, rtc.RoleListener, cred)
	s.conns.BroadcastState(room)
	log.Info().Str("module", "space").Str("channel", channel).Int64("sid", targetSID).Msg("demoted to listener")
	return room, nil
}

// SetMute flips the caller's own mute flag. Speakers only.
func (s *Service) SetMute(ctx context.Context, channel, identity string, muted bool) (*domain.Room, error) {
	room, err := s.reg.Mutate(ctx, channel, func(r *domain.Room) error {
		sid, ok := r.SessionFor(identity)
		if !ok {
			return domain.ErrNotMember
		}
		if !r.SetMuted(sid, muted) {
			return domain.ErrNotMember
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.conns.BroadcastState(room)
	return room, nil
}

// Leave removes the participant from every membership list. The session
// binding survives so a rejoin restores the same session id. The owner
// leaving is a no-op: the room only ends via Stop or owner timeout.
func (s *Service) Leave(ctx context.Context, channel, identity string) (*domain.Room, error) {
	room, err := s.reg.Mutate(ctx, channel, func(r *domain.Room) error {
		sid, ok := r.SessionFor(identity)
		if !ok {
			return errUnchanged
		}
		if sid == r.OwnerSessionID || r.RoleOf(sid) == domain.RoleNone {
			return errUnchanged
		}
		r.Remove(sid)
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return s.reg.Get(ctx, channel)
	}
	if err != nil {
		return nil, err
	}
	s.conns.BroadcastState(room)
	log.Info().Str("module", "space").Str("channel", channel).Str("identity", identity).Msg("participant left")
	return room, nil
}

// HandleDisconnect is the tracker's evict callback: a dropped or timed-out
// connection runs the same leave transition as an explicit leave. An owner
// drop only loses the connection record; the room survives until the owner
// timeout pass. A participant with another fresh connection to the same room
// (a second tab) keeps their membership.
func (s *Service) HandleDisconnect(ctx context.Context, c tracker.Conn) {
	room, err := s.reg.Get(ctx, c.Channel)
	if err != nil || !room.IsLive {
		return
	}
	if c.Identity == room.OwnerIdentity {
		log.Info().Str("module", "space").Str("channel", c.Channel).Msg("owner connection dropped, awaiting timeout")
		return
	}
	if s.conns.Alive(c.Channel, c.Identity, s.presenceTimeout) {
		log.Info().Str("module", "space").Str("channel", c.Channel).Str("identity", c.Identity).Msg("still connected elsewhere, keeping membership")
		return
	}
	if _, err := s.Leave(ctx, c.Channel, c.Identity); err != nil {
		log.Error().Err(err).Str("module", "space").Str("channel", c.Channel).Msg("disconnect leave failed")
	}
}

// StopAbandoned ends every live room whose owner has had no fresh connection
// for the owner timeout. Rooms younger than the timeout are left alone so a
// just-started owner has time to connect. This is also what reaps rooms
// orphaned by a process restart, since the connection registry restarts
// empty.
func (s *Service) StopAbandoned(ctx context.Context) {
	rooms, err := s.reg.Live(ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "space").Msg("list live rooms")
		return
	}
	now := time.Now()
	for _, room := range rooms {
		if now.Sub(room.CreatedAt) < s.presenceTimeout {
			continue
		}
		if s.conns.Alive(room.Channel, room.OwnerIdentity, s.presenceTimeout) {
			continue
		}
		log.Info().Str("module", "space").Str("channel", room.Channel).Msg("owner timed out, stopping room")
		if err := s.Stop(ctx, room.Channel, room.OwnerIdentity); err != nil {
			log.Error().Err(err).Str("module", "space").Str("channel", room.Channel).Msg("stop abandoned room")
		}
	}
}

// DedupeAll runs the corrective membership dedupe over every live room.
func (s *Service) DedupeAll(ctx context.Context) {
	rooms, err := s.reg.Live(ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "space").Msg("list live rooms")
		return
	}
	for _, r := range rooms {
		room, err := s.reg.Mutate(ctx, r.Channel, func(doc *domain.Room) error {
			if !doc.Dedupe() {
				return errUnchanged
			}
			return nil
		})
		if errors.Is(err, errUnchanged) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("module", "space").Str("channel", r.Channel).Msg("dedupe pass")
			continue
		}
		log.Warn().Str("module", "space").Str("channel", r.Channel).Msg("membership duplicates corrected")
		s.conns.BroadcastState(room)
	}
}
