package domain

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Room is the canonical persisted document for one audio space.
//
// A session id appears in at most one of Speakers, RaisedHands and Listeners.
// Every mutation below first strips the id from all three lists, then inserts
// it into exactly one, so duplicates cannot enter at the mutation site.
//
// Sessions binds a durable user identity to its numeric RTC session id for
// the lifetime of the room, so a reconnecting client keeps its role.
type Room struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	Channel        string             `bson:"channel" json:"channel"`
	Title          string             `bson:"title" json:"title"`
	OwnerIdentity  string             `bson:"ownerIdentity" json:"-"`
	OwnerSessionID int64              `bson:"ownerSessionId" json:"ownerSessionId"`
	IsLive         bool               `bson:"isLive" json:"isLive"`
	CreatedAt      time.Time          `bson:"createdAt" json:"createdAt"`

	Speakers    []Speaker     `bson:"speakers" json:"speakers"`
	RaisedHands []Participant `bson:"raisedHands" json:"raisedHands"`
	Listeners   []Participant `bson:"listeners" json:"listeners"`

	Sessions    map[string]int64 `bson:"sessions" json:"-"`
	NextSession int64            `bson:"nextSession" json:"-"`
	Version     int64            `bson:"version" json:"-"`
}

// SessionFor returns the session id bound to identity, if any.
func (r *Room) SessionFor(identity string) (int64, bool) {
	sid, ok := r.Sessions[identity]
	return sid, ok
}

// EnsureSession returns the existing binding for identity or allocates the
// next session id. Bindings are never reused within one room.
func (r *Room) EnsureSession(identity string) int64 {
	if r.Sessions == nil {
		r.Sessions = make(map[string]int64)
	}
	if sid, ok := r.Sessions[identity]; ok {
		return sid
	}
	sid := r.NextSession
	r.NextSession++
	r.Sessions[identity] = sid
	return sid
}

// RoleOf reports which membership list holds sid.
func (r *Room) RoleOf(sid int64) Role {
	for _, s := range r.Speakers {
		if s.SessionID == sid {
			return RoleSpeaker
		}
	}
	for _, p := range r.RaisedHands {
		if p.SessionID == sid {
			return RoleRaised
		}
	}
	for _, p := range r.Listeners {
		if p.SessionID == sid {
			return RoleListener
		}
	}
	return RoleNone
}

// DisplayNameOf returns the display name recorded for sid in whichever list
// holds it.
func (r *Room) DisplayNameOf(sid int64) string {
	for _, s := range r.Speakers {
		if s.SessionID == sid {
			return s.DisplayName
		}
	}
	for _, p := range r.RaisedHands {
		if p.SessionID == sid {
			return p.DisplayName
		}
	}
	for _, p := range r.Listeners {
		if p.SessionID == sid {
			return p.DisplayName
		}
	}
	return ""
}

// Remove strips sid from every membership list. The session binding stays,
// so a later rejoin keeps the same id.
func (r *Room) Remove(sid int64) {
	r.Speakers = removeSpeaker(r.Speakers, sid)
	r.RaisedHands = removeParticipant(r.RaisedHands, sid)
	r.Listeners = removeParticipant(r.Listeners, sid)
}

// AddListener places sid in the listener set, removing it from any other
// list first.
func (r *Room) AddListener(sid int64, name string) {
	r.Remove(sid)
	r.Listeners = append(r.Listeners, Participant{SessionID: sid, DisplayName: name})
}

// AddRaisedHand appends sid to the raised-hands queue (FIFO).
func (r *Room) AddRaisedHand(sid int64, name string) {
	r.Remove(sid)
	r.RaisedHands = append(r.RaisedHands, Participant{SessionID: sid, DisplayName: name})
}

// AddSpeaker places sid on stage. Callers enforce the speaker limit.
func (r *Room) AddSpeaker(sid int64, name string) {
	r.Remove(sid)
	r.Speakers = append(r.Speakers, Speaker{SessionID: sid, DisplayName: name})
}

// SetMuted flips the mute flag for a speaker. Returns false if sid is not
// on stage.
func (r *Room) SetMuted(sid int64, muted bool) bool {
	for i := range r.Speakers {
		if r.Speakers[i].SessionID == sid {
			r.Speakers[i].Muted = muted
			return true
		}
	}
	return false
}

// Clear empties every membership list; used when the room stops.
func (r *Room) Clear() {
	r.Speakers = nil
	r.RaisedHands = nil
	r.Listeners = nil
}

// MemberCount is the total across all three lists.
func (r *Room) MemberCount() int {
	return len(r.Speakers) + len(r.RaisedHands) + len(r.Listeners)
}

// Dedupe removes duplicate session ids across the membership lists, keeping
// the highest role (speakers over raised hands over listeners) and the most
// recent copy within a list. Across lists this prefers role over recency on
// purpose: resolving toward the later sighting could pull the owner session
// out of the speaker list. Returns true if anything changed. This is a
// corrective backstop; the mutation helpers above keep duplicates from
// entering in the first place.
func (r *Room) Dedupe() bool {
	seen := make(map[int64]struct{}, r.MemberCount())
	changed := false

	speakers := make([]Speaker, 0, len(r.Speakers))
	for i := len(r.Speakers) - 1; i >= 0; i-- {
		s := r.Speakers[i]
		if _, dup := seen[s.SessionID]; dup {
			changed = true
			continue
		}
		seen[s.SessionID] = struct{}{}
		speakers = append(speakers, s)
	}
	reverseSpeakers(speakers)
	r.Speakers = speakers

	r.RaisedHands, changed = dedupeParticipants(r.RaisedHands, seen, changed)
	r.Listeners, changed = dedupeParticipants(r.Listeners, seen, changed)
	return changed
}

func dedupeParticipants(in []Participant, seen map[int64]struct{}, changed bool) ([]Participant, bool) {
	out := make([]Participant, 0, len(in))
	for i := len(in) - 1; i >= 0; i-- {
		p := in[i]
		if _, dup := seen[p.SessionID]; dup {
			changed = true
			continue
		}
		seen[p.SessionID] = struct{}{}
		out = append(out, p)
	}
	reverseParticipants(out)
	return out, changed
}

func removeSpeaker(in []Speaker, sid int64) []Speaker {
	out := in[:0]
	for _, s := range in {
		if s.SessionID != sid {
			out = append(out, s)
		}
	}
	return out
}

func removeParticipant(in []Participant, sid int64) []Participant {
	out := in[:0]
	for _, p := range in {
		if p.SessionID != sid {
			out = append(out, p)
		}
	}
	return out
}

func reverseSpeakers(s []Speaker) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func reverseParticipants(p []Participant) {
	for i, j := 0, len(p)-1; i < j; i, j = i+1, j-1 {
		p[i], p[j] = p[j], p[i]
	}
}
