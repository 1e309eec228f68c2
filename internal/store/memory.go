package store

import (
	"context"
	"sync"

	"github.com/airlift/spaces/internal/domain"
)

// MemoryRoomStore keeps room documents in a map with the same version
// discipline as the Mongo store. Used in tests and for local runs without a
// database.
type MemoryRoomStore struct {
	mu    sync.RWMutex
	rooms map[string]*domain.Room
}

func NewMemoryRoomStore() *MemoryRoomStore {
	return &MemoryRoomStore{rooms: make(map[string]*domain.Room)}
}

func (s *MemoryRoomStore) Insert(ctx context.Context, room *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.Channel]; ok {
		return domain.ErrRoomExists
	}
	room.Version = 1
	s.rooms[room.Channel] = cloneRoom(room)
	return nil
}

func (s *MemoryRoomStore) FindByChannel(ctx context.Context, channel string) (*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[channel]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return cloneRoom(room), nil
}

func (s *MemoryRoomStore) Update(ctx context.Context, room *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.rooms[room.Channel]
	if !ok {
		return domain.ErrRoomNotFound
	}
	if stored.Version != room.Version {
		return domain.ErrVersionConflict
	}
	room.Version++
	s.rooms[room.Channel] = cloneRoom(room)
	return nil
}

func (s *MemoryRoomStore) FindLive(ctx context.Context) ([]*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Room
	for _, room := range s.rooms {
		if room.IsLive {
			out = append(out, cloneRoom(room))
		}
	}
	return out, nil
}

// Delete removes a document outright; only tests use it.
func (s *MemoryRoomStore) Delete(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, channel)
}

func cloneRoom(r *domain.Room) *domain.Room {
	c := *r
	c.Speakers = append([]domain.Speaker(nil), r.Speakers...)
	c.RaisedHands = append([]domain.Participant(nil), r.RaisedHands...)
	c.Listeners = append([]domain.Participant(nil), r.Listeners...)
	if r.Sessions != nil {
		c.Sessions = make(map[string]int64, len(r.Sessions))
		for k, v := range r.Sessions {
			c.Sessions[k] = v
		}
	}
	return &c
}
