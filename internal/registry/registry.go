// Package registry owns the canonical room documents and serializes all
// mutation of a given room.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/airlift/spaces/internal/domain"
	"github.com/airlift/spaces/internal/store"
)

// mutateRetries bounds optimistic-concurrency retries. The per-channel lock
// already serializes writers within this process, so retries only fire when
// another process touched the document.
const mutateRetries = 3

type Registry struct {
	store store.RoomStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(s store.RoomStore) *Registry {
	return &Registry{store: s, locks: make(map[string]*sync.Mutex)}
}

func (r *Registry) lockFor(channel string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[channel]
	if !ok {
		l = &sync.Mutex{}
		r.locks[channel] = l
	}
	return l
}

// Create persists a new live room. Fails with domain.ErrRoomExists if the
// channel is already taken.
func (r *Registry) Create(ctx context.Context, room *domain.Room) error {
	if err := r.store.Insert(ctx, room); err != nil {
		return err
	}
	log.Info().Str("module", "registry").Str("channel", room.Channel).Str("owner", room.OwnerIdentity).Msg("room created")
	return nil
}

// Get loads a room by channel.
func (r *Registry) Get(ctx context.Context, channel string) (*domain.Room, error) {
	return r.store.FindByChannel(ctx, channel)
}

// Live lists every room with isLive set.
func (r *Registry) Live(ctx context.Context) ([]*domain.Room, error) {
	return r.store.FindLive(ctx)
}

// Mutate is the only sanctioned way to change a room: load, apply fn,
// version-guarded write, all under the channel's lock. fn returning an error
// aborts the write, so a transition either fully persists or leaves the
// document untouched. The mutated room is returned on success.
func (r *Registry) Mutate(ctx context.Context, channel string, fn func(*domain.Room) error) (*domain.Room, error) {
	l := r.lockFor(channel)
	l.Lock()
	defer l.Unlock()

	var lastErr error
	for attempt := 0; attempt < mutateRetries; attempt++ {
		room, err := r.store.FindByChannel(ctx, channel)
		if err != nil {
			return nil, err
		}
		if err := fn(room); err != nil {
			return nil, err
		}
		err = r.store.Update(ctx, room)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		log.Warn().Str("module", "registry").Str("channel", channel).Int("attempt", attempt+1).Msg("version conflict, retrying mutate")
	}
	return nil, lastErr
}

// Forget drops the in-process lock for a channel once its room is stopped.
// A straggler still holding the old lock cannot lose an update: the version
// guard in the store catches it and Mutate retries.
func (r *Registry) Forget(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, channel)
}
