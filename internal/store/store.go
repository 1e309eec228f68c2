// Package store persists room documents. The Mongo implementation is the
// production backend; the memory implementation backs tests.
package store

import (
	"context"

	"github.com/airlift/spaces/internal/domain"
)

// RoomStore is the persistence contract for room documents.
//
// Update is version-guarded: it only writes if the stored document still has
// the version the caller read, and bumps it by one. Callers retry on
// domain.ErrVersionConflict. This is what makes blind fetch-then-overwrite
// impossible higher up.
type RoomStore interface {
	Insert(ctx context.Context, room *domain.Room) error
	FindByChannel(ctx context.Context, channel string) (*domain.Room, error)
	Update(ctx context.Context, room *domain.Room) error
	FindLive(ctx context.Context) ([]*domain.Room, error)
}
