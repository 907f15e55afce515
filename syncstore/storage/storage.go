// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage persists store snapshots between runs so the client
// can render the room list before the first sync of a session lands.
package storage

import (
	"context"
	"fmt"

	"github.com/element-hq/weft/syncstore/storage/sqlite3"
	"github.com/element-hq/weft/syncstore/types"
)

// Snapshot saves and restores the room collection, the last-seen
// registry and the sync position the rooms were reconciled up to. The
// position lets the next session resume incrementally instead of
// discarding the restored rooms with a fresh initial sync.
type Snapshot interface {
	SaveSnapshot(ctx context.Context, rooms []*types.Room, lastSeen map[string]int64, since string) error
	LoadSnapshot(ctx context.Context) ([]*types.Room, map[string]int64, string, error)
	Close() error
}

// Open opens a snapshot database at the given filesystem path.
func Open(path string) (Snapshot, error) {
	db, err := sqlite3.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage.Open: %w", err)
	}
	return db, nil
}
