// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/element-hq/weft/internal/sqlutil"
	"github.com/element-hq/weft/syncstore/types"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS weft_room_snapshots (
	room_id TEXT NOT NULL PRIMARY KEY,
	snapshot TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS weft_last_seen (
	user_id TEXT NOT NULL PRIMARY KEY,
	last_seen_ts BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS weft_sync_position (
	lock_key INTEGER NOT NULL PRIMARY KEY CHECK (lock_key = 1),
	since_token TEXT NOT NULL
);`

const upsertRoomSnapshotSQL = `INSERT INTO weft_room_snapshots (room_id, snapshot)
  VALUES ($1, $2)
  ON CONFLICT (room_id) DO UPDATE SET snapshot = $2`

const deleteRoomSnapshotsSQL = "" +
	"DELETE FROM weft_room_snapshots"

const selectRoomSnapshotsSQL = "" +
	"SELECT snapshot FROM weft_room_snapshots ORDER BY room_id"

const upsertLastSeenSQL = `INSERT INTO weft_last_seen (user_id, last_seen_ts)
  VALUES ($1, $2)
  ON CONFLICT (user_id) DO UPDATE SET last_seen_ts = $2`

const deleteLastSeenSQL = "" +
	"DELETE FROM weft_last_seen"

const selectLastSeenSQL = "" +
	"SELECT user_id, last_seen_ts FROM weft_last_seen"

const upsertSyncPositionSQL = `INSERT INTO weft_sync_position (lock_key, since_token)
  VALUES (1, $1)
  ON CONFLICT (lock_key) DO UPDATE SET since_token = $1`

const selectSyncPositionSQL = "" +
	"SELECT since_token FROM weft_sync_position WHERE lock_key = 1"

// SnapshotStore persists store snapshots in a local sqlite database.
type SnapshotStore struct {
	db                  *sql.DB
	upsertRoomSnapshot  *sql.Stmt
	deleteRoomSnapshots *sql.Stmt
	selectRoomSnapshots *sql.Stmt
	upsertLastSeen      *sql.Stmt
	deleteLastSeen      *sql.Stmt
	selectLastSeen      *sql.Stmt
	upsertSyncPosition  *sql.Stmt
	selectSyncPosition  *sql.Stmt
}

// Open opens (creating if needed) the snapshot database at path.
func Open(path string) (*SnapshotStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return Prepare(db)
}

// Prepare creates the schema and prepares the statements on an already
// opened database handle.
func Prepare(db *sql.DB) (*SnapshotStore, error) {
	if _, err := db.Exec(snapshotSchema); err != nil {
		return nil, err
	}
	r := &SnapshotStore{db: db}
	return r, sqlutil.StatementList{
		{&r.upsertRoomSnapshot, upsertRoomSnapshotSQL},
		{&r.deleteRoomSnapshots, deleteRoomSnapshotsSQL},
		{&r.selectRoomSnapshots, selectRoomSnapshotsSQL},
		{&r.upsertLastSeen, upsertLastSeenSQL},
		{&r.deleteLastSeen, deleteLastSeenSQL},
		{&r.selectLastSeen, selectLastSeenSQL},
		{&r.upsertSyncPosition, upsertSyncPositionSQL},
		{&r.selectSyncPosition, selectSyncPositionSQL},
	}.Prepare(db)
}

// SaveSnapshot replaces the persisted snapshot with the given room
// collection, last-seen registry and sync position, atomically. The
// position is what makes a restored snapshot usable: without it the
// next session would start a full initial sync and rebuild the room
// collection from scratch anyway.
func (r *SnapshotStore) SaveSnapshot(
	ctx context.Context, rooms []*types.Room, lastSeen map[string]int64, since string,
) error {
	return sqlutil.WithTransaction(r.db, func(txn *sql.Tx) error {
		if _, err := txn.Stmt(r.deleteRoomSnapshots).ExecContext(ctx); err != nil {
			return err
		}
		for _, room := range rooms {
			blob, err := json.Marshal(room)
			if err != nil {
				return fmt.Errorf("marshal room %s: %w", room.ID, err)
			}
			if _, err := txn.Stmt(r.upsertRoomSnapshot).ExecContext(ctx, room.ID, string(blob)); err != nil {
				return err
			}
		}
		if _, err := txn.Stmt(r.deleteLastSeen).ExecContext(ctx); err != nil {
			return err
		}
		for userID, ts := range lastSeen {
			if _, err := txn.Stmt(r.upsertLastSeen).ExecContext(ctx, userID, ts); err != nil {
				return err
			}
		}
		_, err := txn.Stmt(r.upsertSyncPosition).ExecContext(ctx, since)
		return err
	})
}

// LoadSnapshot restores the persisted room collection, last-seen
// registry and sync position. An empty database yields empty results,
// not an error.
func (r *SnapshotStore) LoadSnapshot(
	ctx context.Context,
) ([]*types.Room, map[string]int64, string, error) {
	rows, err := r.selectRoomSnapshots.QueryContext(ctx)
	if err != nil {
		return nil, nil, "", err
	}
	defer rows.Close() // nolint: errcheck

	var rooms []*types.Room
	for rows.Next() {
		var blob string
		if err = rows.Scan(&blob); err != nil {
			return nil, nil, "", err
		}
		var room types.Room
		if err = json.Unmarshal([]byte(blob), &room); err != nil {
			return nil, nil, "", fmt.Errorf("unmarshal room snapshot: %w", err)
		}
		rooms = append(rooms, &room)
	}
	if err = rows.Err(); err != nil {
		return nil, nil, "", err
	}

	seenRows, err := r.selectLastSeen.QueryContext(ctx)
	if err != nil {
		return nil, nil, "", err
	}
	defer seenRows.Close() // nolint: errcheck

	lastSeen := map[string]int64{}
	for seenRows.Next() {
		var userID string
		var ts int64
		if err = seenRows.Scan(&userID, &ts); err != nil {
			return nil, nil, "", err
		}
		lastSeen[userID] = ts
	}
	if err = seenRows.Err(); err != nil {
		return nil, nil, "", err
	}

	var since string
	err = r.selectSyncPosition.QueryRowContext(ctx).Scan(&since)
	if err != nil && err != sql.ErrNoRows {
		return nil, nil, "", err
	}
	return rooms, lastSeen, since, nil
}

// Close closes the underlying database handle.
func (r *SnapshotStore) Close() error {
	return r.db.Close()
}
