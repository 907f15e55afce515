// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/weft/syncstore/types"
)

func newMockStore(t *testing.T) (*SnapshotStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)

	mock.ExpectExec(snapshotSchema).WillReturnResult(sqlmock.NewResult(0, 0))
	for _, stmt := range []string{
		upsertRoomSnapshotSQL,
		deleteRoomSnapshotsSQL,
		selectRoomSnapshotsSQL,
		upsertLastSeenSQL,
		deleteLastSeenSQL,
		selectLastSeenSQL,
		upsertSyncPositionSQL,
		selectSyncPositionSQL,
	} {
		mock.ExpectPrepare(stmt)
	}

	store, err := Prepare(db)
	require.NoError(t, err)
	return store, mock
}

func TestSaveSnapshotReplacesAtomically(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(deleteRoomSnapshotsSQL).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(upsertRoomSnapshotSQL).
		WithArgs("!a:test", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(deleteLastSeenSQL).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsertLastSeenSQL).
		WithArgs("@bob:test", int64(1234)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsertSyncPositionSQL).
		WithArgs("s72595_4483").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.SaveSnapshot(
		context.Background(),
		[]*types.Room{types.NewRoom("!a:test", types.PhaseJoined)},
		map[string]int64{"@bob:test": 1234},
		"s72595_4483",
	)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSnapshotEmptyDatabase(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(selectRoomSnapshotsSQL).
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}))
	mock.ExpectQuery(selectLastSeenSQL).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "last_seen_ts"}))
	mock.ExpectQuery(selectSyncPositionSQL).
		WillReturnRows(sqlmock.NewRows([]string{"since_token"}))

	rooms, lastSeen, since, err := store.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rooms)
	assert.Empty(t, lastSeen)
	assert.Empty(t, since, "a fresh database forces a full initial sync")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRoundTrip(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "weft.db"))
	require.NoError(t, err)
	defer store.Close() // nolint: errcheck

	room := types.NewRoom("!a:test", types.PhaseJoined)
	room.Type = types.RoomTypeGroup
	room.Name = "Ops"
	room.Member("@bob:test").Membership = "join"
	room.TimelineEvents = []types.ClientEvent{{Type: "m.room.message", EventID: "$1"}}

	ctx := context.Background()
	require.NoError(t, store.SaveSnapshot(ctx, []*types.Room{room}, map[string]int64{"@bob:test": 99}, "s100_1"))

	rooms, lastSeen, since, err := store.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "!a:test", rooms[0].ID)
	assert.Equal(t, types.RoomTypeGroup, rooms[0].Type)
	assert.Equal(t, "Ops", rooms[0].Name)
	require.Contains(t, rooms[0].Members, "@bob:test")
	assert.Equal(t, "join", rooms[0].Members["@bob:test"].Membership)
	require.Len(t, rooms[0].TimelineEvents, 1)
	assert.Equal(t, map[string]int64{"@bob:test": 99}, lastSeen)
	assert.Equal(t, "s100_1", since, "the sync position resumes the next session incrementally")

	// Saving again must replace, not accumulate.
	require.NoError(t, store.SaveSnapshot(ctx, []*types.Room{room}, nil, "s100_2"))
	rooms, lastSeen, since, err = store.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
	assert.Empty(t, lastSeen)
	assert.Equal(t, "s100_2", since)
}
