// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberApplyProfileMergesFieldByField(t *testing.T) {
	member := Member{UserID: "@bob:test"}

	member.ApplyProfile(MemberContent{
		Displayname: "Bob",
		AvatarURL:   "mxc://test/abc",
		Membership:  "invite",
		IsDirect:    true,
	})

	// A later, narrower event must not erase what the wider one taught.
	member.ApplyProfile(MemberContent{Membership: "join"})

	assert.Equal(t, "Bob", member.Name)
	assert.Equal(t, "mxc://test/abc", member.AvatarURL)
	assert.Equal(t, "join", member.Membership)
	assert.True(t, member.IsDirect, "the direct flag is sticky")
}

func TestMemberApplyPowerLevel(t *testing.T) {
	tests := []struct {
		name           string
		before         Member
		level          int
		wantMembership string
	}{
		{
			name:           "creator inferred joined at level 100",
			before:         Member{},
			level:          100,
			wantMembership: spec.Join,
		},
		{
			name:           "known membership never overwritten",
			before:         Member{Membership: "leave"},
			level:          100,
			wantMembership: "leave",
		},
		{
			name:           "ordinary level implies nothing",
			before:         Member{},
			level:          50,
			wantMembership: "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			member := tc.before
			member.ApplyPowerLevel(tc.level)
			assert.Equal(t, tc.level, member.PowerLevel)
			assert.Equal(t, tc.wantMembership, member.Membership)
		})
	}
}

func TestNewRoom(t *testing.T) {
	invited := NewRoom("!a:test", PhaseInvited)
	assert.Equal(t, 1, invited.UnreadCount, "invites surface with one unread")

	joined := NewRoom("!b:test", PhaseJoined)
	assert.Equal(t, 0, joined.UnreadCount)
	assert.NotNil(t, joined.Members)
	assert.NotNil(t, joined.ReadReceipts)
}

func TestSyncResponseDecode(t *testing.T) {
	body := []byte(`{
		"next_batch": "s72595_4483_1934",
		"rooms": {
			"join": {
				"!room:test": {
					"timeline": {
						"events": [{"type": "m.room.message", "event_id": "$1", "origin_server_ts": 1234}],
						"limited": true,
						"prev_batch": "t34-23535"
					},
					"summary": {"m.joined_member_count": 2, "m.heroes": ["@bob:test"]},
					"unread_notifications": {"notification_count": 3}
				}
			},
			"invite": {
				"!inv:test": {
					"invite_state": {"events": [{"type": "m.room.name", "content": {"name": "Plans"}}]}
				}
			}
		},
		"to_device": {"events": [{"type": "m.call.invite", "sender": "@bob:test"}]}
	}`)

	var payload SyncResponse
	require.NoError(t, json.Unmarshal(body, &payload))

	assert.Equal(t, "s72595_4483_1934", payload.NextBatch)
	require.NotNil(t, payload.Rooms)

	joined := payload.Rooms.Join["!room:test"]
	assert.True(t, joined.Timeline.Limited)
	assert.Equal(t, "t34-23535", joined.Timeline.PrevBatch)
	require.NotNil(t, joined.Summary)
	assert.Equal(t, 2, joined.Summary.JoinedMemberCount)
	require.NotNil(t, joined.UnreadNotifications)
	assert.Equal(t, 3, joined.UnreadNotifications.NotificationCount)

	require.Contains(t, payload.Rooms.Invite, "!inv:test")
	require.NotNil(t, payload.ToDevice)
	assert.Equal(t, "m.call.invite", payload.ToDevice.Events[0].Type)

	assert.Nil(t, payload.Presence, "missing sections decode to nil")
}
