// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifierSubscribeAndUnsubscribe(t *testing.T) {
	n := NewNotifier()

	calls := 0
	unsubscribe := n.Subscribe(TriggerMessage, func() { calls++ })

	n.Signal(TriggerMessage)
	n.Signal(TriggerRoomList) // different trigger, no effect
	assert.Equal(t, 1, calls)

	unsubscribe()
	n.Signal(TriggerMessage)
	assert.Equal(t, 1, calls)
}

func TestNotifierMultipleObservers(t *testing.T) {
	n := NewNotifier()

	calls := map[string]int{}
	n.Subscribe(TriggerRoomList, func() { calls["a"]++ })
	n.Subscribe(TriggerRoomList, func() { calls["b"]++ })

	n.Signal(TriggerRoomList)

	assert.Equal(t, map[string]int{"a": 1, "b": 1}, calls)
}

func TestTriggerSetCoalesces(t *testing.T) {
	n := NewNotifier()

	calls := 0
	n.Subscribe(TriggerRoomList, func() { calls++ })

	set := triggerSet{}
	set.add(TriggerRoomList)
	set.add(TriggerRoomList)
	set.add(TriggerRoomList)
	set.fire(n)

	assert.Equal(t, 1, calls, "repeated causes collapse into one signal")
}

func TestTriggerSetFiresSyncCompleteLast(t *testing.T) {
	n := NewNotifier()

	var order []Trigger
	for _, trigger := range []Trigger{TriggerSyncComplete, TriggerMessage, TriggerRoomList} {
		trigger := trigger
		n.Subscribe(trigger, func() { order = append(order, trigger) })
	}

	set := triggerSet{}
	set.add(TriggerSyncComplete)
	set.add(TriggerRoomList)
	set.add(TriggerMessage)
	set.fire(n)

	assert.Equal(t, []Trigger{TriggerMessage, TriggerRoomList, TriggerSyncComplete}, order)
}

func TestEventFlagsTriggerMapping(t *testing.T) {
	tests := []struct {
		name  string
		flags eventFlags
		want  []Trigger
	}{
		{
			name:  "message",
			flags: eventFlags{message: true},
			want:  []Trigger{TriggerMessage, TriggerRoomList},
		},
		{
			name:  "phase change",
			flags: eventFlags{roomPhase: true},
			want:  []Trigger{TriggerRoomPhase, TriggerRoomList, TriggerRoomSummary},
		},
		{
			name:  "unread count",
			flags: eventFlags{unreadCount: true},
			want:  []Trigger{TriggerRoomList, TriggerUnreadTotal, TriggerRoomSummary},
		},
		{
			name:  "read receipt doubles as presence",
			flags: eventFlags{readReceipt: true},
			want:  []Trigger{TriggerReadReceipt, TriggerUserPresence},
		},
		{
			name:  "new room",
			flags: eventFlags{newRoom: true},
			want:  []Trigger{TriggerRoomList, TriggerRoomSummary},
		},
		{
			name:  "active status alone",
			flags: eventFlags{activeStatus: true},
			want:  []Trigger{TriggerRoomActive},
		},
		{
			name:  "call activity",
			flags: eventFlags{call: true},
			want:  []Trigger{TriggerMessage, TriggerRoomList, TriggerRoomSummary},
		},
		{
			name:  "alias and topic changes stay silent",
			flags: eventFlags{roomAlias: true},
			want:  nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			set := tc.flags.triggers()

			wantSet := triggerSet{}
			for _, trigger := range tc.want {
				wantSet.add(trigger)
			}
			assert.Equal(t, wantSet, set)
		})
	}
}

func TestEventFlagsMergeIsUnion(t *testing.T) {
	a := eventFlags{message: true, unreadCount: true}
	a.merge(eventFlags{member: true, unreadCount: true})

	assert.True(t, a.message)
	assert.True(t, a.member)
	assert.True(t, a.unreadCount)
	assert.False(t, a.roomPhase)
}
