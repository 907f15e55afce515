// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package store

import (
	"sync"
)

// Trigger is a named notification channel. Subscribers are invoked with
// no payload and are expected to re-query the store for whatever derived
// data they render.
type Trigger string

const (
	TriggerReadReceipt  Trigger = "read_receipt"
	TriggerMessage      Trigger = "message"
	TriggerRoomType     Trigger = "room_type"
	TriggerRoomPhase    Trigger = "room_phase"
	TriggerRoomActive   Trigger = "room_active"
	TriggerSyncComplete Trigger = "sync_complete"
	TriggerRoomList     Trigger = "room_list"
	TriggerUnreadTotal  Trigger = "unread_total"
	TriggerRoomSummary  Trigger = "room_summary"
	TriggerUserPresence Trigger = "user_presence"
	TriggerToDeviceCall Trigger = "to_device_call_event"
)

// Notifier dispatches trigger signals to registered observers. Multiple
// causes within one reconciliation pass are coalesced into a single
// signal per trigger via triggerSet.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[Trigger]map[int]func()
}

func NewNotifier() *Notifier {
	return &Notifier{subs: map[Trigger]map[int]func(){}}
}

// Subscribe registers fn against a trigger and returns a function that
// removes the subscription.
func (n *Notifier) Subscribe(trigger Trigger, fn func()) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	if n.subs[trigger] == nil {
		n.subs[trigger] = map[int]func(){}
	}
	n.subs[trigger][id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs[trigger], id)
	}
}

// Signal invokes every observer of the trigger once.
func (n *Notifier) Signal(trigger Trigger) {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.subs[trigger]))
	for _, fn := range n.subs[trigger] {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	triggersFired.WithLabelValues(string(trigger)).Inc()
	for _, fn := range fns {
		fn()
	}
}

// triggerSet accumulates the triggers a reconciliation pass decided to
// fire. Adding a trigger twice still signals once.
type triggerSet map[Trigger]struct{}

func (t triggerSet) add(trigger Trigger) {
	t[trigger] = struct{}{}
}

// fire signals each accumulated trigger in a fixed order so observers
// see deterministic sequencing across passes.
func (t triggerSet) fire(n *Notifier) {
	for _, trigger := range []Trigger{
		TriggerReadReceipt,
		TriggerMessage,
		TriggerRoomType,
		TriggerRoomPhase,
		TriggerRoomActive,
		TriggerRoomList,
		TriggerUnreadTotal,
		TriggerRoomSummary,
		TriggerUserPresence,
		TriggerToDeviceCall,
		TriggerSyncComplete,
	} {
		if _, ok := t[trigger]; ok {
			n.Signal(trigger)
		}
	}
}

// eventFlags records which categories of change a reconciliation pass
// observed. They are mapped onto triggers once the whole payload has
// been processed.
type eventFlags struct {
	message      bool
	member       bool
	roomName     bool
	roomAvatar   bool
	roomAlias    bool
	joinRule     bool
	powerLevel   bool
	activeStatus bool
	readReceipt  bool
	unreadCount  bool
	newRoom      bool
	roomPhase    bool
	roomType     bool
	presence     bool
	call         bool
}

func (f *eventFlags) merge(o eventFlags) {
	f.message = f.message || o.message
	f.member = f.member || o.member
	f.roomName = f.roomName || o.roomName
	f.roomAvatar = f.roomAvatar || o.roomAvatar
	f.roomAlias = f.roomAlias || o.roomAlias
	f.joinRule = f.joinRule || o.joinRule
	f.powerLevel = f.powerLevel || o.powerLevel
	f.activeStatus = f.activeStatus || o.activeStatus
	f.readReceipt = f.readReceipt || o.readReceipt
	f.unreadCount = f.unreadCount || o.unreadCount
	f.newRoom = f.newRoom || o.newRoom
	f.roomPhase = f.roomPhase || o.roomPhase
	f.roomType = f.roomType || o.roomType
	f.presence = f.presence || o.presence
	f.call = f.call || o.call
}

// triggers converts observed flags into the set of triggers to fire.
func (f *eventFlags) triggers() triggerSet {
	set := triggerSet{}

	if f.readReceipt {
		set.add(TriggerReadReceipt)
	}
	if f.message || f.member || f.roomName || f.roomAvatar || f.call {
		set.add(TriggerMessage)
		set.add(TriggerRoomList)
	}
	if f.roomType {
		set.add(TriggerRoomType)
	}
	if f.roomPhase {
		set.add(TriggerRoomPhase)
		set.add(TriggerRoomList)
	}
	if f.activeStatus {
		set.add(TriggerRoomActive)
	}
	if f.newRoom {
		set.add(TriggerRoomList)
	}
	if f.unreadCount {
		set.add(TriggerRoomList)
		set.add(TriggerUnreadTotal)
		set.add(TriggerRoomSummary)
	}
	if f.roomType || f.roomPhase || f.newRoom || f.roomAvatar || f.roomName || f.member || f.call {
		set.add(TriggerRoomSummary)
	}
	if f.presence || f.readReceipt {
		set.add(TriggerUserPresence)
	}

	return set
}
