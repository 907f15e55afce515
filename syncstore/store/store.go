// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package store maintains the client-side view of all rooms known to
// this account. It consumes sync payloads handed over by the transport,
// reconciles them into one mutable room collection, and tells
// subscribers which categories of derived data changed.
//
// The store performs no I/O and never returns errors from
// reconciliation: malformed or partial payload sections are skipped.
// It is not safe for concurrent use; payloads must be applied
// sequentially in server order from a single goroutine.
package store

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/weft/syncstore/eventfilter"
	"github.com/element-hq/weft/syncstore/types"
)

// isCallEventType is the allow-list of to-device event types routed to
// the call signalling queue.
func isCallEventType(eventType string) bool {
	switch eventType {
	case "m.call.invite", "m.call.candidates", "m.call.answer",
		"m.call.select_answer", "m.call.negotiate", "m.call.hangup",
		"org.matrix.call.sdp_stream_metadata_changed":
		return true
	}
	return false
}

// Store owns the room collection and its derived registries.
type Store struct {
	userID string

	rooms       map[string]*types.Room
	directRooms map[string]string
	lastSeen    map[string]int64

	syncComplete       bool
	toDeviceCallEvents []types.ToDeviceEvent

	notifier *Notifier
	now      func() time.Time
	log      *logrus.Entry
}

// NewStore constructs an empty store for the given account.
func NewStore(userID string) *Store {
	return &Store{
		userID:      userID,
		rooms:       map[string]*types.Room{},
		directRooms: map[string]string{},
		lastSeen:    map[string]int64{},
		notifier:    NewNotifier(),
		now:         time.Now,
		log:         logrus.WithField("component", "syncstore"),
	}
}

// Subscribe registers fn against a trigger; the returned function
// removes the subscription.
func (s *Store) Subscribe(trigger Trigger, fn func()) func() {
	return s.notifier.Subscribe(trigger, fn)
}

// ApplyInitialSync consumes the first full sync response. All rooms are
// constructed and classified in bulk; only the sync-complete trigger
// fires. An empty payload is a valid empty start, not an error.
func (s *Store) ApplyInitialSync(payload *types.SyncResponse) {
	payloadsApplied.WithLabelValues("initial").Inc()

	s.rooms = map[string]*types.Room{}
	s.setDirectRoomList(payload)

	if payload != nil && payload.Rooms != nil {
		for roomID, data := range payload.Rooms.Invite {
			room := types.NewRoom(roomID, types.PhaseInvited)
			s.rooms[roomID] = room
			s.resolveRoomState(room, data, types.PhaseInvited)
		}
		for roomID, data := range payload.Rooms.Join {
			room := types.NewRoom(roomID, types.PhaseJoined)
			s.rooms[roomID] = room
			s.resolveRoomState(room, data, types.PhaseJoined)
		}

		// Second pass: timelines and per-room derived fields, now that
		// every room has had its state resolved.
		for roomID, data := range payload.Rooms.Join {
			room := s.rooms[roomID]
			if room.Phase != types.PhaseJoined {
				continue
			}
			s.mergeTimeline(room, data.Timeline)
			s.updateLatestEvent(room)
			if room.Type != types.RoomTypeCommunity {
				s.updateReadReceipts(room, data)
				s.presenceFromTimeline(room)
				s.updateUnreadCount(room, data)
			}
		}
	}

	s.syncComplete = true
	knownRooms.Set(float64(len(s.rooms)))
	s.log.WithField("rooms", len(s.rooms)).Info("Initial sync reconciled")

	set := triggerSet{}
	set.add(TriggerSyncComplete)
	set.fire(s.notifier)
}

// ApplyIncrementalSync consumes every sync response after the first.
// Each room in the payload is dispatched to the reconciliation path for
// its current lifecycle state; the union of observed changes decides
// which triggers fire, at most once each.
func (s *Store) ApplyIncrementalSync(payload *types.SyncResponse) {
	payloadsApplied.WithLabelValues("incremental").Inc()

	if payload == nil || payload.Rooms == nil {
		if !s.syncComplete {
			s.syncComplete = true
			set := triggerSet{}
			set.add(TriggerSyncComplete)
			set.fire(s.notifier)
		}
		return
	}

	var flags eventFlags

	for roomID, data := range payload.Rooms.Join {
		room, known := s.rooms[roomID]
		switch {
		case known && room.Phase == types.PhaseJoined && room.Type != types.RoomTypeUnknown:
			flags.merge(s.updateJoinedRoom(room, data))
		case known && room.Phase == types.PhaseJoined:
			flags.merge(s.updateUntypedRoom(room, data))
		case known && room.Phase == types.PhaseInvited:
			flags.merge(s.acceptInvitedRoom(room, data))
		default:
			flags.merge(s.initJoinedRoom(roomID, data))
		}
	}

	for roomID, data := range payload.Rooms.Invite {
		if _, known := s.rooms[roomID]; !known {
			flags.merge(s.initInvitedRoom(roomID, data))
		}
	}

	for roomID := range payload.Rooms.Leave {
		if room, known := s.rooms[roomID]; known {
			room.Phase = types.PhaseLeft
			flags.roomPhase = true
		}
	}

	set := flags.triggers()
	if !s.syncComplete {
		s.syncComplete = true
		set.add(TriggerSyncComplete)
	}
	knownRooms.Set(float64(len(s.rooms)))
	set.fire(s.notifier)
}

// updateJoinedRoom is the ordinary update path for a known, joined,
// classified room.
func (s *Store) updateJoinedRoom(room *types.Room, data types.RoomData) eventFlags {
	s.mergeTimeline(room, data.Timeline)
	s.appendState(room, data.State.Events)
	s.updateNewEvents(room, data.Timeline)
	if len(data.Timeline.Events) > 0 {
		s.updateLatestEvent(room)
	}

	flags := s.applyRoomMeta(room, data.Timeline.Events)
	flags.merge(s.applyRoomMeta(room, data.State.Events))

	if room.Type != types.RoomTypeCommunity {
		if flags.member {
			s.applySummary(room, data.Summary)
			flags.activeStatus = s.recomputeActive(room)
		}
		flags.readReceipt = s.updateReadReceipts(room, data)
		flags.unreadCount = s.updateUnreadCount(room, data)
	}

	return flags
}

// updateUntypedRoom re-attempts classification of a joined room whose
// type could not be determined yet. Until it classifies, the room emits
// no room-list triggers.
func (s *Store) updateUntypedRoom(room *types.Room, data types.RoomData) eventFlags {
	var flags eventFlags

	s.applySummary(room, data.Summary)
	s.applyRoomMeta(room, data.Timeline.Events)
	s.classifyRoom(room, true)

	s.mergeTimeline(room, data.Timeline)
	s.appendState(room, data.State.Events)
	s.updateNewEvents(room, data.Timeline)
	s.updateLatestEvent(room)

	if room.Type != types.RoomTypeUnknown {
		flags.newRoom = true
		flags.roomType = true
		if room.Type == types.RoomTypeDirect {
			s.resolveContactID(room)
		}
		flags.activeStatus = s.recomputeActive(room)
	}

	return flags
}

// acceptInvitedRoom handles an invited room appearing under the joined
// section: the invite was accepted.
func (s *Store) acceptInvitedRoom(room *types.Room, data types.RoomData) eventFlags {
	s.mergeTimeline(room, data.Timeline)
	s.updateNewEvents(room, data.Timeline)
	s.updateLatestEvent(room)
	s.applySummary(room, data.Summary)

	flags := s.applyRoomMeta(room, data.Timeline.Events)

	room.Phase = types.PhaseJoined
	room.UnreadCount = 0
	room.Active = true

	flags.roomPhase = true
	flags.activeStatus = true

	return flags
}

// initJoinedRoom constructs a room first seen under the joined section,
// e.g. when an admin adds the user without a prior invite.
func (s *Store) initJoinedRoom(roomID string, data types.RoomData) eventFlags {
	var flags eventFlags

	room := types.NewRoom(roomID, types.PhaseJoined)
	s.rooms[roomID] = room

	s.applySummary(room, data.Summary)
	s.applyRoomMeta(room, data.State.Events)
	s.applyRoomMeta(room, data.Timeline.Events)
	s.classifyRoom(room, true)

	s.mergeTimeline(room, data.Timeline)
	s.appendState(room, data.State.Events)
	s.updateNewEvents(room, data.Timeline)
	s.updateLatestEvent(room)

	if room.Type != types.RoomTypeUnknown {
		flags.newRoom = true
		flags.roomType = true
		if room.Type == types.RoomTypeDirect {
			s.resolveContactID(room)
		}
		flags.activeStatus = s.recomputeActive(room)
	}

	return flags
}

// initInvitedRoom constructs a room first seen under the invited
// section.
func (s *Store) initInvitedRoom(roomID string, data types.RoomData) eventFlags {
	room := types.NewRoom(roomID, types.PhaseInvited)
	s.rooms[roomID] = room
	s.resolveRoomState(room, data, types.PhaseInvited)

	return eventFlags{newRoom: true}
}

// setDirectRoomList establishes the room -> contact registry from the
// m.direct account data, once per full sync.
func (s *Store) setDirectRoomList(payload *types.SyncResponse) {
	if payload == nil || payload.AccountData == nil {
		return
	}
	for _, event := range payload.AccountData.Events {
		if event.Type != "m.direct" {
			continue
		}
		var content map[string][]string
		if err := json.Unmarshal(event.Content, &content); err != nil {
			s.log.WithError(err).Warn("Skipping malformed m.direct content")
			return
		}
		s.directRooms = map[string]string{}
		for contactID, roomIDs := range content {
			for _, roomID := range roomIDs {
				s.directRooms[roomID] = contactID
			}
		}
		return
	}
}

// UpdatePresenceFromSync folds account-wide presence events into the
// last-seen registry and fires the presence trigger if any entry
// advanced. Entries only ever move forward.
func (s *Store) UpdatePresenceFromSync(payload *types.SyncResponse) {
	if payload == nil || payload.Presence == nil {
		return
	}

	advanced := false
	nowMS := s.now().UnixMilli()

	for _, event := range payload.Presence.Events {
		if event.Type != "m.presence" || len(event.Content) == 0 {
			continue
		}
		var content types.PresenceContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			continue
		}
		if s.trackPresence(event.Sender, nowMS-content.LastActiveAgo) {
			advanced = true
		}
	}

	if advanced {
		s.notifier.Signal(TriggerUserPresence)
	}
}

// RouteToDeviceEvents queues inbound call-signalling events and signals
// the call trigger. The trigger fires on every invocation that carries
// a to_device section, matched events or not, so consumers re-check
// their queue; several call flows rely on that wakeup.
func (s *Store) RouteToDeviceEvents(payload *types.SyncResponse) {
	if payload == nil || payload.ToDevice == nil {
		return
	}

	for _, event := range payload.ToDevice.Events {
		if isCallEventType(event.Type) {
			s.toDeviceCallEvents = append(s.toDeviceCallEvents, event)
		}
	}

	s.notifier.Signal(TriggerToDeviceCall)
}

// TakeToDeviceCallEvents hands ownership of the queued call events to
// the caller and leaves an empty queue behind. A second consecutive
// call returns nothing.
func (s *Store) TakeToDeviceCallEvents() []types.ToDeviceEvent {
	events := s.toDeviceCallEvents
	s.toDeviceCallEvents = nil
	return events
}

// RemoveRoom permanently deletes a room, e.g. after a user-initiated
// leave or invite rejection.
func (s *Store) RemoveRoom(roomID string) {
	delete(s.rooms, roomID)
	knownRooms.Set(float64(len(s.rooms)))
}

// Reset wipes every registry, as on sign-out.
func (s *Store) Reset() {
	s.rooms = map[string]*types.Room{}
	s.directRooms = map[string]string{}
	s.lastSeen = map[string]int64{}
	s.toDeviceCallEvents = nil
	s.syncComplete = false
	knownRooms.Set(0)
}

// ---------------------------------------------------------------------
// Queries. All reads over current state; returned rooms and events must
// be treated as read-only by callers.

// GetRoom returns the room, or nil if unknown.
func (s *Store) GetRoom(roomID string) *types.Room {
	return s.rooms[roomID]
}

// GetRoomPhase returns the lifecycle phase, or "" if the room is
// unknown.
func (s *Store) GetRoomPhase(roomID string) types.Phase {
	if room := s.rooms[roomID]; room != nil {
		return room.Phase
	}
	return ""
}

// GetRoomType returns the classification of the room; unknown rooms and
// unclassified rooms both yield RoomTypeUnknown.
func (s *Store) GetRoomType(roomID string) types.RoomType {
	if room := s.rooms[roomID]; room != nil {
		return room.Type
	}
	return types.RoomTypeUnknown
}

func (s *Store) GetRoomActive(roomID string) bool {
	room := s.rooms[roomID]
	return room != nil && room.Active
}

// GetSortedRoomList returns the rooms shown in the room list: left and
// unclassified rooms excluded, ordered by phase (invites first), then
// unread count descending, then latest activity descending.
func (s *Store) GetSortedRoomList() []*types.Room {
	list := make([]*types.Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		if room.Phase != types.PhaseLeft && room.Type != types.RoomTypeUnknown {
			list = append(list, room)
		}
	}

	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Phase != b.Phase {
			return a.Phase < b.Phase
		}
		if a.UnreadCount != b.UnreadCount {
			return a.UnreadCount > b.UnreadCount
		}
		return latestEventTime(a) > latestEventTime(b)
	})

	return list
}

func latestEventTime(room *types.Room) int64 {
	if room.LatestEvent == nil {
		return 0
	}
	return room.LatestEvent.Time
}

// GetUnreadTotal sums unread counts across all rooms except the one the
// user is currently looking at.
func (s *Store) GetUnreadTotal(excludeRoomID string) int {
	total := 0
	for roomID, room := range s.rooms {
		if roomID == excludeRoomID || room.UnreadCount <= 0 {
			continue
		}
		total += room.UnreadCount
	}
	return total
}

// GetInviteSender returns the counterpart member of an invited room, or
// nil when none is known yet.
func (s *Store) GetInviteSender(roomID string) *types.Member {
	room := s.rooms[roomID]
	if room == nil {
		return nil
	}
	for userID, member := range room.Members {
		if userID != s.userID {
			return member
		}
	}
	return nil
}

// GetNewRoomEvents returns the latest sync's filtered batch, newest
// first.
func (s *Store) GetNewRoomEvents(roomID string) []types.ChatEvent {
	if room := s.rooms[roomID]; room != nil {
		return room.NewEvents
	}
	return nil
}

func (s *Store) GetNewEventsLimited(roomID string) bool {
	room := s.rooms[roomID]
	return room != nil && room.NewEventsLimited
}

func (s *Store) GetLatestEvent(roomID string) *types.ChatEvent {
	if room := s.rooms[roomID]; room != nil {
		return room.LatestEvent
	}
	return nil
}

// GetAllRoomEvents filters the full accumulated timeline for the chat
// view, newest first.
func (s *Store) GetAllRoomEvents(roomID string) []types.ChatEvent {
	room := s.rooms[roomID]
	if room == nil {
		return nil
	}
	return eventfilter.FilterTimeline(room.TimelineEvents, room.Type)
}

// GetImageTimeline returns the room's image messages newest first,
// along with the pagination token for loading older history.
func (s *Store) GetImageTimeline(roomID string) ([]types.ClientEvent, string) {
	room := s.rooms[roomID]
	if room == nil {
		return nil, ""
	}

	var images []types.ClientEvent
	for _, event := range room.TimelineEvents {
		if event.Type != "m.room.message" {
			continue
		}
		content := gjson.ParseBytes(event.Content)
		if content.Get("msgtype").Str != "m.image" || content.Get("url").Str == "" {
			continue
		}
		// SVGs rarely render in image views, so they stay out of the
		// gallery.
		if strings.Contains(strings.ToLower(content.Get("body").Str), ".svg") {
			continue
		}
		images = append(images, event)
	}
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].OriginServerTS > images[j].OriginServerTS
	})

	return images, room.TimelineToken
}

func (s *Store) GetTimelineLength(roomID string) int {
	if room := s.rooms[roomID]; room != nil {
		return len(room.TimelineEvents)
	}
	return 0
}

func (s *Store) GetTimelineToken(roomID string) string {
	if room := s.rooms[roomID]; room != nil {
		return room.TimelineToken
	}
	return ""
}

func (s *Store) GetTimelineLimited(roomID string) bool {
	room := s.rooms[roomID]
	return room != nil && room.TimelineLimited
}

// GetReadReceipts returns a copy of the room's receipts, pruned of
// entries from users no longer joined.
func (s *Store) GetReadReceipts(roomID string) map[string]types.ReadReceipt {
	room := s.rooms[roomID]
	if room == nil {
		return nil
	}

	for userID := range room.ReadReceipts {
		member := room.Members[userID]
		if member == nil || member.Membership != spec.Join {
			delete(room.ReadReceipts, userID)
		}
	}

	receipts := make(map[string]types.ReadReceipt, len(room.ReadReceipts))
	for userID, receipt := range room.ReadReceipts {
		receipts[userID] = receipt
	}
	return receipts
}

func (s *Store) GetLastReadReceiptTimestamp(roomID, userID string) int64 {
	if room := s.rooms[roomID]; room != nil {
		return room.ReadReceipts[userID].Timestamp
	}
	return 0
}

// GetUsers returns every user known from non-community rooms, excluding
// the account owner, with the best known profile merged across rooms.
func (s *Store) GetUsers() []types.Member {
	users := map[string]*types.Member{}
	for _, room := range s.rooms {
		if room.Type == types.RoomTypeCommunity {
			continue
		}
		for userID, member := range room.Members {
			if userID == "" || userID == s.userID {
				continue
			}
			known, ok := users[userID]
			if !ok {
				known = &types.Member{UserID: userID}
				users[userID] = known
			}
			if member.Name != "" {
				known.Name = member.Name
			}
			if member.AvatarURL != "" {
				known.AvatarURL = member.AvatarURL
			}
		}
	}

	list := make([]types.Member, 0, len(users))
	for _, member := range users {
		list = append(list, *member)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
	return list
}

// GetMemberName returns the display name of a room member, falling back
// to the user ID.
func (s *Store) GetMemberName(roomID, userID string) string {
	if room := s.rooms[roomID]; room != nil {
		if member := room.Members[userID]; member != nil && member.Name != "" {
			return member.Name
		}
	}
	return userID
}

// SetMembers replaces a room's member map, used after fetching the full
// member list out of band.
func (s *Store) SetMembers(roomID string, members map[string]*types.Member) {
	if room := s.rooms[roomID]; room != nil {
		room.Members = members
	}
}

func (s *Store) GetPowerLevel(roomID, userID string) int {
	if room := s.rooms[roomID]; room != nil {
		if member := room.Members[userID]; member != nil {
			return member.PowerLevel
		}
	}
	return 0
}

func (s *Store) GetCall(roomID string) *types.Call {
	if room := s.rooms[roomID]; room != nil {
		return room.Call
	}
	return nil
}

func (s *Store) GetCallReady(roomID string) bool {
	room := s.rooms[roomID]
	return room != nil && room.CallReady
}

func (s *Store) GetTopic(roomID string) string {
	if room := s.rooms[roomID]; room != nil {
		return room.Topic
	}
	return ""
}

func (s *Store) GetAlias(roomID string) string {
	if room := s.rooms[roomID]; room != nil {
		return room.Alias
	}
	return ""
}

// GetRoomName returns what the room list shows: the contact's name for
// a direct room, otherwise the room name or alias.
func (s *Store) GetRoomName(roomID string) string {
	room := s.rooms[roomID]
	if room == nil {
		return ""
	}
	if room.Type == types.RoomTypeDirect {
		if member := room.Members[room.ContactID]; member != nil {
			return member.Name
		}
		return ""
	}
	if room.Name != "" {
		return room.Name
	}
	return room.Alias
}

// GetLastSeenTime returns the last-seen heuristic for a user, zero when
// never seen.
func (s *Store) GetLastSeenTime(userID string) int64 {
	return s.lastSeen[userID]
}

// SyncComplete reports whether at least one reconciliation has run.
func (s *Store) SyncComplete() bool {
	return s.syncComplete
}

// ---------------------------------------------------------------------
// Snapshot hooks for the persistence collaborator.

// Rooms returns every room in the collection, left rooms included, for
// snapshot serialization.
func (s *Store) Rooms() []*types.Room {
	list := make([]*types.Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		list = append(list, room)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// LastSeenTimes returns a copy of the last-seen registry.
func (s *Store) LastSeenTimes() map[string]int64 {
	times := make(map[string]int64, len(s.lastSeen))
	for userID, ts := range s.lastSeen {
		times[userID] = ts
	}
	return times
}

// RestoreRooms replaces the room collection from a snapshot.
func (s *Store) RestoreRooms(rooms []*types.Room) {
	s.rooms = make(map[string]*types.Room, len(rooms))
	for _, room := range rooms {
		if room.Members == nil {
			room.Members = map[string]*types.Member{}
		}
		if room.ReadReceipts == nil {
			room.ReadReceipts = map[string]types.ReadReceipt{}
		}
		s.rooms[room.ID] = room
	}
	knownRooms.Set(float64(len(s.rooms)))
}

// RestoreLastSeenTimes replaces the last-seen registry from a snapshot.
func (s *Store) RestoreLastSeenTimes(times map[string]int64) {
	s.lastSeen = make(map[string]int64, len(times))
	for userID, ts := range times {
		s.lastSeen[userID] = ts
	}
}
