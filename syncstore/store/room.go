// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package store

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/weft/syncstore/types"
)

// notepadMarkers are content keys on m.room.create that mark a room as
// a single-user notepad.
var notepadMarkers = []string{"chat.weft.notepad", "is_notepad"}

// applyRoomMeta folds a list of state or timeline events into the
// room's metadata and reports which categories of change were seen.
// Events the store does not care about are skipped.
func (s *Store) applyRoomMeta(room *types.Room, events []types.ClientEvent) eventFlags {
	var flags eventFlags
	if len(events) == 0 {
		return flags
	}

	for _, event := range events {
		switch event.Type {
		case "m.room.message":
			flags.message = true
			if room.Type != types.RoomTypeCommunity {
				flags.presence = s.trackPresence(event.Sender, event.OriginServerTS) || flags.presence
			}

		case "m.room.member":
			if room.Type != types.RoomTypeCommunity {
				flags.member = true
				flags.presence = s.trackPresence(event.Sender, event.OriginServerTS) || flags.presence
			}
			s.applyMemberEvent(room, event)

		case "m.room.redaction":
			flags.message = true

		case "org.matrix.msc3401.call":
			flags.call = true
			s.applyCallEvent(room, event)

		case "org.matrix.msc3401.call.member":
			if room.Call != nil {
				flags.call = true
				s.applyCallMemberEvent(room, event)
			}

		case "m.room.name":
			flags.roomName = true
			room.Name = gjson.GetBytes(event.Content, "name").Str

		case "m.room.avatar":
			flags.roomAvatar = true
			room.AvatarURL = gjson.GetBytes(event.Content, "url").Str

		case "m.room.canonical_alias":
			flags.roomAlias = true
			room.Alias = gjson.GetBytes(event.Content, "alias").Str

		case "m.room.join_rules":
			flags.joinRule = true
			room.JoinRule = gjson.GetBytes(event.Content, "join_rule").Str

		case "m.room.power_levels":
			flags.powerLevel = true
			s.applyPowerLevels(room, event)

		case "m.room.topic":
			room.Topic = gjson.GetBytes(event.Content, "topic").Str

		case "m.room.third_party_invite":
			flags.member = true
			room.ThirdPartyInviteID = gjson.GetBytes(event.Content, "display_name").Str

		case "m.room.create":
			for _, marker := range notepadMarkers {
				if gjson.GetBytes(event.Content, marker).Exists() {
					room.Type = types.RoomTypeNotepad
					room.Active = true
					flags.roomType = true
					break
				}
			}
		}
	}

	return flags
}

// applyMemberEvent merges one m.room.member event into the member map.
func (s *Store) applyMemberEvent(room *types.Room, event types.ClientEvent) {
	if event.StateKey == "" {
		return
	}
	var content types.MemberContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id":  room.ID,
			"event_id": event.EventID,
		}).Warn("Skipping malformed m.room.member content")
		return
	}

	room.Member(event.StateKey).ApplyProfile(content)

	// An accepted third-party invite turns the placeholder invite into
	// a real member, so the contact has to be re-resolved.
	if room.ThirdPartyInviteID != "" && len(content.ThirdPartySigned) > 0 {
		s.resolveContactID(room)
		room.ThirdPartyInviteID = ""
	}
}

// applyPowerLevels merges an m.room.power_levels event. Users missing
// from the event keep their previously recorded level.
func (s *Store) applyPowerLevels(room *types.Room, event types.ClientEvent) {
	var content types.PowerLevelsContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		logrus.WithError(err).WithField("room_id", room.ID).
			Warn("Skipping malformed m.room.power_levels content")
		return
	}
	for userID, level := range content.Users {
		room.Member(userID).ApplyPowerLevel(level)
	}
	if _, ok := content.Events["org.matrix.msc3401.call"]; ok {
		room.CallReady = true
	}
}

// applyCallEvent records a group call announced via room state.
func (s *Store) applyCallEvent(room *types.Room, event types.ClientEvent) {
	terminated := gjson.GetBytes(event.Content, `m\.terminated`).Exists()
	if room.Call != nil && room.Call.CallID == event.StateKey {
		room.Call.Content = event.Content
		room.Call.Terminated = terminated
		return
	}
	room.Call = &types.Call{
		CallID:       event.StateKey,
		StartTime:    event.OriginServerTS,
		Terminated:   terminated,
		Content:      event.Content,
		Participants: map[string]bool{},
	}
}

// applyCallMemberEvent records whether a user is joined to the room's
// current call. A membership referencing a different call ID marks the
// user as not joined rather than removing the entry.
func (s *Store) applyCallMemberEvent(room *types.Room, event types.ClientEvent) {
	if event.StateKey == "" {
		return
	}
	var content types.CallMemberContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		logrus.WithError(err).WithField("room_id", room.ID).
			Warn("Skipping malformed call member content")
		return
	}
	joined := len(content.Calls) > 0 && content.Calls[0].CallID == room.Call.CallID
	room.Call.Participants[event.StateKey] = joined
}

// applySummary folds the room summary counts in, keeping previous
// values where the payload omits a field.
func (s *Store) applySummary(room *types.Room, summary *types.RoomSummaryCounts) {
	if summary == nil {
		return
	}
	if summary.JoinedMemberCount > 0 {
		room.JoinMembersCount = summary.JoinedMemberCount
	}
	if summary.InvitedMemberCount > 0 {
		room.InviteMembersCount = summary.InvitedMemberCount
	}
	if len(summary.Heroes) > 0 {
		room.Heroes = summary.Heroes
	}
}

// classifyRoom attempts to assign a room type. Once a type is set it is
// frozen; an unclassifiable room stays unknown and is retried on the
// next update. The member-flag fallback is only consulted during
// incremental reconciliation, where a direct chat may surface before
// its m.direct account data does.
func (s *Store) classifyRoom(room *types.Room, memberFallback bool) {
	if room.Type != types.RoomTypeUnknown {
		return
	}

	_, isDirect := s.directRooms[room.ID]
	switch {
	case isDirect:
		room.Type = types.RoomTypeDirect
	case room.JoinRule == "public":
		room.Type = types.RoomTypeCommunity
	case room.Name != "":
		room.Type = types.RoomTypeGroup
	case memberFallback:
		for _, member := range room.Members {
			if member.IsDirect {
				room.Type = types.RoomTypeDirect
				break
			}
		}
	}
}

// resolveContactID picks the counterpart user of a direct room, in
// decreasing order of confidence.
func (s *Store) resolveContactID(room *types.Room) {
	if contactID := s.directRooms[room.ID]; contactID != "" {
		room.ContactID = contactID
		return
	}
	if len(room.Members) > 1 {
		for userID := range room.Members {
			if userID != s.userID {
				room.ContactID = userID
				return
			}
		}
	}
	if len(room.Heroes) > 0 {
		room.ContactID = room.Heroes[0]
		return
	}
	if room.ThirdPartyInviteID != "" {
		room.ContactID = room.ThirdPartyInviteID
		return
	}
	room.ContactID = "unknown"
}

// recomputeActive re-derives the room's reachability from its type and
// membership and reports whether the value changed.
func (s *Store) recomputeActive(room *types.Room) bool {
	was := room.Active

	switch room.Type {
	case types.RoomTypeCommunity, types.RoomTypeNotepad:
		room.Active = true
	case types.RoomTypeDirect:
		contact := room.Members[room.ContactID]
		room.Active = contact != nil && contact.Membership == spec.Join
	default:
		room.Active = room.JoinMembersCount > 1
	}

	return was != room.Active
}

// resolveRoomState runs the state resolution that sets up a freshly
// constructed room from a full state (joined) or stripped invite state
// (invited) event list.
func (s *Store) resolveRoomState(room *types.Room, data types.RoomData, phase types.Phase) {
	if phase == types.PhaseJoined {
		s.applyRoomMeta(room, data.State.Events)
		s.appendState(room, data.State.Events)
	} else {
		s.applyRoomMeta(room, data.InviteState.Events)
	}

	s.applySummary(room, data.Summary)
	s.classifyRoom(room, false)

	if room.Type == types.RoomTypeDirect {
		s.resolveContactID(room)
	}
	if room.Type == types.RoomTypeCommunity && room.Name == "" {
		room.Name = room.Alias
	}
	if phase == types.PhaseJoined {
		s.recomputeActive(room)
	}
}
