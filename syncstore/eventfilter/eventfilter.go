// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package eventfilter decides which timeline events are visible in chat
// views and converts them to the shape the UI consumes. Visibility
// depends on the room type: community rooms hide membership churn,
// one-to-one rooms show it.
package eventfilter

import (
	"github.com/tidwall/gjson"

	"github.com/element-hq/weft/syncstore/types"
)

// Eligible reports whether an event is shown in the chat view of a room
// of the given type. Redactions are eligible so that consumers scanning
// a filtered timeline can apply them to earlier events.
func Eligible(event types.ClientEvent, roomType types.RoomType) bool {
	switch event.Type {
	case "m.room.message", "m.room.redaction":
		return true
	case "m.room.member":
		return roomType != types.RoomTypeCommunity
	case "m.room.name", "m.room.avatar":
		return roomType == types.RoomTypeGroup || roomType == types.RoomTypeCommunity
	default:
		return false
	}
}

// ToChatEvent converts a raw event into its chat-view shape, deriving
// the edited flag and previous content from the unsigned section.
func ToChatEvent(event types.ClientEvent) types.ChatEvent {
	chat := types.ChatEvent{
		EventID:  event.EventID,
		Type:     event.Type,
		Time:     event.OriginServerTS,
		SenderID: event.Sender,
		StateKey: event.StateKey,
		Content:  event.Content,
	}
	if len(event.Unsigned) > 0 {
		if prev := gjson.GetBytes(event.Unsigned, "prev_content"); prev.Exists() {
			chat.PreviousContent = []byte(prev.Raw)
		}
		chat.IsEdited = gjson.GetBytes(event.Unsigned, `m\.relations.m\.replace`).Exists()
	}
	return chat
}

// FilterTimeline returns the eligible events of a timeline slice,
// newest first, converted for the chat view. The input is expected
// oldest first, as delivered by sync.
func FilterTimeline(events []types.ClientEvent, roomType types.RoomType) []types.ChatEvent {
	filtered := make([]types.ChatEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		if Eligible(events[i], roomType) {
			filtered = append(filtered, ToChatEvent(events[i]))
		}
	}
	return filtered
}
