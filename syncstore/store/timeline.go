// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package store

import (
	"encoding/json"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/weft/syncstore/eventfilter"
	"github.com/element-hq/weft/syncstore/types"
)

// mergeTimeline folds one sync's timeline slice into the accumulated
// room timeline.
//
// A slice marked limited normally means the server skipped events, so
// the accumulated timeline is stale and must be replaced, with the
// prev_batch token kept for backfilling. Exception: when accepting an
// invitation to a room with few events, the first timeline arrives
// marked limited with a prev_batch token starting with "s" (the start
// of history) even though nothing was skipped. Whether that is server
// bug or feature is undocumented; such slices are appended like an
// unlimited one.
func (s *Store) mergeTimeline(room *types.Room, timeline types.Timeline) {
	if len(timeline.Events) == 0 {
		return
	}

	if timeline.Limited && !strings.HasPrefix(timeline.PrevBatch, "s") {
		room.TimelineEvents = append([]types.ClientEvent(nil), timeline.Events...)
		room.TimelineToken = timeline.PrevBatch
		room.TimelineLimited = true
		logrus.WithFields(logrus.Fields{
			"room_id":    room.ID,
			"prev_batch": timeline.PrevBatch,
			"events":     len(timeline.Events),
		}).Debug("Timeline gap, replacing accumulated events")
		return
	}

	room.TimelineEvents = append(room.TimelineEvents, timeline.Events...)
}

// appendState accumulates raw state events.
func (s *Store) appendState(room *types.Room, events []types.ClientEvent) {
	if len(events) == 0 {
		return
	}
	room.StateEvents = append(room.StateEvents, events...)
}

// updateNewEvents overwrites the room's transient newest-first batch
// with this sync's filtered timeline slice.
func (s *Store) updateNewEvents(room *types.Room, timeline types.Timeline) {
	if len(timeline.Events) == 0 {
		return
	}
	room.NewEvents = eventfilter.FilterTimeline(timeline.Events, room.Type)
	room.NewEventsLimited = timeline.Limited
}

// updateLatestEvent recomputes the single most recent chat-visible
// event. The accumulated timeline is scanned newest to oldest,
// collecting redaction targets on the way, and stops at the first
// eligible non-redaction event. That event is flagged redacted when its
// ID (or, for an edit, the ID of the message it replaces) was collected,
// or when the server already stripped its content.
func (s *Store) updateLatestEvent(room *types.Room) {
	if len(room.TimelineEvents) == 0 {
		return
	}

	redacted := map[string]struct{}{}
	for i := len(room.TimelineEvents) - 1; i >= 0; i-- {
		event := room.TimelineEvents[i]
		if !eventfilter.Eligible(event, room.Type) {
			continue
		}
		if event.Type == "m.room.redaction" {
			if event.Redacts != "" {
				redacted[event.Redacts] = struct{}{}
			}
			continue
		}

		chat := eventfilter.ToChatEvent(event)
		chat.IsRedacted = isRedactedEvent(event, redacted)
		room.LatestEvent = &chat
		return
	}
}

func isRedactedEvent(event types.ClientEvent, redacted map[string]struct{}) bool {
	if _, ok := redacted[event.EventID]; ok {
		return true
	}
	relates := gjson.GetBytes(event.Content, `m\.relates_to`)
	if relates.Get("rel_type").Str == "m.replace" {
		if _, ok := redacted[relates.Get("event_id").Str]; ok {
			return true
		}
	}
	return event.Type == "m.room.message" && emptyContent(event.Content)
}

// emptyContent reports whether event content was stripped server-side.
func emptyContent(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	parsed := gjson.ParseBytes(raw)
	return parsed.IsObject() && len(parsed.Map()) == 0
}

// updateUnreadCount adopts the server-computed notification count and
// reports whether it changed. Counts never go negative.
func (s *Store) updateUnreadCount(room *types.Room, data types.RoomData) bool {
	if data.UnreadNotifications == nil {
		return false
	}
	count := data.UnreadNotifications.NotificationCount
	if count < 0 {
		count = 0
	}
	if room.UnreadCount == count {
		return false
	}
	room.UnreadCount = count
	return true
}

// updateReadReceipts merges m.receipt ephemeral events into the room's
// receipt map, skipping receipts from users known to have left. Each
// receipt also advances the sender's last-seen time, the best presence
// approximation available without a presence stream.
func (s *Store) updateReadReceipts(room *types.Room, data types.RoomData) bool {
	if len(data.Ephemeral.Events) == 0 {
		return false
	}

	updated := 0
	for _, event := range data.Ephemeral.Events {
		if event.Type != "m.receipt" {
			continue
		}
		var content types.ReceiptContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			logrus.WithError(err).WithField("room_id", room.ID).
				Warn("Skipping malformed m.receipt content")
			continue
		}
		for eventID, targets := range content {
			for userID, stamp := range targets.Read {
				member := room.Members[userID]
				if member != nil && member.Membership != "" && member.Membership != spec.Join {
					continue
				}
				room.ReadReceipts[userID] = types.ReadReceipt{
					EventID:   eventID,
					Timestamp: stamp.TS,
				}
				s.trackPresence(userID, stamp.TS)
				updated++
			}
		}
	}

	return updated > 0
}

// trackPresence advances a user's last-seen time monotonically and
// reports whether it moved forward.
func (s *Store) trackPresence(userID string, ts int64) bool {
	if userID == "" || ts <= s.lastSeen[userID] {
		return false
	}
	s.lastSeen[userID] = ts
	return true
}

// presenceFromTimeline seeds last-seen times from the newest timeline
// event of each sender. Used once after the initial sync, when no
// receipts have been observed yet.
func (s *Store) presenceFromTimeline(room *types.Room) {
	seen := map[string]struct{}{}
	for i := len(room.TimelineEvents) - 1; i >= 0; i-- {
		event := room.TimelineEvents[i]
		if _, ok := seen[event.Sender]; ok {
			continue
		}
		seen[event.Sender] = struct{}{}
		s.trackPresence(event.Sender, event.OriginServerTS)
	}
}
