// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Phase is the lifecycle state of a room as seen by this client.
// The values match the section names of the /sync response, so the
// alphabetical order (invite < join < leave) is also the room list
// tier order.
type Phase string

const (
	PhaseInvited Phase = "invite"
	PhaseJoined  Phase = "join"
	PhaseLeft    Phase = "leave"
)

// RoomType is the client-side classification of a room. The zero value
// means the room could not be classified yet; classification is retried
// on every update until it resolves and is then frozen.
type RoomType string

const (
	RoomTypeUnknown   RoomType = ""
	RoomTypeDirect    RoomType = "direct"
	RoomTypeGroup     RoomType = "group"
	RoomTypeCommunity RoomType = "community"
	RoomTypeNotepad   RoomType = "notepad"
)

// ClientEvent is a single room event as delivered in a sync payload,
// either in a timeline or in a state section.
type ClientEvent struct {
	Type           string          `json:"type"`
	Sender         string          `json:"sender,omitempty"`
	EventID        string          `json:"event_id,omitempty"`
	StateKey       string          `json:"state_key,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
	Redacts        string          `json:"redacts,omitempty"`
}

// ToDeviceEvent is a device-targeted event from the to_device section.
type ToDeviceEvent struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// SyncResponse is the subset of the /sync response body this client
// consumes. Missing sections decode to nil and are treated as no-ops.
type SyncResponse struct {
	NextBatch   string         `json:"next_batch"`
	Rooms       *RoomsSection  `json:"rooms,omitempty"`
	Presence    *EventList     `json:"presence,omitempty"`
	AccountData *EventList     `json:"account_data,omitempty"`
	ToDevice    *ToDeviceList  `json:"to_device,omitempty"`
}

type RoomsSection struct {
	Join   map[string]RoomData `json:"join,omitempty"`
	Invite map[string]RoomData `json:"invite,omitempty"`
	Leave  map[string]RoomData `json:"leave,omitempty"`
}

type EventList struct {
	Events []ClientEvent `json:"events"`
}

type ToDeviceList struct {
	Events []ToDeviceEvent `json:"events"`
}

// RoomData carries the per-room sections of a sync payload.
type RoomData struct {
	State               EventList            `json:"state"`
	InviteState         EventList            `json:"invite_state"`
	Timeline            Timeline             `json:"timeline"`
	Summary             *RoomSummaryCounts   `json:"summary,omitempty"`
	UnreadNotifications *UnreadNotifications `json:"unread_notifications,omitempty"`
	Ephemeral           EventList            `json:"ephemeral"`
}

// Timeline is one sync's slice of a room timeline. Limited means the
// server skipped events between this slice and the previous sync;
// PrevBatch is the token to backfill the gap with.
type Timeline struct {
	Events    []ClientEvent `json:"events"`
	Limited   bool          `json:"limited"`
	PrevBatch string        `json:"prev_batch"`
}

type RoomSummaryCounts struct {
	JoinedMemberCount  int      `json:"m.joined_member_count"`
	InvitedMemberCount int      `json:"m.invited_member_count"`
	Heroes             []string `json:"m.heroes"`
}

type UnreadNotifications struct {
	NotificationCount int `json:"notification_count"`
	HighlightCount    int `json:"highlight_count"`
}

// MemberContent is the content of an m.room.member event.
type MemberContent struct {
	Displayname      string          `json:"displayname"`
	AvatarURL        string          `json:"avatar_url"`
	Membership       string          `json:"membership"`
	IsDirect         bool            `json:"is_direct"`
	DisplayName3PID  string          `json:"display_name"`
	ThirdPartySigned json.RawMessage `json:"third_party_signed,omitempty"`
}

// PowerLevelsContent is the content of an m.room.power_levels event,
// reduced to the fields the store consumes.
type PowerLevelsContent struct {
	Users  map[string]int `json:"users"`
	Events map[string]int `json:"events"`
}

// PresenceContent is the content of an m.presence account event.
type PresenceContent struct {
	Presence      string `json:"presence"`
	LastActiveAgo int64  `json:"last_active_ago"`
}

// ReceiptContent maps event ID -> receipt type -> user ID -> stamp for
// an m.receipt ephemeral event.
type ReceiptContent map[string]ReceiptTargets

type ReceiptTargets struct {
	Read map[string]ReceiptStamp `json:"m.read"`
}

type ReceiptStamp struct {
	TS int64 `json:"ts"`
}

// CallMemberContent is the content of an org.matrix.msc3401.call.member
// state event.
type CallMemberContent struct {
	Calls []CallMembership `json:"m.calls"`
}

type CallMembership struct {
	CallID  string          `json:"m.call_id"`
	Devices json.RawMessage `json:"m.devices,omitempty"`
}

// ReadReceipt is the last event a user has acknowledged in a room.
type ReadReceipt struct {
	EventID   string `json:"event_id"`
	Timestamp int64  `json:"ts"`
}

// Member is what this client knows about one user within one room.
// Entries are merged field by field as events arrive: a narrower event
// (say, a power-level update) must not erase attributes learned from an
// earlier, wider one.
type Member struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	Membership string `json:"membership,omitempty"`
	PowerLevel int    `json:"power_level,omitempty"`
	IsDirect   bool   `json:"is_direct,omitempty"`
}

// ApplyProfile merges an m.room.member event into the entry.
func (m *Member) ApplyProfile(content MemberContent) {
	if content.Displayname != "" {
		m.Name = content.Displayname
	}
	if content.AvatarURL != "" {
		m.AvatarURL = content.AvatarURL
	}
	if content.Membership != "" {
		m.Membership = content.Membership
	}
	if content.IsDirect {
		m.IsDirect = true
	}
}

// ApplyPowerLevel merges a power-level entry. A level of 100 implies the
// user is joined (room creators appear in the power-level event before
// their membership event is seen), but a known membership is never
// overwritten by this inference.
func (m *Member) ApplyPowerLevel(level int) {
	m.PowerLevel = level
	if level == 100 && m.Membership == "" {
		m.Membership = spec.Join
	}
}

// Call is the state of an msc3401 group call within a room. A call is
// never removed once seen; ending it sets Terminated.
type Call struct {
	CallID       string          `json:"call_id"`
	StartTime    int64           `json:"start_time"`
	Terminated   bool            `json:"terminated,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Participants map[string]bool `json:"participants"`
}

// ChatEvent is a timeline event after room-type filtering, in the shape
// the chat UI consumes.
type ChatEvent struct {
	EventID         string          `json:"event_id"`
	Type            string          `json:"type"`
	Time            int64           `json:"time"`
	SenderID        string          `json:"sender_id"`
	StateKey        string          `json:"state_key,omitempty"`
	Content         json.RawMessage `json:"content,omitempty"`
	PreviousContent json.RawMessage `json:"previous_content,omitempty"`
	IsRedacted      bool            `json:"is_redacted,omitempty"`
	IsEdited        bool            `json:"is_edited,omitempty"`
}

// Room is everything this client knows about one room. The whole struct
// round-trips through JSON for snapshot persistence.
type Room struct {
	ID    string   `json:"id"`
	Phase Phase    `json:"phase"`
	Type  RoomType `json:"type,omitempty"`

	Members map[string]*Member `json:"members"`

	// TimelineEvents accumulates every timeline slice received, oldest
	// first. It is only ever replaced wholesale when a sync reports a
	// gap (limited timeline).
	TimelineEvents []ClientEvent `json:"timeline_events"`
	StateEvents    []ClientEvent `json:"state_events"`

	// NewEvents is the latest sync's filtered slice, newest first.
	// Overwritten every cycle.
	NewEvents        []ChatEvent `json:"new_events"`
	NewEventsLimited bool        `json:"new_events_limited,omitempty"`

	LatestEvent *ChatEvent `json:"latest_event,omitempty"`

	UnreadCount  int                    `json:"unread_count"`
	Active       bool                   `json:"active"`
	ReadReceipts map[string]ReadReceipt `json:"read_receipts"`

	JoinMembersCount   int      `json:"join_members_count,omitempty"`
	InviteMembersCount int      `json:"invite_members_count,omitempty"`
	Heroes             []string `json:"heroes,omitempty"`

	ContactID          string `json:"contact_id,omitempty"`
	Name               string `json:"name,omitempty"`
	Alias              string `json:"alias,omitempty"`
	AvatarURL          string `json:"avatar_url,omitempty"`
	Topic              string `json:"topic,omitempty"`
	JoinRule           string `json:"join_rule,omitempty"`
	ThirdPartyInviteID string `json:"third_party_invite_id,omitempty"`

	Call      *Call `json:"call,omitempty"`
	CallReady bool  `json:"call_ready,omitempty"`

	TimelineToken   string `json:"timeline_token,omitempty"`
	TimelineLimited bool   `json:"timeline_limited,omitempty"`
}

// NewRoom returns an empty room in the given phase. Invited rooms start
// with one unread so they surface in the room list.
func NewRoom(id string, phase Phase) *Room {
	unread := 0
	if phase == PhaseInvited {
		unread = 1
	}
	return &Room{
		ID:           id,
		Phase:        phase,
		Members:      map[string]*Member{},
		ReadReceipts: map[string]ReadReceipt{},
		UnreadCount:  unread,
	}
}

// Member returns the entry for userID, creating it if absent.
func (r *Room) Member(userID string) *Member {
	m, ok := r.Members[userID]
	if !ok {
		m = &Member{UserID: userID}
		r.Members[userID] = m
	}
	return m
}
