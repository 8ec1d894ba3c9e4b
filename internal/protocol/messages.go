// Package protocol defines the WebSocket message types and structures used for
// communication between presence clients and the relay. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownType is returned for a well-formed envelope whose type is not
// valid in the parsed direction.
var ErrUnknownType = errors.New("unknown message type")

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types. Chat, pos, emote and start are also relayed
// back out to the room unchanged apart from defaulted fields.
const (
	TypeJoin      = "join"
	TypeChat      = "chat"
	TypePos       = "pos"
	TypeEmote     = "emote"
	TypeStart     = "start"
	TypeKick      = "kick"
	TypeListRooms = "list_rooms"
)

// Server -> Client message types.
const (
	TypeLeave      = "leave"
	TypeMembers    = "members"
	TypeHost       = "host"
	TypeKicked     = "kicked"
	TypeKickNotice = "kick_notice"
	TypeHistory    = "history"
	TypeRooms      = "rooms"
	TypeError      = "error"
)

// Error codes carried in ErrorMsg.Code.
const (
	CodeInvalidMessage  = "invalid_message"
	CodeNotHost         = "not_host"
	CodeNotMember       = "not_member"
	CodeUnknownRoom     = "unknown_room"
	CodeUnsupportedType = "unsupported_type"
)

// UnknownUser is the user attributed to chat text that arrived without one.
const UnknownUser = "?"

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type" field
// so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared message structs
// ---------------------------------------------------------------------------

// JoinMsg asks the relay to add User to Room. The relay also reuses it as the
// membership notice it fans out to the room.
type JoinMsg struct {
	Type string `json:"type"`
	User string `json:"user"`
	Room string `json:"room"`
	Time int64  `json:"time,omitempty"`
}

// ChatMsg is a line of chat text addressed to a room.
type ChatMsg struct {
	Type string `json:"type"`
	User string `json:"user"`
	Room string `json:"room"`
	Text string `json:"text"`
	Time int64  `json:"time,omitempty"`
}

// PosMsg is a lossy presence sample: last value wins, never stored.
type PosMsg struct {
	Type string  `json:"type"`
	User string  `json:"user"`
	Room string  `json:"room"`
	PosX float64 `json:"posX"`
	PosY float64 `json:"posY"`
	PosZ float64 `json:"posZ"`
	RotY float64 `json:"rotY"`
	Time int64   `json:"time,omitempty"`
}

// EmoteMsg triggers emote EmoteIndex above the sender's avatar.
type EmoteMsg struct {
	Type       string `json:"type"`
	User       string `json:"user"`
	Room       string `json:"room"`
	EmoteIndex int    `json:"emoteIndex"`
	Time       int64  `json:"time,omitempty"`
}

// StartMsg is sent by the host to start the room's round.
type StartMsg struct {
	Type string `json:"type"`
	User string `json:"user"`
	Room string `json:"room"`
	Time int64  `json:"time,omitempty"`
}

// KickMsg is sent by the host to remove Target from the room.
type KickMsg struct {
	Type   string `json:"type"`
	User   string `json:"user"`
	Room   string `json:"room"`
	Target string `json:"target"`
}

// ListRoomsMsg requests the lobby listing.
type ListRoomsMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// LeaveMsg is synthesized by the relay when a member's channel closes.
type LeaveMsg struct {
	Type string `json:"type"`
	User string `json:"user"`
	Room string `json:"room"`
	Time int64  `json:"time"`
}

// MembersMsg carries the room's membership in join order.
type MembersMsg struct {
	Type    string   `json:"type"`
	Room    string   `json:"room"`
	Members []string `json:"members"`
}

// HostMsg names the member currently holding room authority.
type HostMsg struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// KickedMsg tells the target it has been removed and must disconnect.
type KickedMsg struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// KickNoticeMsg tells the remaining members who was kicked and by whom.
type KickNoticeMsg struct {
	Type string `json:"type"`
	User string `json:"user"`
	By   string `json:"by"`
}

// HistoryEntry is one buffered chat, join or leave event.
type HistoryEntry struct {
	Type string `json:"type"`
	User string `json:"user"`
	Text string `json:"text"`
	Time int64  `json:"time"`
}

// HistoryMsg replays a room's buffered entries to a newly joined client.
type HistoryMsg struct {
	Type     string         `json:"type"`
	Messages []HistoryEntry `json:"messages"`
}

// RoomInfo is one lobby row.
type RoomInfo struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

// RoomsMsg answers list_rooms.
type RoomsMsg struct {
	Type  string     `json:"type"`
	Rooms []RoomInfo `json:"rooms"`
}

// ErrorMsg is sent by the server to the single requesting client.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// Now returns the current wire timestamp in Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChat:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePos:
		var m PosMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEmote:
		var m EmoteMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStart:
		var m StartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeKick:
		var m KickMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeListRooms:
		var m ListRoomsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: client: %w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage is the client-side counterpart of ParseClientMessage.
// Relayed kinds (join, chat, pos, emote, start) decode into the same structs
// the client sent.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChat:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePos:
		var m PosMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEmote:
		var m EmoteMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStart:
		var m StartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMembers:
		var m MembersMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHost:
		var m HostMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeKicked:
		var m KickedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeKickNotice:
		var m KickNoticeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHistory:
		var m HistoryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRooms:
		var m RoomsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: server: %w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key regardless of
// what the payload's own Type field holds.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewClientMessage encodes a client message, stamping msgType into it. It is
// the same transformation as NewServerMessage; the separate name keeps call
// sites honest about direction.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return NewServerMessage(msgType, payload)
}
