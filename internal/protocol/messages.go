// Package protocol defines the JSON messages exchanged with the shake service
// over NATS request/reply. Every message carries a "type" discriminator;
// requests are decoded through an Envelope and replies are built with
// NewServerMessage.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server request types.
const (
	TypeInitiateShake = "initiate_shake"
	TypeNearbyFriends = "nearby_friends"
	TypeActiveSession = "active_session"
)

// Server -> Client reply and notification types.
const (
	TypeShakeResult   = "shake_result"
	TypeNearbyResult  = "nearby_friends_result"
	TypeSessionResult = "active_session_result"
	TypeShakeMatch    = "shake_match"
	TypeError         = "error"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadRequest      = "bad_request"
	CodeInvalidLocation = "invalid_location"
	CodeNotFound        = "not_found"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

// ---------------------------------------------------------------------------
// Envelope: first-pass decoding of the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the payload can be decoded later into its concrete struct.
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
// Client -> Server message structs
// ---------------------------------------------------------------------------

// InitiateShakeMsg is sent when the user shakes their phone. Coordinates are
// decimal strings and are stored exactly as given.
type InitiateShakeMsg struct {
	Type      string `json:"type"`
	UserID    int64  `json:"user_id"`
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
	AccuracyM string `json:"accuracy_m,omitempty"`
}

// NearbyFriendsMsg asks which friends are shaking near a location.
type NearbyFriendsMsg struct {
	Type      string  `json:"type"`
	UserID    int64   `json:"user_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ActiveSessionMsg asks for the user's live shake session.
type ActiveSessionMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ShakeResultMsg is the reply to InitiateShakeMsg.
type ShakeResultMsg struct {
	Type               string `json:"type"`
	SessionID          string `json:"session_id"`
	Status             string `json:"status"`
	Matched            bool   `json:"matched"`
	MatchedUserID      int64  `json:"matched_user_id,omitempty"`
	MatchedUserName    string `json:"matched_user_name,omitempty"`
	MeetingID          int64  `json:"meeting_id,omitempty"`
	NearbyFriendsCount int    `json:"nearby_friends_count"`
	PointsAwarded      int    `json:"points_awarded,omitempty"`
	Message            string `json:"message"`
}

// NearbyFriend is one entry of NearbyResultMsg.
type NearbyFriend struct {
	UserID         int64   `json:"user_id"`
	DisplayName    string  `json:"display_name"`
	DistanceM      float64 `json:"distance_m"`
	ShakeSessionID string  `json:"shake_session_id"`
	CreatedAt      string  `json:"created_at"`
}

// NearbyResultMsg is the reply to NearbyFriendsMsg.
type NearbyResultMsg struct {
	Type    string         `json:"type"`
	Friends []NearbyFriend `json:"friends"`
}

// SessionInfo describes a shake session.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
	Status    string `json:"status"`
}

// SessionResultMsg is the reply to ActiveSessionMsg. Session is null when
// the user has no live session.
type SessionResultMsg struct {
	Type    string       `json:"type"`
	Session *SessionInfo `json:"session"`
}

// ShakeMatchMsg is published to a user when they have been matched.
type ShakeMatchMsg struct {
	Type       string `json:"type"`
	UserID     int64  `json:"user_id"`
	FriendName string `json:"friend_name"`
	MeetingID  int64  `json:"meeting_id"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseRequest parses raw request bytes into a typed client message. It
// returns the message type string, the decoded struct, and any error
// encountered during parsing. Unknown and server-only types are rejected.
func ParseRequest(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeInitiateShake:
		var m InitiateShakeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNearbyFriends:
		var m NearbyFriendsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeActiveSession:
		var m ActiveSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
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

// NewError builds an encoded ErrorMsg. Encoding a fixed struct cannot fail,
// so the error is dropped.
func NewError(code, message string) []byte {
	out, _ := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
	return out
}
