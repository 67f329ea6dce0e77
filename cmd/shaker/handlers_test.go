package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bogdan-velicu/MeetUp/internal/matching"
	"github.com/bogdan-velicu/MeetUp/internal/protocol"
	"github.com/bogdan-velicu/MeetUp/internal/session"
)

type staticUsers map[int64]string

func (u staticUsers) DisplayName(_ context.Context, id int64) (string, error) {
	if name, ok := u[id]; ok {
		return name, nil
	}
	return "", matching.ErrUserNotFound
}

func (u staticUsers) AcceptedFriendIDs(_ context.Context, id int64) ([]int64, error) {
	var out []int64
	for other := range u {
		if other != id {
			out = append(out, other)
		}
	}
	return out, nil
}

type countingMeetings struct{ n int64 }

func (m *countingMeetings) CreateMeeting(context.Context, matching.MeetingRequest) (int64, error) {
	m.n++
	return m.n, nil
}

type nopSideEffects struct{}

func (nopSideEffects) Award(context.Context, int64, int, string, int64) error  { return nil }
func (nopSideEffects) NotifyMatch(context.Context, int64, string, int64) error { return nil }

func (nopSideEffects) Awarded(context.Context, int64, string, int64) (int, error) {
	return 50, nil
}

func newTestHandlers() *handlers {
	users := staticUsers{1: "Ana", 2: "Bogdan"}
	svc := matching.NewService(session.NewMemoryStore(), matching.Deps{
		Friends:   users,
		Meetings:  &countingMeetings{},
		Points:    nopSideEffects{},
		Notifier:  nopSideEffects{},
		Directory: users,
	}, matching.DefaultConfig())
	return &handlers{svc: svc, timeout: 5 * time.Second}
}

func decode(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestRoute_ShakeFlow(t *testing.T) {
	h := newTestHandlers()
	initiate := h.route(protocol.TypeInitiateShake)

	var first protocol.ShakeResultMsg
	decode(t, initiate([]byte(`{"type":"initiate_shake","user_id":1,"latitude":"44.4268","longitude":"26.1025"}`)), &first)
	if first.Type != protocol.TypeShakeResult || first.Matched || first.Status != "active" {
		t.Fatalf("first reply = %+v", first)
	}

	var active protocol.SessionResultMsg
	decode(t, h.route(protocol.TypeActiveSession)([]byte(`{"type":"active_session","user_id":1}`)), &active)
	if active.Session == nil || active.Session.SessionID != first.SessionID || active.Session.Latitude != "44.4268" {
		t.Fatalf("active session = %+v", active.Session)
	}

	var nearby protocol.NearbyResultMsg
	decode(t, h.route(protocol.TypeNearbyFriends)([]byte(`{"type":"nearby_friends","user_id":2,"latitude":44.4272946,"longitude":26.1025}`)), &nearby)
	if len(nearby.Friends) != 1 || nearby.Friends[0].UserID != 1 || nearby.Friends[0].DistanceM != 55.0 {
		t.Fatalf("nearby = %+v", nearby.Friends)
	}

	var second protocol.ShakeResultMsg
	decode(t, initiate([]byte(`{"type":"initiate_shake","user_id":2,"latitude":"44.4272946","longitude":"26.1025"}`)), &second)
	if !second.Matched || second.MatchedUserID != 1 || second.MatchedUserName != "Ana" || second.MeetingID != 1 {
		t.Fatalf("second reply = %+v", second)
	}
}

func TestRoute_Errors(t *testing.T) {
	h := newTestHandlers()
	tests := []struct {
		name    string
		msgType string
		input   string
		code    string
	}{
		{"malformed json", protocol.TypeInitiateShake, `{`, protocol.CodeBadRequest},
		{"wrong subject", protocol.TypeActiveSession, `{"type":"initiate_shake","user_id":1}`, protocol.CodeBadRequest},
		{"bad latitude", protocol.TypeInitiateShake, `{"type":"initiate_shake","user_id":1,"latitude":"91","longitude":"0"}`, protocol.CodeInvalidLocation},
		{"unknown user", protocol.TypeInitiateShake, `{"type":"initiate_shake","user_id":9,"latitude":"1","longitude":"1"}`, protocol.CodeNotFound},
		{"bad nearby location", protocol.TypeNearbyFriends, `{"type":"nearby_friends","user_id":1,"latitude":0,"longitude":200}`, protocol.CodeInvalidLocation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg protocol.ErrorMsg
			decode(t, h.route(tt.msgType)([]byte(tt.input)), &msg)
			if msg.Type != protocol.TypeError || msg.Code != tt.code {
				t.Errorf("reply = %+v, want code %s", msg, tt.code)
			}
		})
	}
}

func TestErrorReply_RateLimited(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&matching.RateLimitedError{RetryAfter: 41500 * time.Millisecond}, "too many shake signals, retry in 42s"},
		{matching.ErrRateLimited, "too many shake signals, slow down"},
	}
	for _, tt := range tests {
		var msg protocol.ErrorMsg
		decode(t, errorReply(tt.err), &msg)
		if msg.Code != protocol.CodeRateLimited || msg.Message != tt.want {
			t.Errorf("errorReply(%v) = %+v, want %s %q", tt.err, msg, protocol.CodeRateLimited, tt.want)
		}
	}
}

func TestActiveSession_None(t *testing.T) {
	h := newTestHandlers()
	var res protocol.SessionResultMsg
	decode(t, h.route(protocol.TypeActiveSession)([]byte(`{"type":"active_session","user_id":2}`)), &res)
	if res.Type != protocol.TypeSessionResult || res.Session != nil {
		t.Errorf("reply = %+v, want null session", res)
	}
}
