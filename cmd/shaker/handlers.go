package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bogdan-velicu/MeetUp/internal/matching"
	"github.com/bogdan-velicu/MeetUp/internal/messaging"
	"github.com/bogdan-velicu/MeetUp/internal/protocol"
	"github.com/bogdan-velicu/MeetUp/internal/session"
)

// handlers adapts the matching service to NATS request/reply.
type handlers struct {
	svc     *matching.Service
	timeout time.Duration
}

func (h *handlers) register(nc *messaging.NATSClient) error {
	routes := map[string]string{
		messaging.SubjectInitiate: protocol.TypeInitiateShake,
		messaging.SubjectNearby:   protocol.TypeNearbyFriends,
		messaging.SubjectActive:   protocol.TypeActiveSession,
	}
	for subject, msgType := range routes {
		if err := nc.Serve(subject, h.route(msgType)); err != nil {
			return err
		}
	}
	return nil
}

// route returns a handler that accepts only requests of msgType.
func (h *handlers) route(msgType string) messaging.Handler {
	return func(data []byte) []byte {
		got, msg, err := protocol.ParseRequest(data)
		if err != nil {
			return protocol.NewError(protocol.CodeBadRequest, err.Error())
		}
		if got != msgType {
			return protocol.NewError(protocol.CodeBadRequest, "unexpected message type "+got)
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		return h.handle(ctx, msg)
	}
}

func (h *handlers) handle(ctx context.Context, msg interface{}) []byte {
	switch m := msg.(type) {
	case protocol.InitiateShakeMsg:
		res, err := h.svc.InitiateShake(ctx, matching.ShakeRequest{
			UserID:    m.UserID,
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
			Accuracy:  m.AccuracyM,
		})
		if err != nil {
			return errorReply(err)
		}
		return reply(protocol.TypeShakeResult, protocol.ShakeResultMsg{
			SessionID:          res.SessionID,
			Status:             string(res.Status),
			Matched:            res.Matched,
			MatchedUserID:      res.PeerUserID,
			MatchedUserName:    res.PeerName,
			MeetingID:          res.MeetingID,
			NearbyFriendsCount: res.NearbyFriendCount,
			PointsAwarded:      res.PointsAwarded,
			Message:            res.Message,
		})

	case protocol.NearbyFriendsMsg:
		friends, err := h.svc.NearbyShakingFriends(ctx, m.UserID, m.Latitude, m.Longitude)
		if err != nil {
			return errorReply(err)
		}
		out := protocol.NearbyResultMsg{Friends: make([]protocol.NearbyFriend, 0, len(friends))}
		for _, f := range friends {
			out.Friends = append(out.Friends, protocol.NearbyFriend{
				UserID:         f.UserID,
				DisplayName:    f.DisplayName,
				DistanceM:      f.DistanceMeters,
				ShakeSessionID: f.SessionID,
				CreatedAt:      f.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		return reply(protocol.TypeNearbyResult, out)

	case protocol.ActiveSessionMsg:
		sess, err := h.svc.ActiveSession(ctx, m.UserID)
		if err != nil {
			return errorReply(err)
		}
		return reply(protocol.TypeSessionResult, protocol.SessionResultMsg{Session: sessionInfo(sess)})
	}
	return protocol.NewError(protocol.CodeBadRequest, "unsupported request")
}

func sessionInfo(s *session.Session) *protocol.SessionInfo {
	if s == nil {
		return nil
	}
	return &protocol.SessionInfo{
		SessionID: s.ID,
		Latitude:  s.Location.Lat.String(),
		Longitude: s.Location.Lon.String(),
		CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt: s.ExpiresAt.UTC().Format(time.RFC3339),
		Status:    string(s.Status),
	}
}

func reply(msgType string, payload interface{}) []byte {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[shaker] encode %s: %v", msgType, err)
		return protocol.NewError(protocol.CodeInternal, "failed to encode reply")
	}
	return data
}

// errorReply maps service errors to wire error codes. Unexpected errors are
// logged and reported without detail.
func errorReply(err error) []byte {
	switch {
	case errors.Is(err, matching.ErrInvalidLocation):
		return protocol.NewError(protocol.CodeInvalidLocation, err.Error())
	case errors.Is(err, matching.ErrUserNotFound), errors.Is(err, matching.ErrSessionNotFound):
		return protocol.NewError(protocol.CodeNotFound, err.Error())
	case errors.Is(err, matching.ErrRateLimited):
		var limited *matching.RateLimitedError
		if errors.As(err, &limited) {
			return protocol.NewError(protocol.CodeRateLimited,
				fmt.Sprintf("too many shake signals, retry in %s", limited.RetryAfter.Round(time.Second)))
		}
		return protocol.NewError(protocol.CodeRateLimited, "too many shake signals, slow down")
	}
	log.Printf("[shaker] request failed: %v", err)
	return protocol.NewError(protocol.CodeInternal, "internal error")
}
