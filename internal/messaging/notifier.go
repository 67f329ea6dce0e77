package messaging

import (
	"context"
	"fmt"

	"github.com/bogdan-velicu/MeetUp/internal/protocol"
)

// Publisher is the subset of NATSClient used to deliver notifications.
type Publisher interface {
	PublishMatch(userID int64, data []byte) error
}

// Notifier publishes shake_match notifications. Delivery is best-effort:
// NATS core does not persist messages for offline subscribers.
type Notifier struct {
	pub Publisher
}

// NewNotifier creates a match notifier publishing through pub.
func NewNotifier(pub Publisher) *Notifier {
	return &Notifier{pub: pub}
}

// NotifyMatch tells userID they were matched with peerDisplayName.
func (n *Notifier) NotifyMatch(ctx context.Context, userID int64, peerDisplayName string, meetingID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.NewServerMessage(protocol.TypeShakeMatch, protocol.ShakeMatchMsg{
		UserID:     userID,
		FriendName: peerDisplayName,
		MeetingID:  meetingID,
	})
	if err != nil {
		return err
	}
	if err := n.pub.PublishMatch(userID, data); err != nil {
		return fmt.Errorf("messaging: notify user %d: %w", userID, err)
	}
	return nil
}
