// Package messaging carries the shake service over NATS: queue-group
// request/reply for the shake operations and per-user subjects for match
// notifications.
package messaging

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects served and published by the shaker.
const (
	SubjectInitiate = "shake.initiate"
	SubjectNearby   = "shake.nearby"
	SubjectActive   = "shake.active"
	SubjectMatch    = "shake.match" // + .<user_id>

	// QueueShaker load-balances requests across shaker instances.
	QueueShaker = "shaker"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 retries forever
}

// DefaultNATSConfig targets a local server and reconnects forever.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "shaker",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSClient owns one NATS connection and the subscriptions made through it,
// keyed by subject.
type NATSClient struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSClient connects with config. Connection state changes are logged.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", config.URL, err)
	}
	log.Printf("[nats] connected to %s as %q", nc.ConnectedUrl(), config.Name)
	return &NATSClient{conn: nc, subs: make(map[string]*nats.Subscription)}, nil
}

// Conn exposes the underlying connection.
func (c *NATSClient) Conn() *nats.Conn {
	return c.conn
}

// Handler computes the reply for one request payload.
type Handler func(data []byte) []byte

// Serve answers requests on subject within the shaker queue group. Each
// request runs on its own goroutine because a shake may wait for a
// concurrent pairing to settle.
func (c *NATSClient) Serve(subject string, handler Handler) error {
	sub, err := c.conn.QueueSubscribe(subject, QueueShaker, func(msg *nats.Msg) {
		go func() {
			reply := handler(msg.Data)
			if msg.Reply == "" {
				return
			}
			if err := msg.Respond(reply); err != nil {
				log.Printf("[nats] respond on %s: %v", subject, err)
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s: %w", subject, err)
	}
	return c.track(subject, sub)
}

// Request sends data on subject and waits for a single reply.
func (c *NATSClient) Request(subject string, data []byte, timeout time.Duration) ([]byte, error) {
	msg, err := c.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// MatchSubject returns the notification subject for a user.
func MatchSubject(userID int64) string {
	return SubjectMatch + "." + strconv.FormatInt(userID, 10)
}

// PublishMatch publishes a match notification to shake.match.<userID>.
func (c *NATSClient) PublishMatch(userID int64, data []byte) error {
	subject := MatchSubject(userID)
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// SubscribeMatch delivers a user's match notifications to handler.
func (c *NATSClient) SubscribeMatch(userID int64, handler func(data []byte)) error {
	subject := MatchSubject(userID)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) { handler(msg.Data) })
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return c.track(subject, sub)
}

// UnsubscribeMatch stops a user's match notifications.
func (c *NATSClient) UnsubscribeMatch(userID int64) error {
	subject := MatchSubject(userID)

	c.mu.Lock()
	sub, ok := c.subs[subject]
	delete(c.subs, subject)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("nats: not subscribed to %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection, letting in-flight requests finish replying.
func (c *NATSClient) Close() {
	c.mu.Lock()
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] drain: %v", err)
	}
	log.Printf("[nats] client closed")
}

// track records sub so it can be removed later. A second subscription to
// the same subject is refused and undone.
func (c *NATSClient) track(subject string, sub *nats.Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.subs[subject]; dup {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats: already subscribed to %s", subject)
	}
	c.subs[subject] = sub
	return nil
}
