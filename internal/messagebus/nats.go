// Package messagebus carries pattern-detection triggers over NATS so that a
// detection pass can start as soon as new work lands for a workspace.
package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vthunder/patterngraph/internal/logging"
)

// DetectionRequest asks for a detection pass over one workspace
type DetectionRequest struct {
	WorkspaceID string    `json:"workspace_id"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Publisher sends detection triggers
type Publisher interface {
	PublishDetection(ctx context.Context, req DetectionRequest) error
}

// Config holds NATS settings
type Config struct {
	URL           string        // e.g. nats://localhost:4222
	SubjectPrefix string        // default "patterns.detect"
	Timeout       time.Duration // connect timeout (default 10s)
}

// Bus is a core NATS connection. Triggers are fire-and-forget; the
// pattern_detection queue is the durable record.
type Bus struct {
	conn   *nats.Conn
	prefix string

	mu   sync.Mutex
	subs []*nats.Subscription
}

var _ Publisher = (*Bus)(nil)

// Connect dials NATS
func Connect(cfg Config) (*Bus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "patterns.detect"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("patterngraph"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logging.Warn("messagebus", "NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("messagebus", "NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logging.Info("messagebus", "connected to NATS at %s", cfg.URL)
	return &Bus{conn: nc, prefix: cfg.SubjectPrefix}, nil
}

// Subject returns the subject a workspace's triggers are published on
func (b *Bus) Subject(workspaceID string) string {
	return SubjectFor(b.prefix, workspaceID)
}

// SubjectFor builds <prefix>.<workspace>. Characters NATS treats as token
// separators or wildcards are replaced.
func SubjectFor(prefix, workspaceID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, workspaceID)
	if token == "" {
		token = "_"
	}
	return prefix + "." + token
}

// PublishDetection publishes a trigger for req.WorkspaceID
func (b *Bus) PublishDetection(ctx context.Context, req DetectionRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal detection request: %w", err)
	}
	subject := b.Subject(req.WorkspaceID)
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribeDetection delivers triggers for every workspace to handler.
// Subscribers sharing queueGroup split the stream between them.
func (b *Bus) SubscribeDetection(queueGroup string, handler func(DetectionRequest)) error {
	subject := b.prefix + ".>"
	cb := func(msg *nats.Msg) {
		var req DetectionRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			logging.Warn("messagebus", "bad detection request on %s: %v", msg.Subject, err)
			return
		}
		handler(req)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queueGroup != "" {
		sub, err = b.conn.QueueSubscribe(subject, queueGroup, cb)
	} else {
		sub, err = b.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Flush waits until the server has processed everything published so far
func (b *Bus) Flush() error {
	return b.conn.Flush()
}

// Close drains subscriptions and closes the connection
func (b *Bus) Close() {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()
	b.conn.Close()
}
