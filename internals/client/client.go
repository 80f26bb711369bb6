// Package client is a Go-side connector for the relay: it dials the
// WebSocket endpoint, announces an identity, keeps the heartbeat alive and
// reconnects with bounded backoff when the link drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/captionrelay/captionrelay/internals/signaling"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrMaxAttemptsReached = errors.New("reconnect attempts exhausted")

// Identity is what the connector announces on every (re)connect. Re-sending
// it after a reconnect restores presence and room membership server-side.
type Identity struct {
	UserID   string
	UserName string
	RoomID   string
}

// Options tunes the connector. Zero values fall back to the defaults below.
type Options struct {
	URL      string
	Identity Identity

	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffGrowth     float64
	BackoffCap        time.Duration
	MaxAttempts       int

	// OnEvent receives every decoded frame from the server.
	OnEvent func(signaling.Message)
}

// Client maintains one logical connection to the relay across transport
// failures.
type Client struct {
	opts   Options
	logger *zap.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
}

func New(opts Options, logger *zap.Logger) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffGrowth <= 1 {
		opts.BackoffGrowth = 1.5
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Client{
		opts:   opts,
		logger: logger,
		closed: make(chan struct{}),
	}
}

// backoffDelay returns the wait before reconnect attempt n (0-based):
// base * growth^n, capped.
func backoffDelay(base time.Duration, growth float64, maxDelay time.Duration, attempt int) time.Duration {
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= growth
		if time.Duration(d) >= maxDelay {
			return maxDelay
		}
	}
	return time.Duration(d)
}

// Run dials and serves the connection until ctx is cancelled, Close is
// called, or MaxAttempts consecutive dial failures occur. A successful
// connect resets the attempt counter.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			attempt++
			if attempt >= c.opts.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %v", ErrMaxAttemptsReached, attempt, err)
			}
			delay := backoffDelay(c.opts.BackoffBase, c.opts.BackoffGrowth, c.opts.BackoffCap, attempt-1)
			c.logger.Warn("Dial failed, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.closed:
				return nil
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		c.writeMu.Lock()
		c.conn = conn
		c.writeMu.Unlock()

		if err := c.announce(); err != nil {
			c.logger.Error("Failed to announce identity", zap.Error(err))
			conn.Close()
			continue
		}

		c.serve(ctx, conn)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		default:
			c.logger.Info("Connection lost, reconnecting")
		}
	}
}

func (c *Client) announce() error {
	return c.Send(signaling.MessageTypeUserOnline, signaling.UserOnlineMessage{
		UserID:   c.opts.Identity.UserID,
		UserName: c.opts.Identity.UserName,
		RoomID:   c.opts.Identity.RoomID,
	})
}

// serve reads frames and drives the heartbeat until the connection fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Send(signaling.MessageTypeHeartbeat, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		var message signaling.Message
		if err := conn.ReadJSON(&message); err != nil {
			conn.Close()
			return
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(message)
		}
	}
}

// Send marshals payload and writes one frame. Safe for concurrent use.
func (c *Client) Send(msgType signaling.MessageType, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return errors.New("not connected")
	}

	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		data = b
	}
	return c.conn.WriteJSON(signaling.Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// StartSession asks the relay to open a captioning session on targetUserID.
func (c *Client) StartSession(targetUserID, fromLang, toLang string) error {
	return c.Send(signaling.MessageTypeStartSession, signaling.StartSessionMessage{
		TargetUserID: targetUserID,
		FromLang:     fromLang,
		ToLang:       toLang,
	})
}

// StopSession tears down a session this client initiated.
func (c *Client) StopSession(sessionID string) error {
	return c.Send(signaling.MessageTypeStopSession, signaling.StopSessionMessage{
		SessionID: sessionID,
	})
}

// JoinView subscribes to a session's caption stream.
func (c *Client) JoinView(sessionID string) error {
	return c.Send(signaling.MessageTypeJoinView, signaling.ViewMessage{SessionID: sessionID})
}

// LeaveView unsubscribes from a session's caption stream.
func (c *Client) LeaveView(sessionID string) error {
	return c.Send(signaling.MessageTypeLeaveView, signaling.ViewMessage{SessionID: sessionID})
}

// PublishCaption submits a caption pair for fan-out to the session's viewers.
func (c *Client) PublishCaption(sessionID, original, translation string) error {
	return c.Send(signaling.MessageTypeTranslationResult, signaling.TranslationResultMessage{
		SessionID:   sessionID,
		Original:    original,
		Translation: translation,
	})
}

// Close stops the run loop and closes the transport.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.writeMu.Unlock()
	})
}
