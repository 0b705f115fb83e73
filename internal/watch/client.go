// Package watch is a terminal observer for the proctoring backend. It
// follows the observer websocket and renders live sessions and the
// violation feed.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/exam-proctor/backend/internal/session"
	"github.com/exam-proctor/backend/internal/ws"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

var errNotConnected = errors.New("not connected")

// Client holds the observer connection. Listen dials with exponential
// backoff; ReadLoop turns one server message into one tea.Msg.
type Client struct {
	url string
	log *slog.Logger

	mu         sync.Mutex
	writeMu    sync.Mutex
	conn       *websocket.Conn
	seq        uint64
	pingCancel context.CancelFunc
}

// NewClient returns a client for rawURL. A non-empty token is sent as the
// token query parameter, which is what the server's observer endpoint reads.
func NewClient(rawURL, token string, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse observer url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("observer url must be ws:// or wss://, got %q", u.Scheme)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{url: u.String(), log: log}, nil
}

// ConnectedMsg is sent once the websocket is up.
type ConnectedMsg struct{}

// DisconnectedMsg is sent when the connection drops.
type DisconnectedMsg struct{ Err error }

// SnapshotMsg carries the full set of live sessions.
type SnapshotMsg struct {
	Seq     uint64
	Payload ws.SnapshotPayload
}

// StartedMsg announces a session that began.
type StartedMsg struct{ Session *session.ExamSession }

// EndedMsg announces a session that left the running state.
type EndedMsg struct{ Session *session.ExamSession }

// AlertMsg is a warning or a terminating violation.
type AlertMsg struct {
	Violation bool
	Payload   ws.ViolationPayload
}

// ServerErrorMsg wraps an error payload sent before the server closes.
type ServerErrorMsg struct{ Message string }

// Listen returns a command that dials until it succeeds or ctx ends.
func (c *Client) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = reconnectBaseDelay
		b.MaxInterval = reconnectMaxDelay
		b.MaxElapsedTime = 0

		var conn *websocket.Conn
		dial := func() error {
			cn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
			if err != nil {
				if resp != nil && resp.StatusCode == http.StatusUnauthorized {
					return backoff.Permanent(fmt.Errorf("observer rejected: %w", err))
				}
				return err
			}
			conn = cn
			return nil
		}
		notify := func(err error, wait time.Duration) {
			c.log.Debug("observer dial failed", "error", err, "retry_in", wait)
		}
		if err := backoff.RetryNotify(dial, backoff.WithContext(b, ctx), notify); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return DisconnectedMsg{Err: err}
		}

		c.mu.Lock()
		if c.pingCancel != nil {
			c.pingCancel()
		}
		pingCtx, cancel := context.WithCancel(ctx)
		c.conn = conn
		c.seq = 0
		c.pingCancel = cancel
		c.mu.Unlock()

		go c.pingLoop(pingCtx, conn)
		return ConnectedMsg{}
	}
}

// ReadLoop returns a command that blocks until the next message the model
// cares about arrives. Start it after ConnectedMsg and again after every
// message it yields.
func (c *Client) ReadLoop() tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return DisconnectedMsg{Err: errNotConnected}
		}

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.drop(conn)
				return DisconnectedMsg{Err: closeReason(err)}
			}
			msg, seq, err := Decode(data)
			if err != nil {
				c.log.Debug("skipping observer message", "error", err)
				continue
			}
			c.mu.Lock()
			c.seq = seq
			c.mu.Unlock()
			if msg != nil {
				return msg
			}
		}
	}
}

// Seq returns the sequence number of the last message read.
func (c *Client) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Close tears down the current connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.pingCancel != nil {
		c.pingCancel()
		c.pingCancel = nil
	}
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// closeReason unwraps the error payload the server puts in a close frame
// when it turns an observer away.
func closeReason(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Text == "" {
		return err
	}
	if msg, _, derr := Decode([]byte(ce.Text)); derr == nil {
		if se, ok := msg.(ServerErrorMsg); ok {
			return errors.New(se.Message)
		}
	}
	return err
}

type envelope struct {
	Type    ws.MessageType  `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses one observer frame. Unknown message types yield a nil
// message and no error.
func Decode(data []byte) (tea.Msg, uint64, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, 0, err
	}

	switch env.Type {
	case ws.MsgSnapshot:
		var p ws.SnapshotPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, env.Seq, err
		}
		return SnapshotMsg{Seq: env.Seq, Payload: p}, env.Seq, nil
	case ws.MsgSessionStarted, ws.MsgSessionEnded:
		var p ws.SessionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, env.Seq, err
		}
		if p.Session == nil {
			return nil, env.Seq, errors.New("session payload without session")
		}
		if env.Type == ws.MsgSessionStarted {
			return StartedMsg{Session: p.Session}, env.Seq, nil
		}
		return EndedMsg{Session: p.Session}, env.Seq, nil
	case ws.MsgWarning, ws.MsgViolation:
		var p ws.ViolationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, env.Seq, err
		}
		return AlertMsg{Violation: env.Type == ws.MsgViolation, Payload: p}, env.Seq, nil
	case ws.MsgError:
		var p ws.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, env.Seq, err
		}
		return ServerErrorMsg{Message: p.Message}, env.Seq, nil
	}
	return nil, env.Seq, nil
}
