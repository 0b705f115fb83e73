package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/exam-proctor/backend/internal/metrics"
	"github.com/exam-proctor/backend/internal/monitor"
	"github.com/exam-proctor/backend/internal/session"
)

// ErrTooManyConnections is returned by AddClient when the observer limit
// is reached.
var ErrTooManyConnections = errors.New("too many observer connections")

type client struct {
	conn         *websocket.Conn
	b            *Broadcaster
	send         chan []byte
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if c.writeTimeout > 0 {
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// HealthFunc returns detector health per live session ID.
type HealthFunc func() map[string][]monitor.SignalHealth

// Broadcaster keeps the live session registry and relays lifecycle events
// to passive observers. Delivery is best effort: a slow observer is
// disconnected and never holds up the publisher.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	store    *session.Store
	privacy  *session.PrivacyFilter
	health   HealthFunc
	maxConns int
	sendBuf  int
	writeTO  time.Duration
	log      *slog.Logger
	seq      atomic.Uint64

	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once
}

// BroadcasterOptions tune observer delivery.
type BroadcasterOptions struct {
	SnapshotInterval time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
	MaxConnections   int // zero is unlimited
}

func NewBroadcaster(store *session.Store, opts BroadcasterOptions, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 5 * time.Second
	}
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		store:    store,
		privacy:  &session.PrivacyFilter{},
		maxConns: opts.MaxConnections,
		sendBuf:  opts.SendBuffer,
		writeTO:  opts.WriteTimeout,
		log:      log,
		stop:     make(chan struct{}),
	}

	b.snapshotTicker = time.NewTicker(opts.SnapshotInterval)
	go b.snapshotLoop()

	return b
}

// SetPrivacyFilter replaces the filter applied to every outgoing session.
func (b *Broadcaster) SetPrivacyFilter(f *session.PrivacyFilter) {
	if f == nil {
		f = &session.PrivacyFilter{}
	}
	b.mu.Lock()
	b.privacy = f
	b.mu.Unlock()
}

// SetHealthHook installs the source of detector health for snapshots.
func (b *Broadcaster) SetHealthHook(fn HealthFunc) {
	b.mu.Lock()
	b.health = fn
	b.mu.Unlock()
}

// Stop ends the periodic snapshots and disconnects every observer.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
		b.snapshotTicker.Stop()
		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			c.close()
			metrics.Observers.Dec()
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		conn:         conn,
		b:            b,
		send:         make(chan []byte, b.sendBuf),
		writeTimeout: b.writeTO,
	}

	// The snapshot is queued before the client is visible to send, so it
	// is always the first message an observer reads.
	if data, err := json.Marshal(b.snapshot()); err == nil {
		c.send <- data
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	b.mu.Unlock()
	metrics.Observers.Inc()

	go c.writePump()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
		metrics.Observers.Dec()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// FilterSessions applies the privacy filter to sessions.
func (b *Broadcaster) FilterSessions(sessions []*session.ExamSession) []*session.ExamSession {
	b.mu.RLock()
	f := b.privacy
	b.mu.RUnlock()
	return f.FilterSlice(sessions)
}

// Publish keeps the registry current and relays ev to observers. It
// satisfies lifecycle.Publisher and never blocks.
func (b *Broadcaster) Publish(ev session.Event) {
	if ev.State == nil {
		return
	}
	switch ev.Type {
	case session.EventEnded:
		b.store.Remove(ev.State.ID)
	default:
		b.store.Update(ev.State)
	}

	b.mu.RLock()
	filtered := b.privacy.Apply(ev.State)
	b.mu.RUnlock()

	var msg WSMessage
	switch ev.Type {
	case session.EventStarted:
		msg = WSMessage{Type: MsgSessionStarted, Payload: SessionPayload{Session: filtered}}
	case session.EventWarning, session.EventViolation:
		typ := MsgWarning
		if ev.Type == session.EventViolation {
			typ = MsgViolation
		}
		at := time.Now()
		if ev.State.EndedAt != nil && ev.Type == session.EventViolation {
			at = *ev.State.EndedAt
		}
		msg = WSMessage{Type: typ, Payload: ViolationPayload{
			SessionID: filtered.ID,
			Candidate: filtered.CandidateName,
			Email:     filtered.CandidateID,
			Type:      ev.Detail,
			Time:      at,
		}}
	case session.EventEnded:
		msg = WSMessage{Type: MsgSessionEnded, Payload: SessionPayload{Session: filtered}}
	default:
		return
	}
	b.broadcast(msg)
}

func (b *Broadcaster) snapshot() WSMessage {
	b.mu.RLock()
	health := b.health
	b.mu.RUnlock()

	payload := SnapshotPayload{Sessions: b.FilterSessions(b.store.GetAll())}
	if health != nil {
		payload.Health = health()
	}
	return WSMessage{Type: MsgSnapshot, Seq: b.seq.Add(1), Payload: payload}
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			if b.ClientCount() == 0 {
				continue
			}
			b.send(b.snapshot())
		}
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	msg.Seq = b.seq.Add(1)
	b.send(msg)
}

func (b *Broadcaster) send(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("broadcast marshal error", "error", err)
		return
	}

	// Sends happen under the read lock: send channels are only closed
	// under the write lock.
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.log.Warn("observer too slow, disconnecting")
		b.RemoveClient(c)
	}
}
