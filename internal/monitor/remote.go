package monitor

import (
	"context"
	"image"
	"sync"
	"time"
)

// RemoteFeed holds the latest values streamed by a candidate's browser. It
// serves as FrameSource, LevelSource and ConnectivityProbe for a runtime
// whose devices live on the other end of a websocket.
//
// The browser acquires the devices itself and reports acquisition failure
// as a browser event, so Open never fails.
type RemoteFeed struct {
	staleAfter time.Duration
	now        func() time.Time

	mu        sync.Mutex
	frame     image.Image
	level     float64
	levelAt   time.Time
	heartbeat time.Time
	closed    bool
}

// NewRemoteFeed creates a feed that counts the candidate as offline once no
// message arrived for staleAfter. The candidate starts out online.
func NewRemoteFeed(staleAfter time.Duration) *RemoteFeed {
	f := &RemoteFeed{staleAfter: staleAfter, now: time.Now}
	f.heartbeat = f.now()
	return f
}

func (f *RemoteFeed) Open(context.Context) error { return nil }

func (f *RemoteFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.frame = nil
	return nil
}

// Heartbeat marks the candidate as reachable. Every inbound message counts.
func (f *RemoteFeed) Heartbeat() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeat = f.now()
}

// SetFrame stores the latest still frame.
func (f *RemoteFeed) SetFrame(img image.Image) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.frame = img
	}
	f.heartbeat = f.now()
}

// SetLevel stores the latest microphone level.
func (f *RemoteFeed) SetLevel(level float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.level = level
	f.levelAt = f.now()
	f.heartbeat = f.levelAt
}

func (f *RemoteFeed) Frame() image.Image {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame
}

// Level returns the latest level, or ErrNoSample when none arrived within
// the staleness window.
func (f *RemoteFeed) Level() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.levelAt.IsZero() || f.now().Sub(f.levelAt) > f.staleAfter {
		return 0, ErrNoSample
	}
	return f.level, nil
}

func (f *RemoteFeed) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now().Sub(f.heartbeat) <= f.staleAfter
}
