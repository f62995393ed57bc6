package ybts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MediaResult is the outcome of a media start request.
type MediaResult uint8

const (
	// MediaPending is never returned; it is the zero value of an
	// unresolved wait.
	MediaPending MediaResult = iota

	// MediaOK means the peer started the traffic channel.
	MediaOK

	// MediaNoMedia means the peer reported a media error. Not retried.
	MediaNoMedia

	// MediaGone means the connection was released while waiting.
	MediaGone

	// MediaTimeout means the peer did not answer in time.
	MediaTimeout
)

// String returns the human-readable name of the result.
func (r MediaResult) String() string {
	switch r {
	case MediaPending:
		return "pending"
	case MediaOK:
		return "ok"
	case MediaNoMedia:
		return "nomedia"
	case MediaGone:
		return "gone"
	case MediaTimeout:
		return "timeout"
	default:
		return unknownStr
	}
}

// ErrMediaBusy indicates a media start is already pending on the
// connection.
var ErrMediaBusy = errors.New("media start already pending")

type mediaWait struct {
	deadline time.Time

	once   sync.Once
	done   chan struct{}
	result MediaResult
}

func (m *mediaWait) resolve(r MediaResult) {
	m.once.Do(func() {
		m.result = r
		close(m.done)
	})
}

// StartMedia asks the peer to start the traffic channel of id and waits
// for MediaStarted, MediaError, release or the timeout. It never retries.
func (l *Lifecycle) StartMedia(
	ctx context.Context,
	id uint16,
	params Params,
	timeout time.Duration,
) (MediaResult, error) {
	c, err := l.reg.lockLive(id)
	if err != nil {
		return MediaGone, fmt.Errorf("start media %d: %w", id, err)
	}
	if c.pendingMedia != nil {
		c.mu.Unlock()
		return MediaPending, fmt.Errorf("start media %d: %w", id, ErrMediaBusy)
	}

	w := &mediaWait{deadline: time.Now().Add(timeout), done: make(chan struct{})}
	msg := NewConnMessage(SigStartMedia, 0, id)
	msg.Params = params
	if err := l.sender.Send(msg); err != nil {
		c.mu.Unlock()
		return MediaPending, fmt.Errorf("start media %d: %w", id, err)
	}
	c.pendingMedia = w
	c.mu.Unlock()

	select {
	case <-w.done:
	case <-ctx.Done():
		c.mu.Lock()
		if c.pendingMedia == w {
			c.pendingMedia = nil
		}
		c.mu.Unlock()
		return MediaPending, fmt.Errorf("start media %d: %w", id, context.Cause(ctx))
	}
	return w.result, nil
}

// ResolveMedia completes the pending media start on id. It reports whether
// a wait was pending.
func (l *Lifecycle) ResolveMedia(id uint16, r MediaResult) bool {
	c, err := l.reg.lockLive(id)
	if err != nil {
		return false
	}
	w := c.pendingMedia
	c.pendingMedia = nil
	c.mu.Unlock()

	if w == nil {
		return false
	}
	w.resolve(r)
	return true
}

// StopMedia tells the peer to stop the traffic channel of id.
func (l *Lifecycle) StopMedia(id uint16) error {
	return l.SendConn(id, NewConnMessage(SigStopMedia, 0, id))
}

// SetMediaSink routes media frames for id to sink. A nil sink drops them.
func (l *Lifecycle) SetMediaSink(id uint16, sink MediaSink) error {
	c, err := l.reg.lockLive(id)
	if err != nil {
		return fmt.Errorf("set media sink %d: %w", id, err)
	}
	defer c.mu.Unlock()
	c.media = sink
	return nil
}

// DeliverMedia hands one media frame to the sink of id. It reports false
// when the connection is unknown or has no sink.
func (l *Lifecycle) DeliverMedia(id uint16, frame []byte) bool {
	c, err := l.reg.lockLive(id)
	if err != nil {
		return false
	}
	sink := c.media
	c.mu.Unlock()

	if sink == nil {
		return false
	}
	sink.MediaFrame(id, frame)
	return true
}
