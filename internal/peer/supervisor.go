package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/security-geeks/evilbts/internal/netio"
	"github.com/security-geeks/evilbts/internal/ybts"
)

// ErrNoPeer indicates there is no running peer to talk to.
var ErrNoPeer = errors.New("no peer running")

// defaultStopTimeout bounds Close when no timeout is configured.
const defaultStopTimeout = 10 * time.Second

// Supervisor owns the radio-side process. Each Open creates fresh socket
// pairs, launches a new peer on them and serves its media and log
// channels; closing the returned transport stops that peer. The
// signaling session calls Open again after every non-fatal close, which
// is how the peer gets restarted.
type Supervisor struct {
	launcher    Launcher
	stopTimeout time.Duration
	logger      *slog.Logger

	router atomic.Value // routerBox

	mu  sync.Mutex
	cur *epoch

	spawns atomic.Uint64
}

type routerBox struct{ r netio.MediaRouter }

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithStopTimeout bounds how long closing a transport waits for the peer
// to exit.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.stopTimeout = d }
}

// WithMediaRouter sets where inbound media frames go.
func WithMediaRouter(r netio.MediaRouter) Option {
	return func(s *Supervisor) { s.SetMediaRouter(r) }
}

// New creates a Supervisor launching peers with l.
func New(l Launcher, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		launcher:    l,
		stopTimeout: defaultStopTimeout,
		logger:      logger.With(slog.String("component", "peer.supervisor")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetMediaRouter sets where inbound media frames go. It takes effect on
// the next Open.
func (s *Supervisor) SetMediaRouter(r netio.MediaRouter) {
	s.router.Store(routerBox{r: r})
}

// Spawns returns how many peers were launched.
func (s *Supervisor) Spawns() uint64 { return s.spawns.Load() }

// Pid returns the process id of the running peer, 0 for in-process peers,
// or -1 when no peer runs.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return -1
	}
	return s.cur.proc.Pid()
}

// SendMedia writes a media frame for connection id to the running peer.
func (s *Supervisor) SendMedia(id uint16, data []byte) error {
	s.mu.Lock()
	ep := s.cur
	s.mu.Unlock()
	if ep == nil {
		return fmt.Errorf("send media %d: %w", id, ErrNoPeer)
	}
	return ep.media.Send(id, data)
}

// Open implements ybts.Opener.
func (s *Supervisor) Open(ctx context.Context) (ybts.Transport, error) {
	var (
		local []*netio.SeqPacketConn
		files []*os.File
	)
	fail := func(err error) (ybts.Transport, error) {
		for _, c := range local {
			_ = c.Close()
		}
		for _, f := range files {
			_ = f.Close()
		}
		return nil, err
	}

	for _, ch := range netio.Channels() {
		c, f, err := netio.SocketPair(ch)
		if err != nil {
			return fail(fmt.Errorf("open peer channels: %w", err))
		}
		local = append(local, c)
		files = append(files, f)
	}

	proc, err := s.launcher.Launch(ctx, files)
	if err != nil {
		return fail(fmt.Errorf("launch peer: %w", err))
	}
	n := s.spawns.Add(1)

	router := netio.MediaRouter(dropRouter{})
	if b, ok := s.router.Load().(routerBox); ok && b.r != nil {
		router = b.r
	}

	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ep := &epoch{
		SeqPacketConn: local[0],
		sup:           s,
		mediaConn:     local[1],
		logConn:       local[2],
		media:         netio.NewMediaChannel(local[1], router, s.logger),
		proc:          proc,
		cancel:        cancel,
	}
	logs := netio.NewLogReader(local[2], s.logger)

	ep.wg.Add(2)
	go func() {
		defer ep.wg.Done()
		if err := ep.media.Run(readCtx); err != nil {
			s.logger.Debug("media channel ended", slog.String("error", err.Error()))
		}
	}()
	go func() {
		defer ep.wg.Done()
		if err := logs.Run(readCtx); err != nil {
			s.logger.Debug("log channel ended", slog.String("error", err.Error()))
		}
	}()

	s.mu.Lock()
	s.cur = ep
	s.mu.Unlock()

	s.logger.Info("peer launched",
		slog.Int("pid", proc.Pid()),
		slog.Uint64("spawn", n),
	)
	return ep, nil
}

// epoch is one launched peer and its channels. The embedded signaling
// conn provides Send and Recv.
type epoch struct {
	*netio.SeqPacketConn

	sup       *Supervisor
	mediaConn *netio.SeqPacketConn
	logConn   *netio.SeqPacketConn
	media     *netio.MediaChannel
	proc      Process
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	once     sync.Once
	closeErr error
}

// Close stops the peer, closes every channel and waits for the readers.
func (e *epoch) Close() error {
	e.once.Do(func() {
		s := e.sup
		s.mu.Lock()
		if s.cur == e {
			s.cur = nil
		}
		s.mu.Unlock()

		sigErr := e.SeqPacketConn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
		stopErr := e.proc.Stop(ctx)
		cancel()

		e.cancel()
		mediaErr := e.mediaConn.Close()
		logErr := e.logConn.Close()
		e.wg.Wait()

		e.closeErr = errors.Join(sigErr, stopErr, mediaErr, logErr)
		s.logger.Info("peer stopped",
			slog.Uint64("media_frames", e.media.Received()),
			slog.Uint64("media_dropped", e.media.Dropped()),
		)
	})
	return e.closeErr
}

type dropRouter struct{}

func (dropRouter) DeliverMedia(uint16, []byte) bool { return false }
