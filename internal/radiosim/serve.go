package radiosim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/security-geeks/evilbts/internal/netio"
	"github.com/security-geeks/evilbts/internal/ybts"
)

// ErrLinkUsed indicates a second transport request: the simulator lives
// for one link and the daemon starts a fresh process after a reset.
var ErrLinkUsed = errors.New("signaling link already used")

// linkOpener hands the inherited signaling socket to the core once.
type linkOpener struct {
	conn netio.Conn
	used atomic.Bool
}

func (o *linkOpener) Open(context.Context) (ybts.Transport, error) {
	if o.used.Swap(true) {
		return nil, ErrLinkUsed
	}
	return o.conn, nil
}

// echoRouter loops media frames back to the network.
type echoRouter struct {
	ch atomic.Pointer[netio.MediaChannel]
}

func (e *echoRouter) DeliverMedia(id uint16, frame []byte) bool {
	ch := e.ch.Load()
	if ch == nil {
		return false
	}
	return ch.Send(id, frame) == nil
}

// Serve runs the simulator over the three channel sockets until the link
// closes or ctx ends. Logs go to the log channel as text lines.
func Serve(ctx context.Context, cfg Config, sig, media, log netio.Conn) error {
	logger := slog.New(slog.NewTextHandler(netio.NewLogWriter(log), &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	sim, err := New(cfg, logger)
	if err != nil {
		return err
	}

	coreCfg := cfg.Core
	coreCfg.Role = ybts.RoleInitiator
	states := make(chan ybts.StateChange, 16)
	core, err := ybts.NewCore(coreCfg, &linkOpener{conn: sig}, logger,
		ybts.WithHandler(sim),
		ybts.WithGprsHandler(sim),
		ybts.WithConnObserver(sim),
		ybts.WithStateNotify(states),
	)
	if err != nil {
		return fmt.Errorf("radio core: %w", err)
	}
	sim.Bind(core)

	router := &echoRouter{}
	mc := netio.NewMediaChannel(media, router, logger)
	router.ch.Store(mc)

	if cfg.OnStart != nil {
		cfg.OnStart(sim)
	}
	sim.logger.Info("radio simulator starting", slog.Any("handsets", sim.imsis()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := core.Run(gctx)
		if errors.Is(err, ybts.ErrUnsupportedVersion) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := mc.Run(gctx); err != nil && gctx.Err() == nil {
			sim.logger.Warn("media channel lost", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return sim.Run(gctx, states)
	})

	err = g.Wait()
	_ = media.Close()
	_ = log.Close()
	return err
}

// RunFunc adapts Serve to the in-process peer launcher.
func RunFunc(cfg Config) func(ctx context.Context, sig, media, log netio.Conn) error {
	return func(ctx context.Context, sig, media, log netio.Conn) error {
		return Serve(ctx, cfg, sig, media, log)
	}
}
