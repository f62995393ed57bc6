package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/security-geeks/evilbts/internal/netio"
)

// Process is a running radio side.
type Process interface {
	// Pid identifies the process in logs. In-process peers return 0.
	Pid() int

	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}

	// Stop terminates the process and waits for it to exit. It is safe to
	// call more than once.
	Stop(ctx context.Context) error
}

// Launcher starts the radio side on the peer ends of the channels, given
// in netio.Channels order. The launcher owns the files once it returns
// successfully.
type Launcher interface {
	Launch(ctx context.Context, files []*os.File) (Process, error)
}

// ErrStopTimeout indicates the child ignored SIGTERM and was killed.
var ErrStopTimeout = errors.New("peer did not exit in time")

// -------------------------------------------------------------------------
// ExecLauncher: child process
// -------------------------------------------------------------------------

// ExecLauncher spawns Path with the channels inherited as descriptors
// 3, 4 and 5.
type ExecLauncher struct {
	Path string
	Args []string
	Env  []string

	// StopTimeout is how long Stop waits after SIGTERM before SIGKILL.
	StopTimeout time.Duration

	Logger *slog.Logger
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(_ context.Context, files []*os.File) (Process, error) {
	// The child must outlive the Open context, so it is not bound to it.
	cmd := exec.Command(l.Path, l.Args...) //nolint:gosec // G204: operator-configured peer binary
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.ExtraFiles = files
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start peer %s: %w", l.Path, err)
	}
	for _, f := range files {
		_ = f.Close()
	}

	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &execProcess{
		cmd:     cmd,
		timeout: l.StopTimeout,
		done:    make(chan struct{}),
		logger:  logger.With(slog.Int("pid", cmd.Process.Pid)),
	}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	timeout time.Duration
	done    chan struct{}
	logger  *slog.Logger

	mu      sync.Mutex
	waitErr error
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("peer exited", slog.String("error", err.Error()))
	} else {
		p.logger.Info("peer exited")
	}
	close(p.done)
}

func (p *execProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug("signal peer", slog.String("error", err.Error()))
	}

	timeout := p.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-p.done:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}

	p.logger.Warn("peer ignored SIGTERM, killing")
	_ = p.cmd.Process.Kill()
	<-p.done
	return fmt.Errorf("stop peer %d: %w", p.Pid(), ErrStopTimeout)
}

// -------------------------------------------------------------------------
// FuncLauncher: in-process peer
// -------------------------------------------------------------------------

// RunFunc runs a radio side on the three channel ends. It returns when
// ctx ends or the peer gives up.
type RunFunc func(ctx context.Context, sig, media, log netio.Conn) error

// FuncLauncher runs the radio side as a goroutine. The daemon uses it for
// the built-in simulator, tests use it to script the peer.
type FuncLauncher struct {
	Run    RunFunc
	Logger *slog.Logger
}

// Launch implements Launcher.
func (l *FuncLauncher) Launch(ctx context.Context, files []*os.File) (Process, error) {
	if len(files) != len(netio.Channels()) {
		return nil, fmt.Errorf("launch in-process peer: %d channels: %w", len(files), netio.ErrBadDescriptor)
	}
	conns := make([]netio.Conn, 0, len(files))
	closeAll := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}
	for i, ch := range netio.Channels() {
		c, err := netio.FromFile(ch, files[i])
		if err != nil {
			closeAll()
			for _, f := range files[i+1:] {
				_ = f.Close()
			}
			return nil, fmt.Errorf("launch in-process peer: %w", err)
		}
		conns = append(conns, c)
	}

	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &funcProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer closeAll()
		if err := l.Run(runCtx, conns[0], conns[1], conns[2]); err != nil && runCtx.Err() == nil {
			logger.Warn("in-process peer stopped", slog.String("error", err.Error()))
		}
	}()
	return p, nil
}

type funcProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *funcProcess) Pid() int              { return 0 }
func (p *funcProcess) Done() <-chan struct{} { return p.done }

func (p *funcProcess) Stop(ctx context.Context) error {
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop in-process peer: %w", context.Cause(ctx))
	}
}
