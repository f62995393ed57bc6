// evilbts daemon -- signaling core of a two-process GSM base station.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/trace"
	"syscall"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/security-geeks/evilbts/internal/config"
	"github.com/security-geeks/evilbts/internal/l3"
	btsmetrics "github.com/security-geeks/evilbts/internal/metrics"
	"github.com/security-geeks/evilbts/internal/mm"
	"github.com/security-geeks/evilbts/internal/peer"
	"github.com/security-geeks/evilbts/internal/radiosim"
	"github.com/security-geeks/evilbts/internal/server"
	"github.com/security-geeks/evilbts/internal/store"
	"github.com/security-geeks/evilbts/internal/subscriber"
	appversion "github.com/security-geeks/evilbts/internal/version"
	"github.com/security-geeks/evilbts/internal/ybts"
)

// shutdownTimeout bounds how long HTTP servers may drain during shutdown.
const shutdownTimeout = 10 * time.Second

// pruneInterval is how often old journal rows are deleted.
const pruneInterval = time.Hour

// Flight recorder window. The last half second of execution is dumped when
// the link closes for good.
const (
	flightRecorderMinAge   = 500 * time.Millisecond
	flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Logger with a level SIGHUP can change.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("evilbts starting",
		slog.String("version", appversion.Version),
		slog.Int("protocol", int(ybts.ProtocolVersion)),
		slog.String("api_addr", cfg.API.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("peer_mode", cfg.Peer.Mode),
	)

	// 4. Flight recorder for post-mortem analysis of link failures.
	fr := startFlightRecorder(logger)

	// 5. Persistence.
	db, err := store.Open(store.Config{Path: cfg.Store.Path}, logger)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("failed to close store", slog.String("error", cerr.Error()))
		}
	}()

	// 6. Run.
	d := &bts{
		cfg:        cfg,
		configPath: *configPath,
		logLevel:   logLevel,
		logger:     logger,
		fr:         fr,
		db:         db,
	}
	if err := d.run(); err != nil {
		logger.Error("evilbts exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("evilbts stopped")
	return 0
}

// bts holds the long-lived parts shared by the goroutines of run.
type bts struct {
	cfg        *config.Config
	configPath string
	logLevel   *slog.LevelVar
	logger     *slog.Logger
	fr         *trace.FlightRecorder
	db         *store.DB

	journal *store.Journal
	hub     *server.Hub
	sup     *peer.Supervisor
	core    *ybts.Core
	health  *grpchealth.StaticChecker
	reg     *prometheus.Registry
}

func (d *bts) run() error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	d.provisionSubscribers(ctx, d.cfg.Subscribers)

	states := make(chan ybts.StateChange, 32)
	collab, err := d.build(states)
	if err != nil {
		return err
	}

	apiSrv := d.newAPIServer()
	metricsSrv := newMetricsServer(d.cfg.Metrics, d.reg)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := d.core.Run(gCtx)
		if errors.Is(err, ybts.ErrUnsupportedVersion) {
			d.dumpFlightRecorder()
			return fmt.Errorf("signaling link: %w", err)
		}
		return err
	})
	g.Go(func() error { return collab.Run(gCtx) })
	g.Go(func() error { return d.journal.Run(gCtx) })
	g.Go(func() error { return d.hub.Run(gCtx) })
	g.Go(func() error {
		d.watchStates(gCtx, states)
		return nil
	})
	g.Go(func() error {
		d.pruneJournal(gCtx)
		return nil
	})

	d.startHTTPServers(gCtx, g, apiSrv, metricsSrv)
	d.startDaemonGoroutines(gCtx, g)

	notifyReady(d.logger)

	g.Go(func() error {
		<-gCtx.Done()
		return d.gracefulShutdown(gCtx, apiSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// build assembles the signaling core with its collaborator and observers.
func (d *bts) build(states chan<- ybts.StateChange) (*mm.MM, error) {
	cfg := d.cfg

	d.journal = d.db.Journal()
	d.hub = server.NewHub(d.logger)

	pool, err := cfg.Network.Pool()
	if err != nil {
		return nil, fmt.Errorf("build mm: %w", err)
	}

	var srcOpts []subscriber.Option
	if cfg.Network.GSMOnly {
		srcOpts = append(srcOpts, subscriber.WithGSMOnly())
	}
	vectors := subscriber.NewSource(d.db.Subscribers(), d.logger, srcOpts...)

	collab := mm.New(mm.Config{
		LAI:          cfg.Network.LAI(),
		Authenticate: cfg.Network.Authenticate,
		Gprs:         cfg.Network.Gprs,
		PdpPool:      pool,
	}, vectors, d.logger,
		mm.WithRecorder(d.journal),
		mm.WithRecorder(d.hub),
	)

	d.sup = peer.New(d.newLauncher(), d.logger, peer.WithStopTimeout(cfg.Peer.StopTimeout))

	d.reg = prometheus.NewRegistry()
	collector := btsmetrics.NewCollector(d.reg,
		btsmetrics.WithPeerSpawns(d.sup.Spawns),
		btsmetrics.WithJournalDropped(d.journal.Dropped),
	)

	d.core, err = ybts.NewCore(cfg.Link.Core(ybts.RoleResponder), d.sup, d.logger,
		ybts.WithHandler(collab),
		ybts.WithGprsHandler(collab),
		ybts.WithAuthRenderer(l3.Renderer{}),
		ybts.WithConnObserver(d.journal),
		ybts.WithConnObserver(d.hub),
		ybts.WithStateNotify(states),
		ybts.WithMetrics(collector),
	)
	if err != nil {
		return nil, fmt.Errorf("build core: %w", err)
	}
	collab.Bind(d.core)
	d.sup.SetMediaRouter(d.core.Lifecycle())

	d.health = grpchealth.NewStaticChecker(grpchealth.HealthV1ServiceName, server.ServiceName)
	d.health.SetStatus(server.ServiceName, grpchealth.StatusNotServing)
	return collab, nil
}

func (d *bts) newLauncher() peer.Launcher {
	if d.cfg.Peer.Mode == config.PeerBuiltin {
		d.logger.Info("using built-in radio simulator",
			slog.Int("handsets", len(d.cfg.Simulator.Handsets)),
		)
		return &peer.FuncLauncher{
			Run:    radiosim.RunFunc(d.cfg.Radiosim()),
			Logger: d.logger,
		}
	}

	args := d.cfg.Peer.Args
	if len(args) == 0 && d.configPath != "" {
		args = []string{"-config", d.configPath}
	}
	return &peer.ExecLauncher{
		Path:        d.cfg.Peer.Path,
		Args:        args,
		StopTimeout: d.cfg.Peer.StopTimeout,
		Logger:      d.logger,
	}
}

// -------------------------------------------------------------------------
// Link state
// -------------------------------------------------------------------------

// watchStates follows link state changes. Each change starts a journal
// epoch, is recorded, fans out to the event feed and drives the health
// status of the API.
func (d *bts) watchStates(ctx context.Context, states <-chan ybts.StateChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc := <-states:
			d.journal.SetEpoch(sc.Epoch)
			d.journal.Record(store.ConnEvent{
				Epoch:  sc.Epoch,
				Event:  store.EventLink,
				Detail: sc.OldState.String() + "->" + sc.NewState.String() + " " + sc.Event.String(),
			})
			d.hub.StateChanged(sc)

			status := grpchealth.StatusNotServing
			if sc.NewState == ybts.StateRunning {
				status = grpchealth.StatusServing
			}
			d.health.SetStatus(server.ServiceName, status)

			if sc.Fatal {
				d.logger.Error("peer speaks an unsupported protocol version, not restarting",
					slog.String("epoch", sc.Epoch),
				)
			}
		}
	}
}

func (d *bts) pruneJournal(ctx context.Context) {
	retention := d.cfg.Store.JournalRetention
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.journal.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				d.logger.Warn("failed to prune journal", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				d.logger.Debug("journal pruned", slog.Int64("rows", n))
			}
		}
	}
}

// provisionSubscribers writes the declared subscribers to the store. The
// stored SQN of an existing subscriber is kept.
func (d *bts) provisionSubscribers(ctx context.Context, subs []config.SubscriberConfig) {
	if len(subs) == 0 {
		d.logger.Debug("no declarative subscribers in config, skipping provisioning")
		return
	}

	repo := d.db.Subscribers()
	var provisioned int
	for _, sc := range subs {
		amf := sc.AMF
		if amf == 0 {
			amf = subscriber.DefaultAMF
		}
		err := repo.Provision(ctx, &store.Subscriber{
			IMSI:   sc.IMSI,
			MSISDN: sc.MSISDN,
			Ki:     sc.Ki,
			OPc:    sc.OPc,
			AMF:    amf,
			Barred: sc.Barred,
		})
		if err != nil {
			d.logger.Error("failed to provision subscriber, skipping",
				slog.String("imsi", sc.IMSI),
				slog.String("error", err.Error()),
			)
			continue
		}
		provisioned++
	}

	d.logger.Info("subscriber provisioning complete",
		slog.Int("provisioned", provisioned),
		slog.Int("declared", len(subs)),
	)
}

func (d *bts) dumpFlightRecorder() {
	if d.fr == nil {
		return
	}
	path := filepath.Join(filepath.Dir(d.cfg.Store.Path),
		"evilbts-"+time.Now().UTC().Format("20060102T150405Z")+".trace")
	f, err := os.Create(path)
	if err != nil {
		d.logger.Warn("failed to create flight recorder dump", slog.String("error", err.Error()))
		return
	}
	defer f.Close()
	if _, err := d.fr.WriteTo(f); err != nil {
		d.logger.Warn("failed to write flight recorder dump", slog.String("error", err.Error()))
		return
	}
	d.logger.Info("flight recorder dumped", slog.String("path", path))
}

// -------------------------------------------------------------------------
// Servers
// -------------------------------------------------------------------------

func (d *bts) startHTTPServers(ctx context.Context, g *errgroup.Group, apiSrv, metricsSrv *http.Server) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		d.logger.Info("api server listening", slog.String("addr", d.cfg.API.Addr))
		return listenAndServe(ctx, &lc, apiSrv, d.cfg.API.Addr)
	})

	g.Go(func() error {
		d.logger.Info("metrics server listening",
			slog.String("addr", d.cfg.Metrics.Addr),
			slog.String("path", d.cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, d.cfg.Metrics.Addr)
	})
}

func (d *bts) startDaemonGoroutines(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		return runWatchdog(ctx, d.logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		d.handleSIGHUP(ctx, sigHUP)
		return nil
	})
}

func (d *bts) newAPIServer() *http.Server {
	mux := http.NewServeMux()

	path, handler := server.New(d.core, d.logger,
		[]server.Option{
			server.WithPeer(d.sup),
			server.WithJournal(d.journal),
			server.WithSubscribers(d.db.Subscribers()),
		},
		server.LoggingInterceptorOption(d.logger),
		server.RecoveryInterceptorOption(d.logger),
	)
	mux.Handle(path, handler)
	mux.Handle(grpchealth.NewHandler(d.health))
	mux.Handle(server.EventsPath, d.hub)

	return &http.Server{
		Addr:              d.cfg.API.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// gracefulShutdown stops the HTTP servers after the core has begun closing
// the link. The core releases every connection and stops the peer on its
// own when its context ends.
func (d *bts) gracefulShutdown(ctx context.Context, servers ...*http.Server) error {
	notifyStopping(d.logger)
	d.logger.Info("shutting down")

	if d.fr != nil {
		d.fr.Stop()
		d.logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// systemd
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// Reload
// -------------------------------------------------------------------------

func (d *bts) handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			d.logger.Info("received SIGHUP, reloading configuration")
			d.reloadConfig(ctx)
		}
	}
}

// reloadConfig applies the log level and subscriber list of the new
// configuration. Link, peer and network settings need a restart.
func (d *bts) reloadConfig(ctx context.Context) {
	newCfg, err := loadConfig(d.configPath)
	if err != nil {
		d.logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := d.logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	d.logLevel.Set(newLevel)

	d.logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	if newCfg.Link != d.cfg.Link || newCfg.Network.Authenticate != d.cfg.Network.Authenticate {
		d.logger.Warn("link and network changes take effect after restart")
	}

	d.provisionSubscribers(ctx, newCfg.Subscribers)
}

// -------------------------------------------------------------------------
// Setup helpers
// -------------------------------------------------------------------------

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)
	return fr
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
