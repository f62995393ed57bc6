// evilbts-radiosim -- scripted radio side spawned by the evilbts daemon.
//
// The daemon passes the signaling, media and log sockets as descriptors
// 3, 4 and 5. Handsets and link timings come from the daemon's
// configuration file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/security-geeks/evilbts/internal/config"
	"github.com/security-geeks/evilbts/internal/netio"
	"github.com/security-geeks/evilbts/internal/radiosim"
	appversion "github.com/security-geeks/evilbts/internal/version"
	"github.com/security-geeks/evilbts/internal/ybts"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("evilbts-radiosim"))
		return 0
	}

	// Until the log channel is attached, report to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("failed to load configuration", slog.String("error", err.Error()))
			return 1
		}
		cfg = loaded
	}

	conns, err := inheritChannels()
	if err != nil {
		logger.Error("failed to attach channels", slog.String("error", err.Error()))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = radiosim.Serve(ctx, cfg.Radiosim(), conns[0], conns[1], conns[2])
	switch {
	case errors.Is(err, ybts.ErrUnsupportedVersion):
		logger.Error("daemon rejected the protocol version", slog.String("error", err.Error()))
		return 2
	case err != nil:
		logger.Error("radio simulator failed", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

// inheritChannels attaches every channel in netio.Channels order.
func inheritChannels() ([]netio.Conn, error) {
	chans := netio.Channels()
	conns := make([]netio.Conn, 0, len(chans))
	for _, ch := range chans {
		c, err := netio.Inherited(ch)
		if err != nil {
			for _, open := range conns {
				_ = open.Close()
			}
			return nil, fmt.Errorf("inherit %s: %w", ch, err)
		}
		conns = append(conns, c)
	}
	return conns, nil
}
