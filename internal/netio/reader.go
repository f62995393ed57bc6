package netio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
)

// mediaHeaderLen is the connection id prefix of a media frame.
const mediaHeaderLen = 2

// MediaRouter delivers inbound media frames to the connection they belong
// to. It reports false when no connection took the frame.
type MediaRouter interface {
	DeliverMedia(id uint16, frame []byte) bool
}

// -------------------------------------------------------------------------
// MediaChannel
// -------------------------------------------------------------------------

// MediaChannel moves media frames of the form [connId(2) | data] between
// the processes.
type MediaChannel struct {
	conn   Conn
	router MediaRouter
	logger *slog.Logger

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewMediaChannel creates a MediaChannel reading from conn and routing
// frames to router.
func NewMediaChannel(conn Conn, router MediaRouter, logger *slog.Logger) *MediaChannel {
	return &MediaChannel{
		conn:   conn,
		router: router,
		logger: logger.With(slog.String("component", "netio.media")),
	}
}

// Send writes one frame for connection id.
func (m *MediaChannel) Send(id uint16, data []byte) error {
	frame := make([]byte, mediaHeaderLen, mediaHeaderLen+len(data))
	binary.BigEndian.PutUint16(frame, id)
	frame = append(frame, data...)
	if err := m.conn.Send(frame); err != nil {
		return fmt.Errorf("media send %d: %w", id, err)
	}
	return nil
}

// Received returns how many frames were delivered.
func (m *MediaChannel) Received() uint64 { return m.received.Load() }

// Dropped returns how many frames were discarded.
func (m *MediaChannel) Dropped() uint64 { return m.dropped.Load() }

// Run reads frames until ctx ends or the channel fails. It returns nil on
// cancellation and the transport error otherwise.
func (m *MediaChannel) Run(ctx context.Context) error {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, err := m.conn.Recv(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrTruncated) {
				m.dropped.Add(1)
				m.logger.Warn("oversized media frame dropped", slog.String("error", err.Error()))
				continue
			}
			return fmt.Errorf("media channel: %w", err)
		}
		m.route(buf[:n])
	}
}

func (m *MediaChannel) route(b []byte) {
	id, data, err := ParseMediaFrame(b)
	if err != nil {
		m.dropped.Add(1)
		m.logger.Debug("invalid media frame", slog.String("error", err.Error()))
		return
	}
	if !m.router.DeliverMedia(id, bytes.Clone(data)) {
		m.dropped.Add(1)
		m.logger.Debug("media frame for unknown connection", slog.Uint64("conn", uint64(id)))
		return
	}
	m.received.Add(1)
}

// ParseMediaFrame splits a media frame into connection id and data.
func ParseMediaFrame(b []byte) (uint16, []byte, error) {
	if len(b) < mediaHeaderLen {
		return 0, nil, fmt.Errorf("%d bytes: %w", len(b), ErrShortMediaFrame)
	}
	return binary.BigEndian.Uint16(b), b[mediaHeaderLen:], nil
}

// -------------------------------------------------------------------------
// Log channel
// -------------------------------------------------------------------------

// LogReader re-emits log lines received from the peer through slog.
type LogReader struct {
	conn   Conn
	logger *slog.Logger
}

// NewLogReader creates a LogReader that logs with component peer.log.
func NewLogReader(conn Conn, logger *slog.Logger) *LogReader {
	return &LogReader{
		conn:   conn,
		logger: logger.With(slog.String("component", "peer.log")),
	}
}

// Run reads lines until ctx ends or the channel closes. A closed channel
// is not an error: the peer owns its end and may exit at any time.
func (r *LogReader) Run(ctx context.Context) error {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, err := r.conn.Recv(ctx, buf)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, io.EOF), errors.Is(err, ErrSocketClosed):
			return nil
		case errors.Is(err, ErrTruncated):
			r.logger.Warn("oversized peer log line dropped")
			continue
		default:
			return fmt.Errorf("log channel: %w", err)
		}

		level, line := ParseLogLine(buf[:n])
		if line == "" {
			continue
		}
		r.logger.Log(ctx, level, line)
	}
}

// ParseLogLine extracts the severity of one peer log line. A leading
// syslog priority "<N>" wins; otherwise a "level=X" field as written by
// slog.TextHandler is used; otherwise the line is Info.
func ParseLogLine(b []byte) (slog.Level, string) {
	line := string(bytes.TrimRight(b, "\r\n\x00"))

	if len(line) >= 3 && line[0] == '<' {
		if end := bytes.IndexByte(b, '>'); end > 1 {
			if sev, err := strconv.Atoi(line[1:end]); err == nil {
				return syslogLevel(sev), line[end+1:]
			}
		}
	}

	if i := bytes.Index(b, []byte("level=")); i >= 0 {
		rest := b[i+len("level="):]
		if j := bytes.IndexByte(rest, ' '); j >= 0 {
			rest = rest[:j]
		}
		var lvl slog.Level
		if err := lvl.UnmarshalText(rest); err == nil {
			return lvl, line
		}
	}
	return slog.LevelInfo, line
}

// syslogLevel maps a syslog severity (RFC 5424) to a slog level.
func syslogLevel(sev int) slog.Level {
	switch {
	case sev <= 3:
		return slog.LevelError
	case sev == 4:
		return slog.LevelWarn
	case sev == 7:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// LogWriter sends every Write as one log datagram. Handlers such as
// slog.TextHandler issue one Write per record.
type LogWriter struct {
	conn Conn
}

// NewLogWriter returns a writer for the log channel.
func NewLogWriter(conn Conn) *LogWriter { return &LogWriter{conn: conn} }

// Write implements io.Writer.
// Lines longer than MaxDatagramSize are cut.
func (w *LogWriter) Write(p []byte) (int, error) {
	n := len(p)
	if n > MaxDatagramSize {
		p = p[:MaxDatagramSize]
	}
	if err := w.conn.Send(p); err != nil {
		return 0, err
	}
	return n, nil
}
