// Package commands implements the evilbtsctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/security-geeks/evilbts/internal/server"
	"github.com/security-geeks/evilbts/internal/store"
)

const (
	formatJSON  = "json"
	formatYAML  = "yaml"
	formatTable = "table"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// render marshals v as JSON or YAML, or hands the table writer to table.
func render(v any, format string, table func(w io.Writer)) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal to YAML: %w", err)
		}
		return string(data), nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		table(w)
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatStatus(s *server.GetStatusResponse, format string) (string, error) {
	return render(s, format, func(w io.Writer) {
		fmt.Fprintf(w, "Role:\t%s\n", s.Role)
		fmt.Fprintf(w, "State:\t%s\n", s.State)
		fmt.Fprintf(w, "Epoch:\t%s\n", orNA(s.Epoch))
		fmt.Fprintf(w, "Up Since:\t%s\n", timeOrNA(s.UpSince))
		fmt.Fprintf(w, "Restarts:\t%d\n", s.Restarts)
		fmt.Fprintf(w, "Messages Sent:\t%d\n", s.MessagesSent)
		fmt.Fprintf(w, "Messages Received:\t%d\n", s.MessagesReceived)
		fmt.Fprintf(w, "Messages Dropped:\t%d\n", s.MessagesDropped)
		fmt.Fprintf(w, "Circuit Connections:\t%d/%d\n", s.CircuitConns, s.CircuitSlots)
		fmt.Fprintf(w, "Packet Connections:\t%d/%d\n", s.GprsConns, s.GprsSlots)
		if s.PeerPid > 0 {
			fmt.Fprintf(w, "Peer PID:\t%d\n", s.PeerPid)
		} else {
			fmt.Fprintf(w, "Peer PID:\t%s\n", valueNA)
		}
		fmt.Fprintf(w, "Peer Spawns:\t%d\n", s.PeerSpawns)
		fmt.Fprintf(w, "Journal Dropped:\t%d\n", s.JournalDropped)
		fmt.Fprintf(w, "Daemon Version:\t%s (protocol %d)\n", s.Build.Version, s.Build.Protocol)
	})
}

func formatConns(conns []server.Conn, format string) (string, error) {
	return render(conns, format, func(w io.Writer) {
		fmt.Fprintln(w, "ID\tKIND\tSUBSCRIBER\tAUTH\tTRAFFIC\tUSAGE\tPURPOSES\tAGE")
		for _, c := range conns {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				c.ID,
				c.Kind,
				orNA(c.Subscriber),
				yesNo(c.Authenticated),
				yesNo(c.TrafficReady),
				c.Usage,
				orNA(c.Purposes),
				age(c.Created),
			)
		}
	})
}

func formatConn(c *server.Conn, format string) (string, error) {
	return render(c, format, func(w io.Writer) {
		fmt.Fprintf(w, "ID:\t%d\n", c.ID)
		fmt.Fprintf(w, "Kind:\t%s\n", c.Kind)
		fmt.Fprintf(w, "Subscriber:\t%s\n", orNA(c.Subscriber))
		fmt.Fprintf(w, "Created:\t%s\n", timeOrNA(c.Created))
		fmt.Fprintf(w, "Authenticated:\t%s\n", yesNo(c.Authenticated))
		fmt.Fprintf(w, "Traffic Ready:\t%s\n", yesNo(c.TrafficReady))
		fmt.Fprintf(w, "Usage:\t%d\n", c.Usage)
		fmt.Fprintf(w, "Purposes:\t%s\n", orNA(c.Purposes))
		fmt.Fprintf(w, "Auth Pending:\t%s\n", yesNo(c.AuthPending))
		fmt.Fprintf(w, "Media Pending:\t%s\n", yesNo(c.MediaPending))
		fmt.Fprintf(w, "SS Pending:\t%s\n", yesNo(c.SSPending))
		fmt.Fprintf(w, "Challenges:\t%d\n", c.Challenges)
		if c.Removed {
			fmt.Fprintf(w, "Release At:\t%s\n", timeOrNA(c.ReleaseAt))
		}
	})
}

func formatJournal(events []store.ConnEvent, format string) (string, error) {
	return render(events, format, func(w io.Writer) {
		fmt.Fprintln(w, "TIME\tEPOCH\tCONN\tKIND\tEVENT\tSUBSCRIBER\tDETAIL")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				ev.At.Format(time.RFC3339),
				shortEpoch(ev.Epoch),
				ev.ConnID,
				orNA(ev.Kind),
				ev.Event,
				orNA(ev.Subscriber),
				ev.Detail,
			)
		}
	})
}

func formatSubscribers(subs []store.Subscriber, format string) (string, error) {
	return render(subs, format, func(w io.Writer) {
		fmt.Fprintln(w, "IMSI\tMSISDN\tSQN\tAMF\tBARRED")
		for _, s := range subs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%04x\t%s\n",
				s.IMSI, orNA(s.MSISDN), s.SQN, s.AMF, yesNo(s.Barred))
		}
	})
}

// formatEvent renders one live feed event on a single line.
func formatEvent(ev *server.Event, format string) (string, error) {
	if format != formatTable {
		out, err := render(ev, format, nil)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(out, "\n"), nil
	}

	ts := ev.At.Format(time.RFC3339)
	switch ev.Type {
	case server.EventState:
		line := fmt.Sprintf("[%s] state  %s -> %s  epoch=%s", ts, ev.OldState, ev.State, shortEpoch(ev.Epoch))
		if ev.Fatal {
			line += "  FATAL"
		}
		return line, nil
	case server.EventJournal:
		return fmt.Sprintf("[%s] %s  conn=%d  subscriber=%s  %s",
			ts, ev.Name, ev.ConnID, orNA(ev.Subscriber), ev.Detail), nil
	default:
		line := fmt.Sprintf("[%s] %s  conn=%d  kind=%s  subscriber=%s",
			ts, ev.Type, ev.ConnID, ev.Kind, orNA(ev.Subscriber))
		if ev.Detail != "" {
			line += "  reason=" + ev.Detail
		}
		return line, nil
	}
}

func orNA(s string) string {
	if s == "" {
		return valueNA
	}
	return s
}

func timeOrNA(t time.Time) string {
	if t.IsZero() {
		return valueNA
	}
	return t.Format(time.RFC3339)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func age(t time.Time) string {
	if t.IsZero() {
		return valueNA
	}
	return time.Since(t).Truncate(time.Second).String()
}

// shortEpoch keeps the first block of a UUID epoch.
func shortEpoch(epoch string) string {
	if epoch == "" {
		return valueNA
	}
	if i := strings.IndexByte(epoch, '-'); i > 0 {
		return epoch[:i]
	}
	return epoch
}
