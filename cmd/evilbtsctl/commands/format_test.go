package commands

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/security-geeks/evilbts/internal/server"
	"github.com/security-geeks/evilbts/internal/store"
)

func sampleConns() []server.Conn {
	return []server.Conn{
		{ID: 1, Kind: "circuit", Subscriber: "001010000000001", Authenticated: true, Usage: 2, Purposes: "call"},
		{ID: 0x8000, Kind: "gprs"},
	}
}

func TestFormatConnsTable(t *testing.T) {
	t.Parallel()

	out, err := formatConns(sampleConns(), formatTable)
	if err != nil {
		t.Fatalf("formatConns: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header plus 2:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "ID") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "001010000000001") || !strings.Contains(lines[1], "yes") {
		t.Errorf("circuit row = %q", lines[1])
	}
	if !strings.Contains(lines[2], "32768") || !strings.Contains(lines[2], valueNA) {
		t.Errorf("gprs row = %q", lines[2])
	}
}

func TestFormatConnsJSONAndYAML(t *testing.T) {
	t.Parallel()

	out, err := formatConns(sampleConns(), formatJSON)
	if err != nil {
		t.Fatalf("formatConns json: %v", err)
	}
	var fromJSON []server.Conn
	if err := json.Unmarshal([]byte(out), &fromJSON); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(fromJSON) != 2 || fromJSON[0].Subscriber != "001010000000001" {
		t.Errorf("json = %+v", fromJSON)
	}

	out, err = formatConns(sampleConns(), formatYAML)
	if err != nil {
		t.Fatalf("formatConns yaml: %v", err)
	}
	var fromYAML []map[string]any
	if err := yaml.Unmarshal([]byte(out), &fromYAML); err != nil {
		t.Fatalf("output is not YAML: %v", err)
	}
	if len(fromYAML) != 2 || fromYAML[1]["kind"] != "gprs" {
		t.Errorf("yaml = %+v", fromYAML)
	}
}

func TestFormatUnsupported(t *testing.T) {
	t.Parallel()

	_, err := formatConns(nil, "xml")
	if !errors.Is(err, errUnsupportedFormat) {
		t.Errorf("err = %v, want errUnsupportedFormat", err)
	}
}

func TestFormatStatusTable(t *testing.T) {
	t.Parallel()

	out, err := formatStatus(&server.GetStatusResponse{
		Role:         "responder",
		State:        "Running",
		Epoch:        "3f2a91c0-0000-4000-8000-000000000000",
		CircuitConns: 2,
		CircuitSlots: 64,
		PeerPid:      4242,
	}, formatTable)
	if err != nil {
		t.Fatalf("formatStatus: %v", err)
	}

	for _, want := range []string{"Running", "2/64", "4242", "3f2a91c0-0000"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatEventTable(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		ev   server.Event
		want []string
	}{
		{
			name: "fatal state",
			ev:   server.Event{Type: server.EventState, At: at, OldState: "WaitHandshake", State: "Closing", Epoch: "abcd-ef", Fatal: true},
			want: []string{"WaitHandshake -> Closing", "epoch=abcd", "FATAL"},
		},
		{
			name: "journal",
			ev:   server.Event{Type: server.EventJournal, At: at, Name: store.EventAuth, ConnID: 4, Subscriber: "001010000000001", Detail: "accepted"},
			want: []string{"auth", "conn=4", "accepted"},
		},
		{
			name: "release",
			ev:   server.Event{Type: server.EventConnReleased, At: at, ConnID: 4, Kind: "circuit", Detail: "idle"},
			want: []string{"conn_released", "subscriber=N/A", "reason=idle"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out, err := formatEvent(&tt.ev, formatTable)
			if err != nil {
				t.Fatalf("formatEvent: %v", err)
			}
			if strings.Contains(out, "\n") {
				t.Errorf("event spans lines: %q", out)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output %q missing %q", out, w)
				}
			}
		})
	}
}

func TestFormatEventJSONNoTrailingNewline(t *testing.T) {
	t.Parallel()

	out, err := formatEvent(&server.Event{Type: server.EventConnCreated, ConnID: 1}, formatJSON)
	if err != nil {
		t.Fatalf("formatEvent: %v", err)
	}
	if strings.HasSuffix(out, "\n") {
		t.Errorf("trailing newline in %q", out)
	}
}

func TestParseConnID(t *testing.T) {
	t.Parallel()

	if id, err := parseConnID("32769"); err != nil || id != 32769 {
		t.Errorf("parseConnID(32769) = %d, %v", id, err)
	}
	for _, bad := range []string{"", "-1", "65536", "x"} {
		if _, err := parseConnID(bad); err == nil {
			t.Errorf("parseConnID(%q) succeeded", bad)
		}
	}
}

func TestShortEpoch(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":              valueNA,
		"plain":         "plain",
		"1234abcd-0000": "1234abcd",
	}
	for in, want := range tests {
		if got := shortEpoch(in); got != want {
			t.Errorf("shortEpoch(%q) = %q, want %q", in, got, want)
		}
	}
}
