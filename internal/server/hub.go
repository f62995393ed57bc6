package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/security-geeks/evilbts/internal/store"
	"github.com/security-geeks/evilbts/internal/ybts"
)

// EventsPath is where the hub is mounted on the API listener.
const EventsPath = "/events"

// Event types.
const (
	EventState        = "state"
	EventConnCreated  = "conn_created"
	EventConnReleased = "conn_released"
	EventJournal      = "journal"
)

const (
	hubQueue     = 256
	clientQueue  = 64
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	readLimit    = 512
)

// Event is one message of the live feed.
type Event struct {
	Type     string    `json:"type" yaml:"type"`
	At       time.Time `json:"at" yaml:"at"`
	Epoch    string    `json:"epoch,omitempty" yaml:"epoch,omitempty"`
	OldState string    `json:"old_state,omitempty" yaml:"old_state,omitempty"`
	State    string    `json:"state,omitempty" yaml:"state,omitempty"`
	Fatal    bool      `json:"fatal,omitempty" yaml:"fatal,omitempty"`

	ConnID     uint16 `json:"conn_id,omitempty" yaml:"conn_id,omitempty"`
	Kind       string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Subscriber string `json:"subscriber,omitempty" yaml:"subscriber,omitempty"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Detail     string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to websocket clients. It observes connection
// lifecycle and journal events; slow clients miss events rather than
// stall the core.
type Hub struct {
	events   chan Event
	done     chan struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger

	dropped atomic.Uint64

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

var _ ybts.ConnObserver = (*Hub)(nil)

// NewHub creates a hub. Run must be started before events flow.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		events: make(chan Event, hubQueue),
		done:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger:  logger.With(slog.String("component", "server.hub")),
		clients: make(map[*hubClient]struct{}),
	}
}

// Run broadcasts queued events until ctx ends, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-h.events:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to marshal event",
					slog.String("type", ev.Type),
					slog.String("error", err.Error()),
				)
				continue
			}
			h.fanout(data)
		}
	}
}

func (h *Hub) fanout(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	close(h.done)
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many client deliveries were skipped.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Broadcast queues ev. It never blocks.
func (h *Hub) Broadcast(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case h.events <- ev:
	case <-h.done:
	default:
		h.dropped.Add(1)
	}
}

// -------------------------------------------------------------------------
// Sources
// -------------------------------------------------------------------------

// StateChanged publishes a link state change.
func (h *Hub) StateChanged(sc ybts.StateChange) {
	h.Broadcast(Event{
		Type:     EventState,
		Epoch:    sc.Epoch,
		OldState: sc.OldState.String(),
		State:    sc.NewState.String(),
		Fatal:    sc.Fatal,
	})
}

// ConnCreated implements ybts.ConnObserver.
func (h *Hub) ConnCreated(info ybts.ConnInfo) {
	h.Broadcast(Event{
		Type:       EventConnCreated,
		ConnID:     info.ID,
		Kind:       ybts.KindCircuit,
		Subscriber: refString(info.SessionRef),
	})
}

// ConnReleased implements ybts.ConnObserver.
func (h *Hub) ConnReleased(info ybts.ConnInfo, reason string) {
	h.Broadcast(Event{
		Type:       EventConnReleased,
		ConnID:     info.ID,
		Kind:       ybts.KindCircuit,
		Subscriber: refString(info.SessionRef),
		Detail:     reason,
	})
}

// Record publishes a journal event such as an authentication outcome.
func (h *Hub) Record(ev store.ConnEvent) {
	h.Broadcast(Event{
		Type:       EventJournal,
		At:         ev.At,
		Epoch:      ev.Epoch,
		ConnID:     ev.ConnID,
		Kind:       ev.Kind,
		Subscriber: ev.Subscriber,
		Name:       ev.Event,
		Detail:     ev.Detail,
	})
}

// -------------------------------------------------------------------------
// HTTP
// -------------------------------------------------------------------------

// ServeHTTP upgrades the request and streams events until either side
// closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	c := &hubClient{conn: conn, send: make(chan []byte, clientQueue)}
	if !h.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}
	h.logger.Debug("websocket client connected", slog.String("remote", r.RemoteAddr))

	go h.writeLoop(c)

	// Clients only send control frames; reading detects the close.
	conn.SetReadLimit(readLimit)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
	h.logger.Debug("websocket client disconnected", slog.String("remote", r.RemoteAddr))
}

func (h *Hub) add(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) writeLoop(c *hubClient) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
