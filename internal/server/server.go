// Package server implements the operator surface of the daemon: a
// ConnectRPC status service and a websocket event feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"connectrpc.com/connect"

	"github.com/security-geeks/evilbts/internal/store"
	"github.com/security-geeks/evilbts/internal/ybts"
)

// Errors returned to clients.
var (
	ErrEmptyIMSI   = errors.New("imsi must not be empty")
	ErrUnknownKind = errors.New("kind must be circuit or gprs")
	ErrNoStore     = errors.New("no store configured")
)

// Core is the signaling core as seen by the status service.
type Core interface {
	Status() ybts.Status
	Conn(id uint16) (ybts.ConnInfo, bool)
	Conns() []ybts.ConnInfo
	PacketConns() []ybts.GprsInfo
	Release(id uint16, hard bool, reason string) error
	StartPaging(identity string, params ybts.Params) error
	StopPaging(identity string) error
	ResetLink() error
}

// Peer reports on the radio-side process.
type Peer interface {
	Pid() int
	Spawns() uint64
}

// Journal reads the connection journal.
type Journal interface {
	Recent(ctx context.Context, subscriber string, limit int) ([]store.ConnEvent, error)
	Dropped() uint64
}

// Subscribers lists provisioned subscribers.
type Subscribers interface {
	List(ctx context.Context) ([]store.Subscriber, error)
}

// defaultEventLimit caps ListEvents when the request sets no limit.
const defaultEventLimit = 50

// StatusServer serves the status procedures.
type StatusServer struct {
	core    Core
	peer    Peer
	journal Journal
	subs    Subscribers
	logger  *slog.Logger
}

// Option configures optional StatusServer collaborators.
type Option func(*StatusServer)

// WithPeer reports the radio-side process in GetStatus.
func WithPeer(p Peer) Option {
	return func(s *StatusServer) { s.peer = p }
}

// WithJournal enables ListEvents.
func WithJournal(j Journal) Option {
	return func(s *StatusServer) { s.journal = j }
}

// WithSubscribers enables ListSubscribers.
func WithSubscribers(r Subscribers) Option {
	return func(s *StatusServer) { s.subs = r }
}

// New creates the status service and returns its path prefix and handler.
func New(core Core, logger *slog.Logger, opts []Option, handlerOpts ...connect.HandlerOption) (string, http.Handler) {
	s := &StatusServer{
		core:   core,
		logger: logger.With(slog.String("component", "server.status")),
	}
	for _, o := range opts {
		o(s)
	}

	handlerOpts = append(handlerOpts, connect.WithCodec(jsonCodec{}))
	mux := http.NewServeMux()
	mux.Handle(GetStatusProcedure, connect.NewUnaryHandler(GetStatusProcedure, s.GetStatus, handlerOpts...))
	mux.Handle(ListConnectionsProcedure, connect.NewUnaryHandler(ListConnectionsProcedure, s.ListConnections, handlerOpts...))
	mux.Handle(GetConnectionProcedure, connect.NewUnaryHandler(GetConnectionProcedure, s.GetConnection, handlerOpts...))
	mux.Handle(ReleaseConnectionProcedure, connect.NewUnaryHandler(ReleaseConnectionProcedure, s.ReleaseConnection, handlerOpts...))
	mux.Handle(StartPagingProcedure, connect.NewUnaryHandler(StartPagingProcedure, s.StartPaging, handlerOpts...))
	mux.Handle(StopPagingProcedure, connect.NewUnaryHandler(StopPagingProcedure, s.StopPaging, handlerOpts...))
	mux.Handle(ResetLinkProcedure, connect.NewUnaryHandler(ResetLinkProcedure, s.ResetLink, handlerOpts...))
	mux.Handle(ListEventsProcedure, connect.NewUnaryHandler(ListEventsProcedure, s.ListEvents, handlerOpts...))
	mux.Handle(ListSubscribersProcedure, connect.NewUnaryHandler(ListSubscribersProcedure, s.ListSubscribers, handlerOpts...))
	return "/" + ServiceName + "/", mux
}

// GetStatus returns the link status.
func (s *StatusServer) GetStatus(
	_ context.Context,
	_ *connect.Request[GetStatusRequest],
) (*connect.Response[GetStatusResponse], error) {
	resp := statusFrom(s.core.Status())
	if s.peer != nil {
		resp.PeerPid = s.peer.Pid()
		resp.PeerSpawns = s.peer.Spawns()
	}
	if s.journal != nil {
		resp.JournalDropped = s.journal.Dropped()
	}
	return connect.NewResponse(&resp), nil
}

// ListConnections returns the connection tables ordered by id.
func (s *StatusServer) ListConnections(
	_ context.Context,
	req *connect.Request[ListConnectionsRequest],
) (*connect.Response[ListConnectionsResponse], error) {
	kind := req.Msg.Kind
	if kind != "" && kind != ybts.KindCircuit && kind != ybts.KindGprs {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("kind %q: %w", kind, ErrUnknownKind))
	}

	var conns []Conn
	if kind != ybts.KindGprs {
		for _, info := range s.core.Conns() {
			conns = append(conns, connFrom(info))
		}
	}
	if kind != ybts.KindCircuit {
		for _, info := range s.core.PacketConns() {
			conns = append(conns, gprsConnFrom(info))
		}
	}
	slices.SortFunc(conns, func(a, b Conn) int { return int(a.ID) - int(b.ID) })

	return connect.NewResponse(&ListConnectionsResponse{Conns: conns}), nil
}

// GetConnection returns one circuit record.
func (s *StatusServer) GetConnection(
	_ context.Context,
	req *connect.Request[GetConnectionRequest],
) (*connect.Response[GetConnectionResponse], error) {
	info, ok := s.core.Conn(req.Msg.ID)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound,
			fmt.Errorf("connection %d: %w", req.Msg.ID, ybts.ErrConnGone))
	}
	return connect.NewResponse(&GetConnectionResponse{Conn: connFrom(info)}), nil
}

// ReleaseConnection releases a circuit record on operator request.
func (s *StatusServer) ReleaseConnection(
	ctx context.Context,
	req *connect.Request[ReleaseConnectionRequest],
) (*connect.Response[ReleaseConnectionResponse], error) {
	if err := s.core.Release(req.Msg.ID, req.Msg.Hard, ybts.ReasonOperator); err != nil {
		return nil, coreError(err)
	}
	s.logger.InfoContext(ctx, "connection released by operator",
		slog.Uint64("conn_id", uint64(req.Msg.ID)),
		slog.Bool("hard", req.Msg.Hard),
	)
	return connect.NewResponse(&ReleaseConnectionResponse{}), nil
}

// StartPaging asks the radio side to page a subscriber.
func (s *StatusServer) StartPaging(
	_ context.Context,
	req *connect.Request[StartPagingRequest],
) (*connect.Response[StartPagingResponse], error) {
	imsi := strings.TrimSpace(req.Msg.IMSI)
	if imsi == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, ErrEmptyIMSI)
	}
	var params ybts.Params
	if req.Msg.Type != "" {
		params.Set("type", req.Msg.Type)
	}
	if err := s.core.StartPaging(imsi, params); err != nil {
		return nil, coreError(err)
	}
	return connect.NewResponse(&StartPagingResponse{}), nil
}

// StopPaging cancels paging for a subscriber.
func (s *StatusServer) StopPaging(
	_ context.Context,
	req *connect.Request[StopPagingRequest],
) (*connect.Response[StopPagingResponse], error) {
	imsi := strings.TrimSpace(req.Msg.IMSI)
	if imsi == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, ErrEmptyIMSI)
	}
	if err := s.core.StopPaging(imsi); err != nil {
		return nil, coreError(err)
	}
	return connect.NewResponse(&StopPagingResponse{}), nil
}

// ResetLink drops the signaling transport; the peer process is restarted.
func (s *StatusServer) ResetLink(
	ctx context.Context,
	_ *connect.Request[ResetLinkRequest],
) (*connect.Response[ResetLinkResponse], error) {
	if err := s.core.ResetLink(); err != nil {
		return nil, coreError(err)
	}
	s.logger.WarnContext(ctx, "link reset by operator")
	return connect.NewResponse(&ResetLinkResponse{}), nil
}

// ListEvents returns recent journal rows, newest first.
func (s *StatusServer) ListEvents(
	ctx context.Context,
	req *connect.Request[ListEventsRequest],
) (*connect.Response[ListEventsResponse], error) {
	if s.journal == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, ErrNoStore)
	}
	limit := req.Msg.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	events, err := s.journal.Recent(ctx, req.Msg.Subscriber, limit)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&ListEventsResponse{Events: events}), nil
}

// ListSubscribers returns the provisioned subscribers without keys.
func (s *StatusServer) ListSubscribers(
	ctx context.Context,
	_ *connect.Request[ListSubscribersRequest],
) (*connect.Response[ListSubscribersResponse], error) {
	if s.subs == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, ErrNoStore)
	}
	subs, err := s.subs.List(ctx)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&ListSubscribersResponse{Subscribers: subs}), nil
}

// coreError maps signaling core errors to connect codes.
func coreError(err error) error {
	switch {
	case errors.Is(err, ybts.ErrConnGone):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, ybts.ErrNotRunning), errors.Is(err, ybts.ErrNotConnected):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, ybts.ErrNotOpen):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
