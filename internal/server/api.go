package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/security-geeks/evilbts/internal/store"
	appversion "github.com/security-geeks/evilbts/internal/version"
	"github.com/security-geeks/evilbts/internal/ybts"
)

// ServiceName is the fully qualified status service name.
const ServiceName = "evilbts.v1.StatusService"

// Procedure paths.
const (
	GetStatusProcedure         = "/" + ServiceName + "/GetStatus"
	ListConnectionsProcedure   = "/" + ServiceName + "/ListConnections"
	GetConnectionProcedure     = "/" + ServiceName + "/GetConnection"
	ReleaseConnectionProcedure = "/" + ServiceName + "/ReleaseConnection"
	StartPagingProcedure       = "/" + ServiceName + "/StartPaging"
	StopPagingProcedure        = "/" + ServiceName + "/StopPaging"
	ResetLinkProcedure         = "/" + ServiceName + "/ResetLink"
	ListEventsProcedure        = "/" + ServiceName + "/ListEvents"
	ListSubscribersProcedure   = "/" + ServiceName + "/ListSubscribers"
)

// -------------------------------------------------------------------------
// Messages
// -------------------------------------------------------------------------

type GetStatusRequest struct{}

// GetStatusResponse describes the link and the radio-side process.
type GetStatusResponse struct {
	Role             string          `json:"role" yaml:"role"`
	State            string          `json:"state" yaml:"state"`
	Epoch            string          `json:"epoch,omitempty" yaml:"epoch,omitempty"`
	UpSince          time.Time       `json:"up_since,omitzero" yaml:"up_since,omitempty"`
	Restarts         uint64          `json:"restarts" yaml:"restarts"`
	MessagesSent     uint64          `json:"messages_sent" yaml:"messages_sent"`
	MessagesReceived uint64          `json:"messages_received" yaml:"messages_received"`
	MessagesDropped  uint64          `json:"messages_dropped" yaml:"messages_dropped"`
	CircuitConns     int             `json:"circuit_conns" yaml:"circuit_conns"`
	CircuitSlots     int             `json:"circuit_slots" yaml:"circuit_slots"`
	GprsConns        int             `json:"gprs_conns" yaml:"gprs_conns"`
	GprsSlots        int             `json:"gprs_slots" yaml:"gprs_slots"`
	PeerPid          int             `json:"peer_pid,omitempty" yaml:"peer_pid,omitempty"`
	PeerSpawns       uint64          `json:"peer_spawns" yaml:"peer_spawns"`
	JournalDropped   uint64          `json:"journal_dropped" yaml:"journal_dropped"`
	Build            appversion.Info `json:"build" yaml:"build"`
}

// Conn is one connection record.
type Conn struct {
	ID            uint16    `json:"id" yaml:"id"`
	Kind          string    `json:"kind" yaml:"kind"`
	Subscriber    string    `json:"subscriber,omitempty" yaml:"subscriber,omitempty"`
	Created       time.Time `json:"created" yaml:"created"`
	Authenticated bool      `json:"authenticated" yaml:"authenticated"`
	TrafficReady  bool      `json:"traffic_ready" yaml:"traffic_ready"`
	Usage         uint32    `json:"usage" yaml:"usage"`
	Purposes      string    `json:"purposes,omitempty" yaml:"purposes,omitempty"`
	AuthPending   bool      `json:"auth_pending,omitempty" yaml:"auth_pending,omitempty"`
	MediaPending  bool      `json:"media_pending,omitempty" yaml:"media_pending,omitempty"`
	SSPending     bool      `json:"ss_pending,omitempty" yaml:"ss_pending,omitempty"`
	Challenges    int       `json:"challenges,omitempty" yaml:"challenges,omitempty"`
	Removed       bool      `json:"removed,omitempty" yaml:"removed,omitempty"`
	ReleaseAt     time.Time `json:"release_at,omitzero" yaml:"release_at,omitempty"`
	GraceUntil    time.Time `json:"grace_until,omitzero" yaml:"grace_until,omitempty"`
}

// ListConnectionsRequest filters by kind: "circuit", "gprs" or empty for
// both.
type ListConnectionsRequest struct {
	Kind string `json:"kind,omitempty"`
}

type ListConnectionsResponse struct {
	Conns []Conn `json:"conns" yaml:"conns"`
}

type GetConnectionRequest struct {
	ID uint16 `json:"id"`
}

type GetConnectionResponse struct {
	Conn Conn `json:"conn" yaml:"conn"`
}

type ReleaseConnectionRequest struct {
	ID   uint16 `json:"id"`
	Hard bool   `json:"hard,omitempty"`
}

type ReleaseConnectionResponse struct{}

// StartPagingRequest pages imsi. Type is passed to the radio side as the
// paging "type" parameter when set.
type StartPagingRequest struct {
	IMSI string `json:"imsi"`
	Type string `json:"type,omitempty"`
}

type StartPagingResponse struct{}

type StopPagingRequest struct {
	IMSI string `json:"imsi"`
}

type StopPagingResponse struct{}

type ResetLinkRequest struct{}

type ResetLinkResponse struct{}

// ListEventsRequest returns the newest journal rows, optionally for one
// subscriber.
type ListEventsRequest struct {
	Subscriber string `json:"subscriber,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type ListEventsResponse struct {
	Events []store.ConnEvent `json:"events" yaml:"events"`
}

type ListSubscribersRequest struct{}

type ListSubscribersResponse struct {
	Subscribers []store.Subscriber `json:"subscribers" yaml:"subscribers"`
}

// -------------------------------------------------------------------------
// Conversions
// -------------------------------------------------------------------------

func statusFrom(s ybts.Status) GetStatusResponse {
	return GetStatusResponse{
		Role:             s.Role.String(),
		State:            s.State.String(),
		Epoch:            s.Epoch,
		UpSince:          s.UpSince,
		Restarts:         s.Restarts,
		MessagesSent:     s.MessagesSent,
		MessagesReceived: s.MessagesReceived,
		MessagesDropped:  s.MessagesDropped,
		CircuitConns:     s.CircuitConns,
		CircuitSlots:     s.CircuitSlots,
		GprsConns:        s.GprsConns,
		GprsSlots:        s.GprsSlots,
		Build:            appversion.Get(),
	}
}

func connFrom(info ybts.ConnInfo) Conn {
	c := Conn{
		ID:            info.ID,
		Kind:          ybts.KindCircuit,
		Subscriber:    refString(info.SessionRef),
		Created:       info.Created,
		Authenticated: info.Authenticated,
		TrafficReady:  info.TrafficReady,
		Usage:         info.Usage,
		AuthPending:   info.AuthPending,
		MediaPending:  info.MediaPending,
		SSPending:     info.SSPending,
		Challenges:    info.ChallengesSent,
		Removed:       info.Removed,
		ReleaseAt:     info.ReleaseAt,
		GraceUntil:    info.GraceUntil,
	}
	if info.Purposes != 0 {
		c.Purposes = info.Purposes.String()
	}
	return c
}

func gprsConnFrom(info ybts.GprsInfo) Conn {
	return Conn{
		ID:            info.ID,
		Kind:          ybts.KindGprs,
		Subscriber:    refString(info.SessionRef),
		Created:       info.Created,
		Authenticated: true,
		TrafficReady:  true,
	}
}

func refString(ref ybts.SessionRef) string {
	if ref == nil {
		return ""
	}
	return fmt.Sprint(ref)
}

// -------------------------------------------------------------------------
// Codec
// -------------------------------------------------------------------------

// jsonCodec carries the plain Go messages above as JSON. It replaces the
// protobuf JSON codec under the same name.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
