package server

import (
	"context"

	"connectrpc.com/connect"
)

// Client calls the status service.
type Client struct {
	getStatus         *connect.Client[GetStatusRequest, GetStatusResponse]
	listConnections   *connect.Client[ListConnectionsRequest, ListConnectionsResponse]
	getConnection     *connect.Client[GetConnectionRequest, GetConnectionResponse]
	releaseConnection *connect.Client[ReleaseConnectionRequest, ReleaseConnectionResponse]
	startPaging       *connect.Client[StartPagingRequest, StartPagingResponse]
	stopPaging        *connect.Client[StopPagingRequest, StopPagingResponse]
	resetLink         *connect.Client[ResetLinkRequest, ResetLinkResponse]
	listEvents        *connect.Client[ListEventsRequest, ListEventsResponse]
	listSubscribers   *connect.Client[ListSubscribersRequest, ListSubscribersResponse]
}

// NewClient creates a client for the service at baseURL
// (e.g., "http://localhost:50061").
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	opts = append(opts, connect.WithCodec(jsonCodec{}))
	return &Client{
		getStatus:         connect.NewClient[GetStatusRequest, GetStatusResponse](httpClient, baseURL+GetStatusProcedure, opts...),
		listConnections:   connect.NewClient[ListConnectionsRequest, ListConnectionsResponse](httpClient, baseURL+ListConnectionsProcedure, opts...),
		getConnection:     connect.NewClient[GetConnectionRequest, GetConnectionResponse](httpClient, baseURL+GetConnectionProcedure, opts...),
		releaseConnection: connect.NewClient[ReleaseConnectionRequest, ReleaseConnectionResponse](httpClient, baseURL+ReleaseConnectionProcedure, opts...),
		startPaging:       connect.NewClient[StartPagingRequest, StartPagingResponse](httpClient, baseURL+StartPagingProcedure, opts...),
		stopPaging:        connect.NewClient[StopPagingRequest, StopPagingResponse](httpClient, baseURL+StopPagingProcedure, opts...),
		resetLink:         connect.NewClient[ResetLinkRequest, ResetLinkResponse](httpClient, baseURL+ResetLinkProcedure, opts...),
		listEvents:        connect.NewClient[ListEventsRequest, ListEventsResponse](httpClient, baseURL+ListEventsProcedure, opts...),
		listSubscribers:   connect.NewClient[ListSubscribersRequest, ListSubscribersResponse](httpClient, baseURL+ListSubscribersProcedure, opts...),
	}
}

func (c *Client) GetStatus(ctx context.Context) (*GetStatusResponse, error) {
	return call(ctx, c.getStatus, &GetStatusRequest{})
}

func (c *Client) ListConnections(ctx context.Context, kind string) (*ListConnectionsResponse, error) {
	return call(ctx, c.listConnections, &ListConnectionsRequest{Kind: kind})
}

func (c *Client) GetConnection(ctx context.Context, id uint16) (*GetConnectionResponse, error) {
	return call(ctx, c.getConnection, &GetConnectionRequest{ID: id})
}

func (c *Client) ReleaseConnection(ctx context.Context, id uint16, hard bool) error {
	_, err := call(ctx, c.releaseConnection, &ReleaseConnectionRequest{ID: id, Hard: hard})
	return err
}

func (c *Client) StartPaging(ctx context.Context, imsi, typ string) error {
	_, err := call(ctx, c.startPaging, &StartPagingRequest{IMSI: imsi, Type: typ})
	return err
}

func (c *Client) StopPaging(ctx context.Context, imsi string) error {
	_, err := call(ctx, c.stopPaging, &StopPagingRequest{IMSI: imsi})
	return err
}

func (c *Client) ResetLink(ctx context.Context) error {
	_, err := call(ctx, c.resetLink, &ResetLinkRequest{})
	return err
}

func (c *Client) ListEvents(ctx context.Context, subscriber string, limit int) (*ListEventsResponse, error) {
	return call(ctx, c.listEvents, &ListEventsRequest{Subscriber: subscriber, Limit: limit})
}

func (c *Client) ListSubscribers(ctx context.Context) (*ListSubscribersResponse, error) {
	return call(ctx, c.listSubscribers, &ListSubscribersRequest{})
}

func call[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], req *Req) (*Res, error) {
	resp, err := c.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}
