package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
	"github.com/ryandielhenn/zephyrkv/pkg/kv"
)

// maxBody bounds request and response bodies.
const maxBody = 8 << 20

// Client is a gossip.Peer speaking to one node's Server. It holds no
// connection of its own; the underlying http.Client pools them.
type Client struct {
	id   gossip.Identity
	base string
	hc   *http.Client
}

func NewClient(id gossip.Identity, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{id: id, base: "http://" + id.Addr(), hc: hc}
}

// Dialer returns a gossip.Dialer whose peers share hc.
func Dialer(hc *http.Client) gossip.Dialer {
	return func(id gossip.Identity) gossip.Peer { return NewClient(id, hc) }
}

func (c *Client) Identity() gossip.Identity { return c.id }

func (c *Client) Ping(ctx context.Context) (bool, error) {
	var out Ack
	if err := c.post(ctx, PathPing, struct{}{}, &out); err != nil {
		return false, err
	}
	return out.Ack, nil
}

func (c *Client) PingRequest(ctx context.Context, target gossip.Identity) (bool, error) {
	var out Ack
	if err := c.post(ctx, PathPingRequest, PingTargetOf(target), &out); err != nil {
		return false, err
	}
	return out.Ack, nil
}

func (c *Client) StateSync(ctx context.Context, from gossip.Identity, st gossip.State) (gossip.State, error) {
	var out StateMessage
	if err := c.post(ctx, PathStateSync, StateMessageOf(from, st), &out); err != nil {
		return gossip.State{}, err
	}
	_, merged, err := out.Decode()
	if err != nil {
		return gossip.State{}, fmt.Errorf("%w: %s: %w", ErrInvalidResponse, c.id, err)
	}
	return merged, nil
}

func (c *Client) Coordinate(ctx context.Context, b kv.Batch) (*kv.BatchResponse, error) {
	table, err := b.Table()
	if err != nil {
		return nil, err
	}
	var out CoordinateResponse
	if err := c.post(ctx, PathCoordinate, CoordinateRequestOf(table, b), &out); err != nil {
		return nil, err
	}
	res, err := out.BatchResponse()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidResponse, c.id, err)
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("rpc: encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc: %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNodeUnreachable, c.id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNodeUnreachable, c.id, err)
	}
	if resp.StatusCode != http.StatusOK {
		var er ErrorResponse
		_ = json.Unmarshal(data, &er)
		msg := er.Error
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("%s %s: %s: %w", c.id, path, msg, errors.Join(errorOf(resp.StatusCode)...))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrInvalidResponse, c.id, path, err)
	}
	return nil
}
