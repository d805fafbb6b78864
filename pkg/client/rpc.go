package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaykv/relaykv/internal/cryptosession"
	"github.com/relaykv/relaykv/internal/storage"
	"github.com/relaykv/relaykv/internal/wire"
)

const defaultRequestTimeout = 5 * time.Second

// send implements §4.7's Send step: wait for a live, authenticated
// connection, encrypt and transmit the request, register a pending
// continuation with a timeout, and block for its resolution.
func (c *Client) send(ctx context.Context, req *wire.Request) (json.RawMessage, error) {
	timeout := c.cfg.RequestTimeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	waitUntil := time.Now().Add(timeout)
	for !c.connected.Load() || !c.authenticated.Load() {
		if c.closing.Load() || time.Now().After(waitUntil) {
			return nil, fmt.Errorf("client: not connected")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	req.ID = uuid.NewString()
	pr := &pendingRequest{
		resultCh: make(chan json.RawMessage, 1),
		errCh:    make(chan string, 1),
	}
	c.pending.Store(req.ID, pr)
	defer c.pending.Delete(req.ID)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("client: marshal request: %w", err)
	}

	c.mu.Lock()
	key := c.sessionKey
	conn := c.conn
	c.mu.Unlock()

	sealed, err := cryptosession.SealFrame(key, body)
	if err != nil {
		return nil, fmt.Errorf("client: seal request: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(sealed)); err != nil {
		return nil, fmt.Errorf("client: write request: %w", err)
	}

	select {
	case result := <-pr.resultCh:
		return result, nil
	case errMsg := <-pr.errCh:
		return nil, fmt.Errorf("client: %s", errMsg)
	case <-time.After(timeout):
		return nil, fmt.Errorf("client: request %s timed out", req.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --------------------------------------------------------------------------
// storage.Adapter implementation
// --------------------------------------------------------------------------

func (c *Client) Get(ctx context.Context, collection, key string) (json.RawMessage, bool, error) {
	result, err := c.send(ctx, &wire.Request{Action: wire.ActionGet, Collection: collection, Key: key})
	if err != nil {
		c.bus.Emit(storage.Event{Kind: storage.EventError, Collection: collection, Key: key, Err: err})
		return nil, false, err
	}
	var r wire.GetResult
	if err := json.Unmarshal(result, &r); err != nil {
		return nil, false, fmt.Errorf("client: decode get result: %w", err)
	}
	if string(r.Value) == "null" {
		return nil, false, nil
	}
	c.bus.Emit(storage.Event{Kind: storage.EventGet, Collection: collection, Key: key, Value: r.Value})
	return r.Value, true, nil
}

func (c *Client) Has(ctx context.Context, collection, key string) (bool, error) {
	_, found, err := c.Get(ctx, collection, key)
	return found, err
}

func (c *Client) Set(ctx context.Context, collection, key string, value json.RawMessage) error {
	_, err := c.send(ctx, &wire.Request{Action: wire.ActionSet, Collection: collection, Key: key, Value: value})
	if err != nil {
		c.bus.Emit(storage.Event{Kind: storage.EventError, Collection: collection, Key: key, Err: err})
		return err
	}
	c.bus.Emit(storage.Event{Kind: storage.EventSet, Collection: collection, Key: key, Value: value})
	return nil
}

func (c *Client) Delete(ctx context.Context, collection, key string) (bool, error) {
	result, err := c.send(ctx, &wire.Request{Action: wire.ActionDelete, Collection: collection, Key: key})
	if err != nil {
		c.bus.Emit(storage.Event{Kind: storage.EventError, Collection: collection, Key: key, Err: err})
		return false, err
	}
	var r wire.DeleteResult
	if err := json.Unmarshal(result, &r); err != nil {
		return false, fmt.Errorf("client: decode delete result: %w", err)
	}
	if r.Success {
		c.bus.Emit(storage.Event{Kind: storage.EventDelete, Collection: collection, Key: key})
	}
	return r.Success, nil
}

func (c *Client) Clear(ctx context.Context, collection string) (int, error) {
	result, err := c.send(ctx, &wire.Request{Action: wire.ActionClear, Collection: collection})
	if err != nil {
		c.bus.Emit(storage.Event{Kind: storage.EventError, Collection: collection, Err: err})
		return 0, err
	}
	var r wire.ClearResult
	if err := json.Unmarshal(result, &r); err != nil {
		return 0, fmt.Errorf("client: decode clear result: %w", err)
	}
	c.bus.Emit(storage.Event{Kind: storage.EventClear, Collection: collection, Count: r.Count})
	return r.Count, nil
}

func (c *Client) Size(ctx context.Context, collection string) (int, error) {
	result, err := c.send(ctx, &wire.Request{Action: wire.ActionSize, Collection: collection})
	if err != nil {
		return 0, err
	}
	var r wire.SizeResult
	if err := json.Unmarshal(result, &r); err != nil {
		return 0, fmt.Errorf("client: decode size result: %w", err)
	}
	return r.Size, nil
}

func (c *Client) Keys(ctx context.Context, collection string) ([]string, error) {
	result, err := c.send(ctx, &wire.Request{Action: wire.ActionKeys, Collection: collection})
	if err != nil {
		return nil, err
	}
	var r wire.KeysResult
	if err := json.Unmarshal(result, &r); err != nil {
		return nil, fmt.Errorf("client: decode keys result: %w", err)
	}
	return r.Keys, nil
}

// AdminListUsers issues the admin_list_users action. It only succeeds
// if the server resolves this client's token to an admin tenant.
func (c *Client) AdminListUsers(ctx context.Context) ([]wire.UserSummary, error) {
	result, err := c.send(ctx, &wire.Request{Action: wire.ActionAdminListUsers})
	if err != nil {
		return nil, err
	}
	var r wire.AdminListUsersResult
	if err := json.Unmarshal(result, &r); err != nil {
		return nil, fmt.Errorf("client: decode admin list result: %w", err)
	}
	return r.Users, nil
}

// AdminDeleteUser issues the admin_delete_user action for userID.
func (c *Client) AdminDeleteUser(ctx context.Context, userID string) (bool, error) {
	result, err := c.send(ctx, &wire.Request{Action: wire.ActionAdminDeleteUser, UserID: userID})
	if err != nil {
		return false, err
	}
	var r wire.AdminDeleteUserResult
	if err := json.Unmarshal(result, &r); err != nil {
		return false, fmt.Errorf("client: decode admin delete result: %w", err)
	}
	return r.Success, nil
}

// AdminUserInfo issues the admin_user_info action for userID.
func (c *Client) AdminUserInfo(ctx context.Context, userID string) (*wire.AdminUserInfoResult, error) {
	result, err := c.send(ctx, &wire.Request{Action: wire.ActionAdminUserInfo, UserID: userID})
	if err != nil {
		return nil, err
	}
	var r wire.AdminUserInfoResult
	if err := json.Unmarshal(result, &r); err != nil {
		return nil, fmt.Errorf("client: decode admin user info result: %w", err)
	}
	return &r, nil
}

var _ storage.Adapter = (*Client)(nil)
