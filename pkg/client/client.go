// Package client implements the client-side storage adapter
// (component H): a local key-value API that multiplexes typed
// request/response RPCs over one long-lived encrypted WebSocket
// connection, surfaces inbound broadcasts as local "remote" events,
// and reconnects with a bounded-attempt fixed-interval retry policy.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/relaykv/relaykv/internal/config"
	"github.com/relaykv/relaykv/internal/cryptosession"
	"github.com/relaykv/relaykv/internal/logging"
	"github.com/relaykv/relaykv/internal/storage"
	"github.com/relaykv/relaykv/internal/wire"
)

var log = logging.Get("client")

type pendingRequest struct {
	resultCh chan json.RawMessage
	errCh    chan string
}

// Client is the client-side storage adapter. It satisfies
// storage.Adapter against a remote server over one reconnecting
// WebSocket connection.
type Client struct {
	cfg config.ClientConfig

	mu            sync.Mutex
	conn          *websocket.Conn
	sessionKey    cryptosession.SessionKey
	channelID     string
	connected     atomic.Bool
	authenticated atomic.Bool
	closing       atomic.Bool

	pending *xsync.MapOf[string, *pendingRequest]
	bus     *storage.Bus

	reconnectAttempts int
}

// New creates a Client. Call Connect to open the transport.
func New(cfg config.ClientConfig) *Client {
	return &Client{
		cfg:     cfg,
		pending: xsync.NewMapOf[string, *pendingRequest](),
		bus:     storage.NewBus(),
	}
}

// Events returns the client's local event bus; subscribers observe
// get/set/delete/clear/error/connected/disconnected/remote.
func (c *Client) Events() *storage.Bus { return c.bus }

// ChannelID returns the channel this client's token resolved to, once
// the handshake has completed.
func (c *Client) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// Connect opens the transport and runs the handshake. On success the
// client is authenticated and a background read loop is started.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	if err := c.handshake(); err != nil {
		_ = conn.Close()
		c.connected.Store(false)
		return err
	}

	go c.readLoop()
	return nil
}

func (c *Client) handshake() error {
	if err := c.conn.WriteJSON(wire.NewHelloClientFrame(c.cfg.Token)); err != nil {
		return fmt.Errorf("client: send hello: %w", err)
	}

	var helloServer wire.HelloServerFrame
	if _, raw, err := c.conn.ReadMessage(); err != nil {
		return fmt.Errorf("client: read server hello: %w", err)
	} else if err := json.Unmarshal(raw, &helloServer); err != nil {
		return fmt.Errorf("client: decode server hello: %w", err)
	}
	if helloServer.Type == wire.FrameError {
		return fmt.Errorf("client: handshake rejected")
	}

	var enc wire.EncryptionFrame
	if _, raw, err := c.conn.ReadMessage(); err != nil {
		return fmt.Errorf("client: read encryption frame: %w", err)
	} else if err := json.Unmarshal(raw, &enc); err != nil {
		return fmt.Errorf("client: decode encryption frame: %w", err)
	}

	secret := cryptosession.DeriveSecret(c.cfg.Token)
	sessionKey, err := cryptosession.UnwrapSessionKey(secret, enc.EncryptionKey)
	if err != nil {
		return fmt.Errorf("client: unwrap session key: %w", err)
	}

	c.mu.Lock()
	c.sessionKey = sessionKey
	c.channelID = helloServer.ChannelID
	c.mu.Unlock()

	c.authenticated.Store(true)
	c.bus.Emit(storage.Event{Kind: storage.EventConnected})
	return nil
}

// readLoop decrypts every inbound frame and routes it to, in order,
// the remote-event surface or the pending-request table.
func (c *Client) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleDisconnect()
			return
		}

		c.mu.Lock()
		key := c.sessionKey
		c.mu.Unlock()

		plaintext, err := cryptosession.OpenFrame(key, string(raw))
		if err != nil {
			log.Warnf("client: dropping undecodable frame: %v", err)
			continue
		}

		c.routeFrame(plaintext)
	}
}

func (c *Client) routeFrame(plaintext []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(plaintext, &probe); err == nil && probe.Type == "event" {
		var ev wire.EventFrame
		if err := json.Unmarshal(plaintext, &ev); err != nil {
			log.Warnf("client: decode event frame: %v", err)
			return
		}
		c.bus.Emit(storage.Event{
			Kind: storage.EventRemote,
			Remote: &storage.RemoteMutation{
				Kind:       storage.EventKind(ev.Event),
				Collection: ev.Collection,
				Key:        ev.Key,
				Value:      ev.Value,
			},
		})
		return
	}

	var resp wire.Response
	if err := json.Unmarshal(plaintext, &resp); err != nil {
		log.Warnf("client: decode response: %v", err)
		return
	}
	pr, ok := c.pending.LoadAndDelete(resp.ID)
	if !ok {
		return
	}
	if resp.Error != "" {
		pr.errCh <- resp.Error
	} else {
		pr.resultCh <- resp.Result
	}
}

func (c *Client) handleDisconnect() {
	c.connected.Store(false)
	c.authenticated.Store(false)
	c.bus.Emit(storage.Event{Kind: storage.EventDisconnected})

	c.pending.Range(func(id string, pr *pendingRequest) bool {
		pr.errCh <- "connection closed"
		c.pending.Delete(id)
		return true
	})

	if c.closing.Load() {
		return
	}
	go c.reconnectLoop()
}

// reconnectLoop retries Connect at a fixed interval up to
// MaxReconnectAttempts, per §4.7. Requests that were in flight when the
// transport dropped have already been rejected by handleDisconnect with
// "connection closed"; they are not replayed on the new connection.
func (c *Client) reconnectLoop() {
	for c.reconnectAttempts < c.cfg.MaxReconnectAttempts {
		if c.closing.Load() {
			return
		}
		c.reconnectAttempts++
		time.Sleep(c.cfg.ReconnectInterval)

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.reconnectAttempts = 0
			return
		}
		log.Warnf("client: reconnect attempt %d failed: %v", c.reconnectAttempts, err)
	}
	log.Errorf("client: giving up after %d reconnect attempts", c.cfg.MaxReconnectAttempts)
}

// Close marks the client as closing, drops every pending request, and
// closes the transport. No further reconnect attempts are scheduled.
func (c *Client) Close() error {
	c.closing.Store(true)
	c.bus.Close()

	c.pending.Range(func(id string, pr *pendingRequest) bool {
		pr.errCh <- "client closed"
		c.pending.Delete(id)
		return true
	})

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
