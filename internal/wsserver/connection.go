// Package wsserver implements the server connection FSM (component F)
// and request dispatcher (component G) over gorilla/websocket
// upgraded connections, grounded on the subscriber-map-plus-mutex
// pattern used for realtime WebSocket fan-out elsewhere in the pack.
package wsserver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaykv/relaykv/internal/channel"
	"github.com/relaykv/relaykv/internal/cryptosession"
	"github.com/relaykv/relaykv/internal/storage"
	"github.com/relaykv/relaykv/internal/wire"
)

// State is one of the connection FSM's named states.
type State int

const (
	StateAccepted State = iota
	StateKeyExchanged
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateKeyExchanged:
		return "key-exchanged"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection owns one client's transport, its session cipher state
// once established, and its derived tenant/channel identity. It
// implements channel.Member so the broker can fan out to it directly.
type Connection struct {
	id   string
	conn *websocket.Conn

	mu         sync.Mutex
	state      State
	token      string
	channelID  string
	sessionKey cryptosession.SessionKey
	adapter    storage.Adapter
	tenantID   string
	unhealthy  bool

	writeMu sync.Mutex
}

func newConnection(conn *websocket.Conn) *Connection {
	return &Connection{
		id:    uuid.NewString(),
		conn:  conn,
		state: StateAccepted,
	}
}

// ID implements channel.Member.
func (c *Connection) ID() string { return c.id }

// Send implements channel.Member: it AEAD-encrypts payload under the
// connection's session key and writes it as one WebSocket text
// message. Writes are serialized since gorilla/websocket forbids
// concurrent writers on the same connection.
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	key := c.sessionKey
	c.mu.Unlock()

	sealed, err := cryptosession.SealFrame(key, payload)
	if err != nil {
		return fmt.Errorf("wsserver: seal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(sealed))
}

// sendUnencrypted writes a plaintext JSON frame — used only during
// the handshake, before a session key exists.
func (c *Connection) sendUnencrypted(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsserver: marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// MarkUnhealthy implements channel.Member: an overflowing outbox marks
// the connection for closure by its own read loop.
func (c *Connection) MarkUnhealthy() {
	c.mu.Lock()
	c.unhealthy = true
	c.mu.Unlock()
}

func (c *Connection) isUnhealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unhealthy
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// decryptFrame opens an inbound post-handshake frame under the
// connection's session key. Per §7's crypto taxonomy, an AEAD failure
// here is silent-drop-only — the caller never answers it with an error
// frame, since a corrupt/forged ciphertext tells an attacker nothing.
func (c *Connection) decryptFrame(raw []byte) ([]byte, error) {
	c.mu.Lock()
	key := c.sessionKey
	c.mu.Unlock()

	plaintext, err := cryptosession.OpenFrame(key, string(raw))
	if err != nil {
		return nil, fmt.Errorf("wsserver: decrypt frame: %w", err)
	}
	return plaintext, nil
}

// parseRequest JSON-decodes an already-decrypted frame into a
// wire.Request. Per §4.5, a frame that fails to parse or match the
// request schema is distinct from a crypto failure: the caller answers
// it with a single error frame on the ad-hoc error channel (no id).
func parseRequest(plaintext []byte) (*wire.Request, error) {
	var req wire.Request
	if err := json.Unmarshal(plaintext, &req); err != nil {
		return nil, fmt.Errorf("wsserver: decode request: %w", err)
	}
	if req.Action == "" {
		return nil, fmt.Errorf("wsserver: request missing action")
	}
	return &req, nil
}

func encodeIVB64(key cryptosession.SessionKey) string {
	// The IV transmitted during the handshake frame is informational
	// only under the REDESIGN FLAG resolution (a fresh IV accompanies
	// every subsequent frame); this call surfaces 16 zero bytes so the
	// wire shape named in spec.md is preserved without implying a
	// connection-lifetime IV is actually reused.
	return base64.StdEncoding.EncodeToString(make([]byte, 16))
}

// Compile-time check that *Connection satisfies channel.Member, which
// keeps the channel package free of any gorilla/websocket import.
var _ channel.Member = (*Connection)(nil)
