// Package gateway implements the Discord-style gateway connection
// core (component I): a reusable heartbeat/resume/invalidate state
// machine. It is included because, per spec, its state machine is the
// most reusable piece of connection discipline in the source, not
// because this module talks to Discord specifically.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykv/relaykv/internal/logging"
)

var log = logging.Get("gateway")

// Opcode tags every gateway protocol frame.
type Opcode int

const (
	OpDispatch       Opcode = 0
	OpHeartbeat      Opcode = 1
	OpIdentify       Opcode = 2
	OpResume         Opcode = 6
	OpReconnect      Opcode = 7
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatAck   Opcode = 11
)

// Frame is one gateway protocol message.
type Frame struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// State is one of the connection core's named states.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHelloReceived
	StateIdentifying
	StateResuming
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHelloReceived:
		return "hello-received"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Session is the durable state needed to resume a dropped connection.
type Session struct {
	Token            string `json:"token"`
	SessionID        string `json:"sessionId"`
	Sequence         int64  `json:"sequence"`
	ResumeGatewayURL string `json:"resumeGatewayUrl"`
	Timestamp        int64  `json:"timestamp"`
	UserID           string `json:"userId,omitempty"`
}

// SessionStore persists a Session across process restarts or
// reconnects. internal/gateway ships no concrete implementation — a
// caller plugs in whatever backing store fits its deployment.
type SessionStore interface {
	Load(ctx context.Context, key string) (*Session, bool, error)
	Save(ctx context.Context, key string, session Session) error
}

// DispatchHandler receives every op=0 dispatch frame whose t is not
// READY, RESUMED or RATE_LIMITED (those are handled internally to drive
// the FSM and the rate-limit ledger).
type DispatchHandler func(eventType string, data json.RawMessage)

// Config parameterizes one Connection.
type Config struct {
	URL          string
	Identify     json.RawMessage
	SessionKey   string
	Store        SessionStore
	OnDispatch   DispatchHandler
	OnDisconnect func(err error)

	// ReconnectBaseDelay/Factor/Cap/MaxAttempts implement the §4.8
	// backoff policy; zero values fall back to the spec defaults
	// (200ms, 2, 5s, 5).
	ReconnectBaseDelay time.Duration
	ReconnectFactor    float64
	ReconnectCap       time.Duration
	MaxReconnectAttempts int

	// HeartbeatAckFallback is the heartbeat period and ack-timeout used
	// when HELLO supplies no heartbeat_interval (500ms per §5).
	HeartbeatAckFallback time.Duration
}

func (c *Config) withDefaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 200 * time.Millisecond
	}
	if c.ReconnectFactor == 0 {
		c.ReconnectFactor = 2
	}
	if c.ReconnectCap == 0 {
		c.ReconnectCap = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatAckFallback == 0 {
		c.HeartbeatAckFallback = 500 * time.Millisecond
	}
}

// Connection drives one gateway session through its full FSM:
// disconnected -> connecting -> hello-received -> identifying|resuming
// -> ready -> {heartbeating} -> (disconnected|reconnecting).
type Connection struct {
	cfg Config

	mu               sync.Mutex
	state            State
	conn             *websocket.Conn
	sequence         int64
	sessionID        string
	resumeGatewayURL string
	heartbeatInterval time.Duration
	reconnectAttempts int
	lastAckAt        time.Time

	rateLimits *rateLimitLedger

	heartbeatStop chan struct{}
	closed        bool
}

// New creates a Connection. Call Connect to dial and run the FSM.
func New(cfg Config) *Connection {
	cfg.withDefaults()
	return &Connection{
		cfg:        cfg,
		state:      StateDisconnected,
		rateLimits: newRateLimitLedger(),
	}
}

// State returns the connection's current FSM state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect dials the gateway URL (or a stored resume URL, if a session
// exists) and runs the handshake to StateReady.
func (c *Connection) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	url := c.cfg.URL
	var existing *Session
	if c.cfg.Store != nil {
		if s, ok, err := c.cfg.Store.Load(ctx, c.cfg.SessionKey); err == nil && ok {
			existing = s
			if s.ResumeGatewayURL != "" {
				url = s.ResumeGatewayURL
			}
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("gateway: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	go c.readLoop(existing)
	return nil
}

// Close tears down the connection and stops the heartbeat loop. No
// further reconnect attempts are scheduled.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.stopHeartbeat()
	c.setState(StateDisconnected)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// readLoop processes inbound frames and drives the FSM. existing, if
// non-nil, is the previously persisted session to RESUME against.
func (c *Connection) readLoop(existing *Session) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.onTransportFailure(err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Warnf("gateway: undecodable frame: %v", err)
			continue
		}
		c.handleFrame(frame, existing)
	}
}

func (c *Connection) handleFrame(frame Frame, existing *Session) {
	switch frame.Op {
	case OpHello:
		c.handleHello(frame, existing)
	case OpHeartbeatAck:
		c.mu.Lock()
		c.lastAckAt = time.Now()
		c.mu.Unlock()
	case OpDispatch:
		c.handleDispatch(frame)
	case OpInvalidSession:
		c.handleInvalidSession(frame, existing)
	case OpReconnect:
		c.closeWithReconnectCode()
		c.reconnectWithBackoff(fmt.Errorf("gateway: server requested reconnect"))
	case OpHeartbeat:
		c.sendHeartbeat()
	}
}

type helloPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

func (c *Connection) handleHello(frame Frame, existing *Session) {
	var payload helloPayload
	_ = json.Unmarshal(frame.D, &payload)

	c.mu.Lock()
	c.heartbeatInterval = time.Duration(payload.HeartbeatInterval) * time.Millisecond
	c.mu.Unlock()

	c.setState(StateHelloReceived)
	c.startHeartbeat()

	if existing != nil {
		c.setState(StateResuming)
		c.mu.Lock()
		c.sessionID = existing.SessionID
		c.sequence = existing.Sequence
		c.mu.Unlock()
		c.sendResume(existing)
	} else {
		c.setState(StateIdentifying)
		c.sendIdentify()
	}
}

type readyPayload struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	UserID           string `json:"user_id,omitempty"`
}

func (c *Connection) handleDispatch(frame Frame) {
	if frame.S != nil {
		c.mu.Lock()
		c.sequence = *frame.S
		c.mu.Unlock()
	}

	switch frame.T {
	case "READY":
		var payload readyPayload
		_ = json.Unmarshal(frame.D, &payload)
		c.mu.Lock()
		c.sessionID = payload.SessionID
		c.resumeGatewayURL = payload.ResumeGatewayURL
		c.reconnectAttempts = 0
		c.mu.Unlock()
		c.setState(StateReady)
		c.persistSession(payload.UserID)
	case "RESUMED":
		c.mu.Lock()
		c.reconnectAttempts = 0
		c.mu.Unlock()
		c.setState(StateReady)
		c.persistSession("")
	case "RATE_LIMITED":
		c.recordRateLimit(frame.D)
	default:
		if c.cfg.OnDispatch != nil {
			c.cfg.OnDispatch(frame.T, frame.D)
		}
		c.persistSession("")
	}
}

func (c *Connection) handleInvalidSession(frame Frame, existing *Session) {
	var canResume bool
	_ = json.Unmarshal(frame.D, &canResume)

	time.Sleep(150 * time.Millisecond)
	if canResume && existing != nil {
		c.setState(StateResuming)
		c.sendResume(existing)
		return
	}

	c.mu.Lock()
	c.sessionID = ""
	c.sequence = 0
	c.mu.Unlock()
	c.setState(StateIdentifying)
	c.sendIdentify()
}

func (c *Connection) persistSession(userID string) {
	if c.cfg.Store == nil {
		return
	}
	c.mu.Lock()
	s := Session{
		SessionID:        c.sessionID,
		Sequence:         c.sequence,
		ResumeGatewayURL: c.resumeGatewayURL,
		Timestamp:        time.Now().UnixMilli(),
		UserID:           userID,
	}
	c.mu.Unlock()

	if err := c.cfg.Store.Save(context.Background(), c.cfg.SessionKey, s); err != nil {
		log.Warnf("gateway: persist session: %v", err)
	}
}

// --------------------------------------------------------------------------
// Heartbeat loop
// --------------------------------------------------------------------------

func (c *Connection) startHeartbeat() {
	c.mu.Lock()
	interval := c.heartbeatInterval
	c.heartbeatStop = make(chan struct{})
	stop := c.heartbeatStop
	c.mu.Unlock()

	if interval == 0 {
		interval = c.cfg.HeartbeatAckFallback
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.sendHeartbeat()
				if !c.awaitAck(interval) {
					c.onTransportFailure(fmt.Errorf("gateway: heartbeat ack timeout"))
					return
				}
			case <-stop:
				return
			}
		}
	}()
}

func (c *Connection) stopHeartbeat() {
	c.mu.Lock()
	stop := c.heartbeatStop
	c.heartbeatStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// awaitAck blocks until lastAckAt advances past the moment this
// heartbeat was sent, or interval elapses.
func (c *Connection) awaitAck(interval time.Duration) bool {
	deadline := time.Now().Add(interval)
	sentAt := time.Now()
	for time.Now().Before(deadline) {
		c.mu.Lock()
		ok := c.lastAckAt.After(sentAt)
		c.mu.Unlock()
		if ok {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func (c *Connection) sendHeartbeat() {
	if err := c.waitForAvailability(OpHeartbeat); err != nil {
		log.Warnf("gateway: rate limited heartbeat: %v", err)
	}
	c.mu.Lock()
	seq := c.sequence
	c.mu.Unlock()

	var seqPayload json.RawMessage
	if seq > 0 {
		seqPayload, _ = json.Marshal(seq)
	} else {
		seqPayload = json.RawMessage("null")
	}
	_ = c.writeFrame(Frame{Op: OpHeartbeat, D: seqPayload})
}

func (c *Connection) sendIdentify() {
	_ = c.writeFrame(Frame{Op: OpIdentify, D: c.cfg.Identify})
}

type resumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

func (c *Connection) sendResume(existing *Session) {
	payload, _ := json.Marshal(resumePayload{
		Token:     existing.Token,
		SessionID: existing.SessionID,
		Sequence:  existing.Sequence,
	})
	_ = c.writeFrame(Frame{Op: OpResume, D: payload})
}

func (c *Connection) writeFrame(frame Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("gateway: no active connection")
	}
	return conn.WriteJSON(frame)
}

// reconnectEligibleCloseCode is the one close code spec §4.8 marks as
// "may reconnect"; every other explicit close code terminates.
const reconnectEligibleCloseCode = 4000

// closeWithReconnectCode sends a close frame carrying code 4000, per
// §4.8's op=7 handling ("close with code 4000 and reconnect").
func (c *Connection) closeWithReconnectCode() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(reconnectEligibleCloseCode, "reconnect requested")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		log.Warnf("gateway: send close(4000) failed: %v", err)
	}
}

// isReconnectEligible implements §4.8/§5's close-code gating: a
// genuine transport drop (no close frame at all) is eligible, as is an
// explicit close carrying code 4000; every other explicit close code
// terminates the connection instead of retrying.
func isReconnectEligible(err error) bool {
	if closeErr, ok := err.(*websocket.CloseError); ok {
		return closeErr.Code == reconnectEligibleCloseCode
	}
	return true
}

// --------------------------------------------------------------------------
// Reconnect policy
// --------------------------------------------------------------------------

func (c *Connection) onTransportFailure(err error) {
	c.stopHeartbeat()
	c.setState(StateDisconnected)
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(err)
	}
	if c.isClosed() {
		return
	}
	if !isReconnectEligible(err) {
		log.Errorf("gateway: close code ineligible for reconnect: %v", err)
		return
	}
	c.reconnectWithBackoff(err)
}

// reconnectWithBackoff implements §4.8's exponential backoff: base
// 200ms, factor 2, cap 5s, bounded attempts (5 by default).
func (c *Connection) reconnectWithBackoff(cause error) {
	c.mu.Lock()
	attempt := c.reconnectAttempts
	c.reconnectAttempts++
	c.mu.Unlock()

	if attempt >= c.cfg.MaxReconnectAttempts {
		log.Errorf("gateway: giving up after %d reconnect attempts: %v", attempt, cause)
		return
	}

	delay := time.Duration(float64(c.cfg.ReconnectBaseDelay) * math.Pow(c.cfg.ReconnectFactor, float64(attempt)))
	if delay > c.cfg.ReconnectCap {
		delay = c.cfg.ReconnectCap
	}
	log.Warnf("gateway: reconnecting in %s (attempt %d): %v", delay, attempt+1, cause)
	time.Sleep(delay)

	if c.isClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		c.reconnectWithBackoff(err)
	}
}

// --------------------------------------------------------------------------
// Rate-limit ledger
// --------------------------------------------------------------------------

type rateLimitEntry struct {
	retryAfter time.Duration
	observedAt time.Time
}

type rateLimitLedger struct {
	mu      sync.Mutex
	entries map[Opcode]rateLimitEntry
}

func newRateLimitLedger() *rateLimitLedger {
	return &rateLimitLedger{entries: make(map[Opcode]rateLimitEntry)}
}

type rateLimitedPayload struct {
	Opcode     Opcode  `json:"opcode"`
	RetryAfter float64 `json:"retry_after"`
}

func (c *Connection) recordRateLimit(data json.RawMessage) {
	var payload rateLimitedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	c.rateLimits.mu.Lock()
	c.rateLimits.entries[payload.Opcode] = rateLimitEntry{
		retryAfter: time.Duration(payload.RetryAfter * float64(time.Second)),
		observedAt: time.Now(),
	}
	c.rateLimits.mu.Unlock()
}

// waitForAvailability blocks until any previously recorded RATE_LIMITED
// window for op has elapsed, per §4.8.
func (c *Connection) waitForAvailability(op Opcode) error {
	c.rateLimits.mu.Lock()
	entry, ok := c.rateLimits.entries[op]
	c.rateLimits.mu.Unlock()
	if !ok {
		return nil
	}

	remaining := entry.observedAt.Add(entry.retryAfter).Sub(time.Now())
	if remaining <= 0 {
		return nil
	}
	time.Sleep(remaining)
	return nil
}
