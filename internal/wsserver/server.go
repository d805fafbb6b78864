package wsserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykv/relaykv/internal/channel"
	"github.com/relaykv/relaykv/internal/config"
	"github.com/relaykv/relaykv/internal/cryptosession"
	"github.com/relaykv/relaykv/internal/logging"
	"github.com/relaykv/relaykv/internal/metrics"
	"github.com/relaykv/relaykv/internal/storage"
	"github.com/relaykv/relaykv/internal/tenant"
	"github.com/relaykv/relaykv/internal/wire"
)

var log = logging.Get("wsserver")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// TenantStore is the bucket-manager contract the server depends on.
// *tenant.Manager satisfies it against Redis; tests can fake it
// against an in-memory map without a live backing store.
type TenantStore interface {
	EnsureUserBucket(ctx context.Context, token string) (storage.Adapter, error)
	DeleteUserBucket(ctx context.Context, tenantID string) error
	Metadata(tenantID string) (tenant.Metadata, bool)
	IsAdmin(tenantID string) bool
	ListUsers() []tenant.Metadata
}

// Server is the storage-fabric server: it upgrades /ws connections,
// drives each one through the handshake and request loop, and fans
// out mutations through the channel broker.
type Server struct {
	cfg     config.ServerConfig
	tenants TenantStore
	broker  *channel.Broker
}

// New builds a Server over an already-initialized tenant store and
// channel broker.
func New(cfg config.ServerConfig, tenants TenantStore, broker *channel.Broker) *Server {
	return &Server{cfg: cfg, tenants: tenants, broker: broker}
}

// Handler returns the server's HTTP mux: /ws for the upgrade, /metrics
// and /healthz per SPEC_FULL.md §4.11/§6, and a static 200 body for
// any other path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/", s.handleStaticRoot)
	return mux
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics.WritePrometheus(w)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) handleStaticRoot(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "WebSocket Storage Server")
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade failed: %v", err)
		return
	}
	c := newConnection(conn)
	go s.serveConnection(c)
}

// serveConnection drives one connection through the full FSM:
// ACCEPTED -> (handshake) -> AUTHENTICATED -> request loop -> CLOSED.
func (s *Server) serveConnection(c *Connection) {
	defer s.closeConnection(c)

	if !s.handshake(c) {
		return
	}

	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	s.requestLoop(c)
}

// errorFrameBody marshals err onto the ad-hoc error channel's frame
// shape (no id, per §4.5), for delivery through the encrypted session
// the same way any other post-auth frame is sent.
func errorFrameBody(err error) []byte {
	body, marshalErr := json.Marshal(wire.NewErrorFrame(err.Error()))
	if marshalErr != nil {
		return []byte(`{"type":"error","error":"internal error"}`)
	}
	return body
}

func (s *Server) closeConnection(c *Connection) {
	c.setState(StateClosed)
	if c.channelID != "" {
		s.broker.Leave(c.channelID, c)
	}
	_ = c.conn.Close()
}

// handshake implements §4.5's ACCEPTED -> AUTHENTICATED transition.
// It returns false if the connection was rejected or failed before
// authentication completed.
func (s *Server) handshake(c *Connection) bool {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		log.Debugf("handshake: read failed: %v", err)
		return false
	}

	var hello wire.HelloClientFrame
	if err := json.Unmarshal(raw, &hello); err != nil || hello.Type != wire.FrameHello {
		_ = c.sendUnencrypted(wire.NewErrorFrame("Invalid handshake frame"))
		return false
	}

	if !s.cfg.ValidateToken(hello.Token) {
		_ = c.sendUnencrypted(wire.NewErrorFrame("Invalid token"))
		return false
	}

	c.token = hello.Token
	c.channelID = channel.DeriveID(hello.Token)
	c.setState(StateKeyExchanged)

	sessionKey, err := cryptosession.NewSessionKey()
	if err != nil {
		log.Errorf("handshake: generate session key: %v", err)
		_ = c.sendUnencrypted(wire.NewErrorFrame("internal error"))
		return false
	}
	c.mu.Lock()
	c.sessionKey = sessionKey
	c.mu.Unlock()

	secret := cryptosession.DeriveSecret(hello.Token)
	sealedKey, err := cryptosession.WrapSessionKey(secret, sessionKey)
	if err != nil {
		log.Errorf("handshake: wrap session key: %v", err)
		_ = c.sendUnencrypted(wire.NewErrorFrame("internal error"))
		return false
	}

	if err := c.sendUnencrypted(wire.NewHelloServerFrame(c.channelID)); err != nil {
		return false
	}
	if err := c.sendUnencrypted(wire.NewEncryptionFrame(sealedKey, encodeIVB64(sessionKey))); err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	adapter, err := s.tenants.EnsureUserBucket(ctx, hello.Token)
	if err != nil {
		log.Errorf("handshake: ensure bucket for token: %v", err)
		_ = c.sendUnencrypted(wire.NewErrorFrame("internal error"))
		return false
	}
	c.adapter = adapter
	c.tenantID = tenant.DeriveID(hello.Token)

	s.broker.Join(c.channelID, c)
	c.setState(StateAuthenticated)
	metrics.SetChannelsActive(s.broker.Size(c.channelID))
	log.Infof("connection %s authenticated on channel %s", c.id, c.channelID)
	return true
}

// requestLoop implements the AUTHENTICATED request loop: decrypt,
// dispatch, respond, broadcast on success.
func (s *Server) requestLoop(c *Connection) {
	for {
		if c.isUnhealthy() {
			log.Warnf("closing unhealthy connection %s", c.id)
			return
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			log.Debugf("connection %s read ended: %v", c.id, err)
			return
		}

		plaintext, err := c.decryptFrame(raw)
		if err != nil {
			log.Warnf("connection %s: dropping frame that failed to decrypt: %v", c.id, err)
			continue
		}

		req, err := parseRequest(plaintext)
		if err != nil {
			log.Warnf("connection %s: schema-mismatched frame: %v", c.id, err)
			if sendErr := c.Send(errorFrameBody(err)); sendErr != nil {
				log.Debugf("connection %s: send error frame failed: %v", c.id, sendErr)
				return
			}
			continue
		}

		start := time.Now()
		resp := s.dispatch(c, req)
		metrics.ObserveRPCLatency(string(req.Action), time.Since(start).Seconds())

		body, err := json.Marshal(resp)
		if err != nil {
			log.Errorf("connection %s: marshal response: %v", c.id, err)
			continue
		}
		if err := c.Send(body); err != nil {
			log.Debugf("connection %s: send response failed: %v", c.id, err)
			return
		}
	}
}

