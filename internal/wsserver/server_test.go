package wsserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykv/relaykv/internal/channel"
	"github.com/relaykv/relaykv/internal/config"
	"github.com/relaykv/relaykv/internal/cryptosession"
	"github.com/relaykv/relaykv/internal/storage"
	"github.com/relaykv/relaykv/internal/wire"
)

func newTestServer(t *testing.T, tenants TenantStore, validate config.TokenValidator) (*httptest.Server, string) {
	t.Helper()
	cfg := config.ServerConfig{
		ValidateToken:  validate,
		RequestTimeout: 2 * time.Second,
	}
	s := New(cfg, tenants, channel.New())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return ts, wsURL
}

// handshakeClient dials wsURL and drives the client side of §4.5's
// handshake to completion, returning the live connection and the
// unwrapped session key.
func handshakeClient(t *testing.T, wsURL, token string) (*websocket.Conn, cryptosession.SessionKey, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := conn.WriteJSON(wire.NewHelloClientFrame(token)); err != nil {
		t.Fatalf("send hello: %v", err)
	}

	var helloServer wire.HelloServerFrame
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read server hello: %v", err)
	}
	if err := json.Unmarshal(raw, &helloServer); err != nil {
		t.Fatalf("decode server hello: %v", err)
	}
	if helloServer.Type != wire.FrameHello {
		t.Fatalf("handshake rejected: %s", string(raw))
	}

	var enc wire.EncryptionFrame
	_, raw, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read encryption frame: %v", err)
	}
	if err := json.Unmarshal(raw, &enc); err != nil {
		t.Fatalf("decode encryption frame: %v", err)
	}

	secret := cryptosession.DeriveSecret(token)
	sessionKey, err := cryptosession.UnwrapSessionKey(secret, enc.EncryptionKey)
	if err != nil {
		t.Fatalf("unwrap session key: %v", err)
	}

	return conn, sessionKey, helloServer.ChannelID
}

func sendRequest(t *testing.T, conn *websocket.Conn, key cryptosession.SessionKey, req *wire.Request) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	sealed, err := cryptosession.SealFrame(key, body)
	if err != nil {
		t.Fatalf("seal request: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(sealed)); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, key cryptosession.SessionKey) []byte {
	t.Helper()
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	plaintext, err := cryptosession.OpenFrame(key, string(raw))
	if err != nil {
		t.Fatalf("open frame: %v", err)
	}
	return plaintext
}

// S4: a connection presenting a token the validator rejects never
// reaches AUTHENTICATED; the server answers on the unencrypted error
// channel and then closes.
func TestHandshakeRejectsInvalidToken(t *testing.T) {
	_, wsURL := newTestServer(t, newFakeTenantStore(), func(string) bool { return false })

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wire.NewHelloClientFrame("anything")); err != nil {
		t.Fatalf("send hello: %v", err)
	}

	var errFrame wire.ErrorFrame
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if err := json.Unmarshal(raw, &errFrame); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if errFrame.Type != wire.FrameError {
		t.Fatalf("expected an error frame, got %s", string(raw))
	}

	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to close after handshake rejection")
	}
}

// S1: a successful set is broadcast to every other connection sharing
// the channel, but never back to the sender.
func TestSetBroadcastsToChannelExcludingSender(t *testing.T) {
	tenants := newFakeTenantStore()
	_, wsURL := newTestServer(t, tenants, func(string) bool { return true })

	token := "shared-channel-token"
	sender, senderKey, _ := handshakeClient(t, wsURL, token)
	defer sender.Close()
	receiver, receiverKey, _ := handshakeClient(t, wsURL, token)
	defer receiver.Close()

	sendRequest(t, sender, senderKey, &wire.Request{
		Action:     wire.ActionSet,
		Collection: "widgets",
		Key:        "a",
		Value:      json.RawMessage(`{"ok":true}`),
	})

	// Sender's own response is the RPC result, not a broadcast event.
	resp := readFrame(t, sender, senderKey)
	var r wire.Response
	if err := json.Unmarshal(resp, &r); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if r.Error != "" {
		t.Fatalf("expected set to succeed, got error %q", r.Error)
	}

	event := readFrame(t, receiver, receiverKey)
	var ev wire.EventFrame
	if err := json.Unmarshal(event, &ev); err != nil {
		t.Fatalf("decode event frame: %v", err)
	}
	if ev.Event != wire.EventSet || ev.Collection != "widgets" || ev.Key != "a" {
		t.Fatalf("unexpected broadcast event: %+v", ev)
	}

	sender.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := sender.ReadMessage(); err == nil {
		t.Fatalf("sender should not receive its own broadcast")
	}
}

// S6: a set that fails schema validation is answered with an error and
// never reaches the channel as a broadcast event.
func TestSchemaViolationDoesNotBroadcast(t *testing.T) {
	tenants := newFakeTenantStore()
	_, wsURL := newTestServer(t, tenants, func(string) bool { return true })

	token := "schema-enforced-token"
	sender, senderKey, _ := handshakeClient(t, wsURL, token)
	defer sender.Close()
	receiver, _, _ := handshakeClient(t, wsURL, token)
	defer receiver.Close()

	adapter, err := tenants.EnsureUserBucket(context.Background(), token)
	if err != nil {
		t.Fatalf("ensure bucket: %v", err)
	}
	adapter.(*fakeAdapter).registry.RegisterSchema("widgets", "a",
		storage.NewSchema(storage.Field{Name: "name", Type: storage.FieldString, Required: true}))

	sendRequest(t, sender, senderKey, &wire.Request{
		Action:     wire.ActionSet,
		Collection: "widgets",
		Key:        "a",
		Value:      json.RawMessage(`{"ok":true}`),
	})

	resp := readFrame(t, sender, senderKey)
	var r wire.Response
	if err := json.Unmarshal(resp, &r); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if r.Error == "" {
		t.Fatalf("expected the schema-violating set to fail")
	}

	receiver.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := receiver.ReadMessage(); err == nil {
		t.Fatalf("receiver should not observe a broadcast for a failed set")
	}
}

// A post-auth frame that fails to parse gets a single error frame on
// the ad-hoc error channel, distinct from the silent-drop AEAD case.
func TestUndecodableRequestGetsErrorFrame(t *testing.T) {
	tenants := newFakeTenantStore()
	_, wsURL := newTestServer(t, tenants, func(string) bool { return true })

	token := "malformed-request-token"
	conn, key, _ := handshakeClient(t, wsURL, token)
	defer conn.Close()

	sealed, err := cryptosession.SealFrame(key, []byte(`{"action": 12345}`))
	if err != nil {
		t.Fatalf("seal malformed frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(sealed)); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	plaintext := readFrame(t, conn, key)
	var errFrame wire.ErrorFrame
	if err := json.Unmarshal(plaintext, &errFrame); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if errFrame.Type != wire.FrameError {
		t.Fatalf("expected an error frame, got %s", string(plaintext))
	}
}
