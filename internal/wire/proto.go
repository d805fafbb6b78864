// Package wire defines the JSON frames exchanged between the storage
// fabric server and its clients, both the unencrypted pre-authentication
// frames and the request/response/event frames carried inside the
// encrypted channel once a session is established.
package wire

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Pre-authentication frames (unencrypted)
// --------------------------------------------------------------------------

// FrameType tags the outer, unencrypted handshake frames.
type FrameType string

const (
	FrameHello      FrameType = "hello"
	FrameEncryption FrameType = "encryption"
	FrameError      FrameType = "error"
)

// HelloClientFrame is sent by the client as the very first,
// unencrypted frame on a new connection.
type HelloClientFrame struct {
	Type  FrameType `json:"type"`
	Token string    `json:"token"`
}

// NewHelloClientFrame builds the client's initial hello frame.
func NewHelloClientFrame(token string) *HelloClientFrame {
	return &HelloClientFrame{Type: FrameHello, Token: token}
}

// HelloServerFrame is the server's reply to a successful hello,
// carrying the channel the connection now belongs to.
type HelloServerFrame struct {
	Type      FrameType `json:"type"`
	ChannelID string    `json:"channelId"`
}

func NewHelloServerFrame(channelID string) *HelloServerFrame {
	return &HelloServerFrame{Type: FrameHello, ChannelID: channelID}
}

// EncryptionFrame delivers the sealed session key and IV that the
// client must unwrap to derive its per-connection session cipher.
type EncryptionFrame struct {
	Type          FrameType `json:"type"`
	EncryptionKey string    `json:"encryptionKey"`
	IV            string    `json:"iv"`
}

func NewEncryptionFrame(sealedKeyB64, ivB64 string) *EncryptionFrame {
	return &EncryptionFrame{Type: FrameEncryption, EncryptionKey: sealedKeyB64, IV: ivB64}
}

// ErrorFrame is sent on the ad-hoc error channel: handshake rejection,
// or any post-auth frame that fails to parse against a known shape.
type ErrorFrame struct {
	Type  FrameType `json:"type"`
	Error string    `json:"error"`
}

func NewErrorFrame(message string) *ErrorFrame {
	return &ErrorFrame{Type: FrameError, Error: message}
}

// --------------------------------------------------------------------------
// Post-authentication request/response frames (carried encrypted)
// --------------------------------------------------------------------------

// Action identifies a client RPC.
type Action string

const (
	ActionGet             Action = "get"
	ActionSet             Action = "set"
	ActionDelete          Action = "delete"
	ActionClear           Action = "clear"
	ActionSize            Action = "size"
	ActionKeys            Action = "keys"
	ActionAdminListUsers  Action = "admin_list_users"
	ActionAdminDeleteUser Action = "admin_delete_user"
	ActionAdminUserInfo   Action = "admin_user_info"
)

// Request is the decrypted inner JSON body of a client RPC frame.
type Request struct {
	Action     Action          `json:"action"`
	ID         string          `json:"id"`
	Collection string          `json:"collection,omitempty"`
	Key        string          `json:"key,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	UserID     string          `json:"userId,omitempty"`
}

// Response is the decrypted inner JSON body of a server RPC reply.
// Exactly one of Result / Error is set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewResultResponse builds a successful response, marshaling result
// into the Result field.
func NewResultResponse(id string, result interface{}) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal result: %w", err)
	}
	return &Response{ID: id, Result: data}, nil
}

// NewErrorResponse builds a failed response carrying err's message.
func NewErrorResponse(id string, err error) *Response {
	return &Response{ID: id, Error: err.Error()}
}

// --------------------------------------------------------------------------
// Event frames (server-originated, unsolicited, carried encrypted)
// --------------------------------------------------------------------------

// EventKind identifies the mutation kind a broadcast frame describes.
type EventKind string

const (
	EventSet   EventKind = "set"
	EventDelete EventKind = "delete"
	EventClear  EventKind = "clear"
)

// EventFrame is broadcast to every other connection sharing a channel
// after a mutation succeeds.
type EventFrame struct {
	Type       string          `json:"type"`
	Event      EventKind       `json:"event"`
	Collection string          `json:"collection"`
	Key        string          `json:"key,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
}

func NewEventFrame(kind EventKind, collection, key string, value json.RawMessage) *EventFrame {
	return &EventFrame{Type: "event", Event: kind, Collection: collection, Key: key, Value: value}
}

// --------------------------------------------------------------------------
// Result payload shapes (documented in §6)
// --------------------------------------------------------------------------

type GetResult struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
}

type SetResult struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
}

type DeleteResult struct {
	Success bool `json:"success"`
}

type ClearResult struct {
	Count int `json:"count"`
}

type SizeResult struct {
	Size int `json:"size"`
}

type KeysResult struct {
	Keys []string `json:"keys"`
}

type UserSummary struct {
	UserID   string      `json:"userId"`
	Metadata interface{} `json:"metadata"`
}

type AdminListUsersResult struct {
	Users []UserSummary `json:"users"`
}

type AdminDeleteUserResult struct {
	Success bool `json:"success"`
}

type AdminUserInfoResult struct {
	UserID   string      `json:"userId"`
	Metadata interface{} `json:"metadata"`
}
