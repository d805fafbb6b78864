package wsserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaykv/relaykv/internal/metrics"
	"github.com/relaykv/relaykv/internal/storage"
	"github.com/relaykv/relaykv/internal/wire"
)

// dispatch routes one decrypted request to the operation named in
// §4.5's action table, builds its response, and broadcasts a mutation
// event on success. It never broadcasts on a failed mutation.
func (s *Server) dispatch(c *Connection, req *wire.Request) *wire.Response {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	switch req.Action {
	case wire.ActionGet:
		return s.dispatchGet(ctx, c, req)
	case wire.ActionSet:
		return s.dispatchSet(ctx, c, req)
	case wire.ActionDelete:
		return s.dispatchDelete(ctx, c, req)
	case wire.ActionClear:
		return s.dispatchClear(ctx, c, req)
	case wire.ActionSize:
		return s.dispatchSize(ctx, c, req)
	case wire.ActionKeys:
		return s.dispatchKeys(ctx, c, req)
	case wire.ActionAdminListUsers:
		return s.dispatchAdminListUsers(c, req)
	case wire.ActionAdminDeleteUser:
		return s.dispatchAdminDeleteUser(ctx, c, req)
	case wire.ActionAdminUserInfo:
		return s.dispatchAdminUserInfo(c, req)
	default:
		return wire.NewErrorResponse(req.ID, fmt.Errorf("unknown action %q", req.Action))
	}
}

func (s *Server) dispatchGet(ctx context.Context, c *Connection, req *wire.Request) *wire.Response {
	value, found, err := c.adapter.Get(ctx, req.Collection, req.Key)
	if err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}
	if !found {
		value = json.RawMessage("null")
	}
	resp, err := wire.NewResultResponse(req.ID, wire.GetResult{Collection: req.Collection, Key: req.Key, Value: value})
	if err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}
	return resp
}

func (s *Server) dispatchSet(ctx context.Context, c *Connection, req *wire.Request) *wire.Response {
	if err := c.adapter.Set(ctx, req.Collection, req.Key, req.Value); err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}

	s.broadcastEvent(c, wire.NewEventFrame(wire.EventSet, req.Collection, req.Key, req.Value))

	resp, err := wire.NewResultResponse(req.ID, wire.SetResult{Collection: req.Collection, Key: req.Key})
	if err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}
	return resp
}

func (s *Server) dispatchDelete(ctx context.Context, c *Connection, req *wire.Request) *wire.Response {
	removed, err := c.adapter.Delete(ctx, req.Collection, req.Key)
	if err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}

	if removed {
		s.broadcastEvent(c, wire.NewEventFrame(wire.EventDelete, req.Collection, req.Key, nil))
	}

	resp, err := wire.NewResultResponse(req.ID, wire.DeleteResult{Success: removed})
	if err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}
	return resp
}

func (s *Server) dispatchClear(ctx context.Context, c *Connection, req *wire.Request) *wire.Response {
	count, err := c.adapter.Clear(ctx, req.Collection)
	if err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}

	collectionLabel := req.Collection
	if collectionLabel == "" {
		collectionLabel = "all"
	}
	s.broadcastEvent(c, wire.NewEventFrame(wire.EventClear, collectionLabel, "", nil))

	resp, err := wire.NewResultResponse(req.ID, wire.ClearResult{Count: count})
	if err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}
	return resp
}

func (s *Server) dispatchSize(ctx context.Context, c *Connection, req *wire.Request) *wire.Response {
	size, err := c.adapter.Size(ctx, req.Collection)
	if err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}
	resp, err := wire.NewResultResponse(req.ID, wire.SizeResult{Size: size})
	if err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}
	return resp
}

func (s *Server) dispatchKeys(ctx context.Context, c *Connection, req *wire.Request) *wire.Response {
	keys, err := c.adapter.Keys(ctx, req.Collection)
	if err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}
	resp, err := wire.NewResultResponse(req.ID, wire.KeysResult{Keys: keys})
	if err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}
	return resp
}

// requireAdmin gates the admin_* actions on the capability flag
// resolved in SPEC_FULL.md §9, rather than on mere authentication.
func (s *Server) requireAdmin(c *Connection) error {
	if !s.tenants.IsAdmin(c.tenantID) {
		return storage.NewValidationError("admin capability required")
	}
	return nil
}

func (s *Server) dispatchAdminListUsers(c *Connection, req *wire.Request) *wire.Response {
	if err := s.requireAdmin(c); err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}

	var users []wire.UserSummary
	for _, m := range s.tenants.ListUsers() {
		users = append(users, wire.UserSummary{UserID: m.UserID, Metadata: m})
	}

	resp, err := wire.NewResultResponse(req.ID, wire.AdminListUsersResult{Users: users})
	if err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}
	return resp
}

func (s *Server) dispatchAdminDeleteUser(ctx context.Context, c *Connection, req *wire.Request) *wire.Response {
	if err := s.requireAdmin(c); err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}

	err := s.tenants.DeleteUserBucket(ctx, req.UserID)
	resp, marshalErr := wire.NewResultResponse(req.ID, wire.AdminDeleteUserResult{Success: err == nil})
	if marshalErr != nil {
		return wire.NewErrorResponse(req.ID, marshalErr)
	}
	if err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}
	return resp
}

func (s *Server) dispatchAdminUserInfo(c *Connection, req *wire.Request) *wire.Response {
	if err := s.requireAdmin(c); err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}

	meta, ok := s.tenants.Metadata(req.UserID)
	if !ok {
		return wire.NewErrorResponse(req.ID, fmt.Errorf("unknown user %q", req.UserID))
	}

	resp, err := wire.NewResultResponse(req.ID, wire.AdminUserInfoResult{UserID: req.UserID, Metadata: meta})
	if err != nil {
		return wire.NewErrorResponse(req.ID, err)
	}
	return resp
}

// broadcastEvent fans out a mutation event to every other connection
// sharing c's channel. A marshal failure is counted and logged;
// per-recipient send failures are logged by the broker's outbox. Neither
// is propagated to the mutating caller.
func (s *Server) broadcastEvent(c *Connection, event *wire.EventFrame) {
	body, err := json.Marshal(event)
	if err != nil {
		log.Errorf("broadcast: marshal event: %v", err)
		metrics.BroadcastFailed()
		return
	}
	s.broker.Broadcast(c.channelID, body, c.id)
	metrics.BroadcastSucceeded()
}
