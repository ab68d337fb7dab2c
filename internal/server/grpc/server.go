// Package grpcserver exposes the collaboration gRPC API handlers.
package grpcserver

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/atoms-tech/atoms-collab/internal/api"
	"github.com/atoms-tech/atoms-collab/internal/collab"
	"github.com/atoms-tech/atoms-collab/internal/convert"
	"github.com/atoms-tech/atoms-collab/internal/errs"
	"github.com/atoms-tech/atoms-collab/internal/model"
	"github.com/atoms-tech/atoms-collab/internal/repository"
	"github.com/atoms-tech/atoms-collab/internal/service"
)

// Server wires the registry and services into gRPC handlers.
type Server struct {
	reg     *collab.Registry
	content service.ContentService
	watcher repository.Watcher
	log     *zap.Logger
}

var _ api.CollabServer = (*Server)(nil)

// New constructs a gRPC server. watcher may be nil, which disables Watch.
func New(reg *collab.Registry, content service.ContentService, watcher repository.Watcher, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{reg: reg, content: content, watcher: watcher, log: log}
}

// statusErr maps domain errors to gRPC codes.
func statusErr(op string, err error) error {
	var lc *errs.LockConflictError
	switch {
	case errors.As(err, &lc):
		return status.Error(codes.FailedPrecondition, lc.Error())
	case errors.Is(err, errs.ErrLocked), errors.Is(err, errs.ErrInert):
		return status.Errorf(codes.FailedPrecondition, "%s: %v", op, err)
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrVersionConflict), errors.Is(err, errs.ErrStaleReorder):
		return status.Errorf(codes.Aborted, "%s: %v", op, err)
	case errors.Is(err, errs.ErrValidation):
		return status.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "no auth")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

func reply(fields map[string]any) (*structpb.Struct, error) {
	s, err := convert.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return s, nil
}

func (s *Server) session(ctx context.Context) (model.Session, error) {
	sess, ok := SessionFromCtx(ctx)
	if !ok {
		return model.Session{}, status.Error(codes.Unauthenticated, "no auth")
	}
	return sess, nil
}

// orchestrator opens the caller's view of the request's document.
func (s *Server) orchestrator(ctx context.Context, req *structpb.Struct, required bool) (*collab.Orchestrator, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	doc := convert.Str(req, "document_id")
	if required && doc == "" {
		return nil, status.Error(codes.InvalidArgument, "empty document_id")
	}
	return s.reg.Open(doc, sess), nil
}

func lockReply(o *collab.Orchestrator, entityID string, extra map[string]any) (*structpb.Struct, error) {
	if l, ok := o.Holder(entityID); ok {
		extra["lock"] = convert.LockFields(l)
	}
	return reply(extra)
}

// --- Presence ---

// Join adds the caller to the document's presence set.
func (s *Server) Join(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.orchestrator(ctx, req, true)
	if err != nil {
		return nil, err
	}
	o.Announce()
	return s.presenceReply(o)
}

// Leave detaches the calling session. The caller's locks and presence go
// with its last session on the document.
func (s *Server) Leave(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.orchestrator(ctx, req, true)
	if err != nil {
		return nil, err
	}
	o.Leave()
	return reply(map[string]any{})
}

// UpdateCursor stores the caller's cursor and broadcasts it.
func (s *Server) UpdateCursor(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.orchestrator(ctx, req, true)
	if err != nil {
		return nil, err
	}
	cur := convert.Sub(req, "cursor")
	if cur == nil {
		return nil, status.Error(codes.InvalidArgument, "empty cursor")
	}
	o.Touch()
	o.UpdateCursor(convert.FromStructCursor(cur))
	return reply(map[string]any{})
}

// PreviewCell broadcasts an unsaved cell value to the other viewers.
func (s *Server) PreviewCell(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.orchestrator(ctx, req, true)
	if err != nil {
		return nil, err
	}
	blockID, rowID, colID := convert.Str(req, "block_id"), convert.Str(req, "row_id"), convert.Str(req, "column_id")
	if blockID == "" || rowID == "" || colID == "" {
		return nil, status.Error(codes.InvalidArgument, "block_id, row_id and column_id are required")
	}
	o.PreviewCell(blockID, rowID, colID, convert.Value(req, "value"))
	return reply(map[string]any{"delivered": s.reg.Hub() != nil})
}

// ListPresence returns the document's presence set.
func (s *Server) ListPresence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.orchestrator(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return s.presenceReply(o)
}

func (s *Server) presenceReply(o *collab.Orchestrator) (*structpb.Struct, error) {
	users := s.reg.Room(o.DocumentID()).Presence.Snapshot()
	out := make([]any, 0, len(users))
	for _, u := range users {
		out = append(out, convert.PresenceFields(u))
	}
	return reply(map[string]any{"users": out})
}

// --- Locks ---

// AcquireLock takes or extends a lock. When another user holds it the reply
// carries acquired=false and the holder.
func (s *Server) AcquireLock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.orchestrator(ctx, req, true)
	if err != nil {
		return nil, err
	}
	entity := convert.Str(req, "entity_id")
	lt := model.LockType(convert.Str(req, "lock_type"))
	if entity == "" || !lt.Valid() {
		return nil, status.Error(codes.InvalidArgument, "entity_id and a valid lock_type are required")
	}
	ok := o.AcquireEntityLock(entity, lt)
	return lockReply(o, entity, map[string]any{"acquired": ok})
}

// RefreshLock extends a lock the caller already holds.
func (s *Server) RefreshLock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.orchestrator(ctx, req, true)
	if err != nil {
		return nil, err
	}
	entity := convert.Str(req, "entity_id")
	ok := o.RefreshEntityLock(entity)
	return lockReply(o, entity, map[string]any{"refreshed": ok})
}

// ReleaseLock drops the caller's lock.
func (s *Server) ReleaseLock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.orchestrator(ctx, req, true)
	if err != nil {
		return nil, err
	}
	o.ReleaseEntityLock(convert.Str(req, "entity_id"))
	return reply(map[string]any{})
}

// ListLocks returns the document's active locks.
func (s *Server) ListLocks(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.orchestrator(ctx, req, true)
	if err != nil {
		return nil, err
	}
	locks := s.reg.Room(o.DocumentID()).Locks.Active()
	out := make([]any, 0, len(locks))
	for _, l := range locks {
		out = append(out, convert.LockFields(l))
	}
	return reply(map[string]any{"locks": out})
}

// --- Content ---

func tableAndParent(req *structpb.Struct) (model.Table, uuid.UUID, error) {
	table := model.Table(convert.Str(req, "table"))
	if !table.Valid() {
		return "", uuid.Nil, status.Error(codes.InvalidArgument, "bad table")
	}
	parent, err := convert.UUID(req, "parent_id")
	if err != nil {
		return "", uuid.Nil, status.Error(codes.InvalidArgument, "bad parent_id")
	}
	return table, parent, nil
}

func recordReply(rec model.Record) (*structpb.Struct, error) {
	return reply(map[string]any{"record": convert.RecordFields(rec)})
}

// List returns one sibling set.
func (s *Server) List(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.session(ctx); err != nil {
		return nil, err
	}
	table, parent, err := tableAndParent(req)
	if err != nil {
		return nil, err
	}
	recs, err := s.content.List(ctx, table, parent, convert.Bool(req, "include_deleted"))
	if err != nil {
		return nil, statusErr("list", err)
	}
	return reply(map[string]any{"records": convert.RecordList(recs)})
}

// Create inserts a row; the server assigns its id.
func (s *Server) Create(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.orchestrator(ctx, req, true)
	if err != nil {
		return nil, err
	}
	table, parent, err := tableAndParent(req)
	if err != nil {
		return nil, err
	}
	pos := -1
	if convert.Has(req, "position") {
		pos = int(convert.Num(req, "position"))
	}
	rec, err := s.content.Create(ctx, o, table, parent, pos, convert.Map(req, "data"))
	if err != nil {
		return nil, statusErr("create", err)
	}
	return recordReply(rec)
}

// Update merges data into a row.
func (s *Server) Update(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.orchestrator(ctx, req, true)
	if err != nil {
		return nil, err
	}
	table, parent, err := tableAndParent(req)
	if err != nil {
		return nil, err
	}
	id, err := convert.UUID(req, "id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad id")
	}
	rec, err := s.content.Update(ctx, o, table, parent, id, convert.Map(req, "data"))
	if err != nil {
		return nil, statusErr("update", err)
	}
	return recordReply(rec)
}

// UpdateProperty writes one requirement cell.
func (s *Server) UpdateProperty(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.orchestrator(ctx, req, true)
	if err != nil {
		return nil, err
	}
	parent, err := convert.UUID(req, "parent_id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad parent_id")
	}
	id, err := convert.UUID(req, "id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad id")
	}
	rec, err := s.content.UpdateProperty(ctx, o, parent, id, convert.Str(req, "property"), convert.Value(req, "value"))
	if err != nil {
		return nil, statusErr("update property", err)
	}
	return recordReply(rec)
}

// Delete soft-deletes a row.
func (s *Server) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.orchestrator(ctx, req, true)
	if err != nil {
		return nil, err
	}
	table, parent, err := tableAndParent(req)
	if err != nil {
		return nil, err
	}
	id, err := convert.UUID(req, "id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad id")
	}
	rec, err := s.content.Delete(ctx, o, table, parent, id)
	if err != nil {
		return nil, statusErr("delete", err)
	}
	return recordReply(rec)
}

// Reorder applies a full sibling order.
func (s *Server) Reorder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.orchestrator(ctx, req, true)
	if err != nil {
		return nil, err
	}
	table, parent, err := tableAndParent(req)
	if err != nil {
		return nil, err
	}
	ids, err := convert.UUIDList(req, "ids")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad ids")
	}
	recs, err := s.content.Reorder(ctx, o, table, parent, ids)
	if err != nil {
		return nil, statusErr("reorder", err)
	}
	return reply(map[string]any{"records": convert.RecordList(recs)})
}

// --- Realtime ---

// Watch streams committed changes of one sibling set until the client goes away.
func (s *Server) Watch(req *structpb.Struct, stream api.WatchServer) error {
	ctx := stream.Context()
	if _, err := s.session(ctx); err != nil {
		return err
	}
	if s.watcher == nil {
		return status.Error(codes.Unimplemented, "watch disabled")
	}
	table, parent, err := tableAndParent(req)
	if err != nil {
		return err
	}
	w, err := s.watcher.Watch(ctx, table, model.Filter{ParentID: parent})
	if err != nil {
		return statusErr("watch", err)
	}
	defer w.Unsubscribe()

	// The first event tells the client the subscription is live and that it
	// should (re)fetch the collection.
	hello, err := convert.ToStructEvent(model.ChangeEvent{Type: model.ChangeResync, Table: table})
	if err != nil {
		return statusErr("watch", err)
	}
	if err := stream.Send(hello); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events():
			if !ok {
				// the client resubscribes and refetches
				return status.Error(codes.Unavailable, "change stream closed")
			}
			msg, err := convert.ToStructEvent(ev)
			if err != nil {
				s.log.Warn("encode change event", zap.Error(err))
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}
