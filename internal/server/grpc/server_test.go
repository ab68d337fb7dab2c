package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/atoms-tech/atoms-collab/internal/api"
	"github.com/atoms-tech/atoms-collab/internal/broadcast"
	"github.com/atoms-tech/atoms-collab/internal/collab"
	"github.com/atoms-tech/atoms-collab/internal/convert"
	"github.com/atoms-tech/atoms-collab/internal/errs"
	"github.com/atoms-tech/atoms-collab/internal/model"
	"github.com/atoms-tech/atoms-collab/internal/repository/memstore"
	"github.com/atoms-tech/atoms-collab/internal/service"
)

const bufSize = 1 << 20

var signKey = []byte("test-secret")

type harness struct {
	cl     *api.Client
	tokens *service.TokenServiceImpl
	reg    *collab.Registry
}

func startBufGRPC(t *testing.T) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := memstore.New()
	reg := collab.NewRegistry(store, broadcast.NewHub(log))
	tokens := service.NewTokenService(signKey, time.Hour)
	srv := New(reg, service.NewContentService(store, 100), store, log)

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log), AuthUnary(tokens)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log), AuthStream(tokens)),
	)
	api.RegisterCollabServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })
	return &harness{cl: api.NewClient(cc), tokens: tokens, reg: reg}
}

func (h *harness) as(t *testing.T, name, clientID string) context.Context {
	t.Helper()
	tok, err := h.tokens.Issue(uuid.Must(uuid.NewV4()), name)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return metadata.AppendToOutgoingContext(context.Background(),
		"authorization", "Bearer "+tok.AccessToken, ClientIDHeader, clientID)
}

func (h *harness) call(t *testing.T, ctx context.Context, method string, fields map[string]any) *structpb.Struct {
	t.Helper()
	out, err := h.callErr(ctx, method, fields)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return out
}

func (h *harness) callErr(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := convert.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return h.cl.Call(ctx, method, in)
}

func TestServer_E2E_CollaborationFlow(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t)
	ada := h.as(t, "Ada", "c-ada")
	bo := h.as(t, "Bo", "c-bo")
	doc := uuid.Must(uuid.NewV4()).String()

	users := h.call(t, ada, api.MethodJoin, map[string]any{"document_id": doc})
	if got := convert.List(users, "users"); len(got) != 1 || convert.Str(got[0], "display_name") != "Ada" {
		t.Fatalf("join: %v", users)
	}
	h.call(t, bo, api.MethodJoin, map[string]any{"document_id": doc})

	blk := convert.Sub(h.call(t, ada, api.MethodCreate, map[string]any{
		"document_id": doc, "table": "blocks", "parent_id": doc, "data": map[string]any{"type": "table"},
	}), "record")
	blockID := convert.Str(blk, "id")
	if convert.Str(blk, "client_id") != "c-ada" {
		t.Fatalf("writes carry the caller's client id: %v", blk)
	}

	req := convert.Sub(h.call(t, ada, api.MethodCreate, map[string]any{
		"document_id": doc, "table": "requirements", "parent_id": blockID,
		"data": map[string]any{"name": "r1", "status": "todo"},
	}), "record")
	reqID := convert.Str(req, "id")

	watchCtx, cancel := context.WithCancel(bo)
	defer cancel()
	in, _ := convert.NewStruct(map[string]any{"table": "requirements", "parent_id": blockID})
	stream, err := h.cl.Watch(watchCtx, in)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, err := recvType(stream, model.ChangeResync); err != nil {
		t.Fatalf("watch hello: %v", err)
	}

	acq := h.call(t, ada, api.MethodAcquireLock, map[string]any{"document_id": doc, "entity_id": blockID, "lock_type": "block"})
	if !convert.Bool(acq, "acquired") {
		t.Fatalf("acquire: %v", acq)
	}
	acq = h.call(t, bo, api.MethodAcquireLock, map[string]any{"document_id": doc, "entity_id": blockID, "lock_type": "block"})
	if convert.Bool(acq, "acquired") || convert.Str(convert.Sub(acq, "lock"), "owner_display_name") != "Ada" {
		t.Fatalf("second acquire must fail and name the holder: %v", acq)
	}

	_, err = h.callErr(bo, api.MethodUpdateProperty, map[string]any{
		"document_id": doc, "parent_id": blockID, "id": reqID, "property": "status", "value": "done",
	})
	if status.Code(err) != codes.FailedPrecondition || !strings.Contains(err.Error(), "Ada") {
		t.Fatalf("locked write: want FailedPrecondition naming Ada, got %v", err)
	}

	upd := convert.Sub(h.call(t, ada, api.MethodUpdateProperty, map[string]any{
		"document_id": doc, "parent_id": blockID, "id": reqID, "property": "status", "value": "in_progress",
	}), "record")
	if convert.Str(convert.Sub(upd, "data"), "status") != "in_progress" {
		t.Fatalf("update: %v", upd)
	}

	ev, err := recvType(stream, model.ChangeUpdate)
	if err != nil {
		t.Fatalf("watch recv: %v", err)
	}
	if ev.ClientID != "c-ada" || ev.Record.Data["status"] != "in_progress" {
		t.Fatalf("event: %+v", ev)
	}

	locks := convert.List(h.call(t, bo, api.MethodListLocks, map[string]any{"document_id": doc}), "locks")
	if len(locks) != 1 {
		t.Fatalf("locks: %v", locks)
	}
	h.call(t, ada, api.MethodReleaseLock, map[string]any{"document_id": doc, "entity_id": blockID})
	acq = h.call(t, bo, api.MethodAcquireLock, map[string]any{"document_id": doc, "entity_id": blockID, "lock_type": "block"})
	if !convert.Bool(acq, "acquired") {
		t.Fatalf("bo should get the lock after release: %v", acq)
	}

	h.call(t, ada, api.MethodLeave, map[string]any{"document_id": doc})
	users = h.call(t, bo, api.MethodListPresence, map[string]any{"document_id": doc})
	if got := convert.List(users, "users"); len(got) != 1 || convert.Str(got[0], "display_name") != "Bo" {
		t.Fatalf("presence after leave: %v", users)
	}
}

func recvType(stream *api.WatchClient, typ model.ChangeType) (model.ChangeEvent, error) {
	for i := 0; i < 10; i++ {
		msg, err := stream.Recv()
		if err != nil {
			return model.ChangeEvent{}, err
		}
		ev, err := convert.FromStructEvent(msg)
		if err != nil {
			return model.ChangeEvent{}, err
		}
		if ev.Type == typ {
			return ev, nil
		}
	}
	return model.ChangeEvent{}, fmt.Errorf("no %s event", typ)
}

func TestServer_ReorderAndDelete(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t)
	ada := h.as(t, "Ada", "c-ada")
	doc := uuid.Must(uuid.NewV4()).String()

	var ids []any
	for i := 0; i < 3; i++ {
		rec := convert.Sub(h.call(t, ada, api.MethodCreate, map[string]any{
			"document_id": doc, "table": "blocks", "parent_id": doc, "data": map[string]any{"type": "text"},
		}), "record")
		ids = append(ids, convert.Str(rec, "id"))
	}

	recs := convert.List(h.call(t, ada, api.MethodReorder, map[string]any{
		"document_id": doc, "table": "blocks", "parent_id": doc, "ids": []any{ids[2], ids[0], ids[1]},
	}), "records")
	for i, r := range recs {
		if int(convert.Num(r, "position")) != i {
			t.Fatalf("positions not dense: %v", recs)
		}
	}
	if convert.Str(recs[0], "id") != ids[2] {
		t.Fatalf("order: %v", recs)
	}

	_, err := h.callErr(ada, api.MethodReorder, map[string]any{
		"document_id": doc, "table": "blocks", "parent_id": doc, "ids": []any{ids[0]},
	})
	if status.Code(err) != codes.Aborted {
		t.Fatalf("stale reorder: want Aborted, got %v", err)
	}

	del := convert.Sub(h.call(t, ada, api.MethodDelete, map[string]any{
		"document_id": doc, "table": "blocks", "parent_id": doc, "id": ids[1],
	}), "record")
	if !convert.Bool(del, "deleted") {
		t.Fatalf("delete: %v", del)
	}
	live := convert.List(h.call(t, ada, api.MethodList, map[string]any{"table": "blocks", "parent_id": doc}), "records")
	all := convert.List(h.call(t, ada, api.MethodList, map[string]any{"table": "blocks", "parent_id": doc, "include_deleted": true}), "records")
	if len(live) != 2 || len(all) != 3 {
		t.Fatalf("soft delete: live=%d all=%d", len(live), len(all))
	}
}

func TestServer_BadRequests(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t)
	ada := h.as(t, "Ada", "c-ada")
	doc := uuid.Must(uuid.NewV4()).String()

	cases := []struct {
		method string
		fields map[string]any
		code   codes.Code
	}{
		{api.MethodJoin, map[string]any{}, codes.InvalidArgument},
		{api.MethodAcquireLock, map[string]any{"document_id": doc, "entity_id": "e", "lock_type": "row"}, codes.InvalidArgument},
		{api.MethodUpdateCursor, map[string]any{"document_id": doc}, codes.InvalidArgument},
		{api.MethodPreviewCell, map[string]any{"document_id": doc, "block_id": "b"}, codes.InvalidArgument},
		{api.MethodList, map[string]any{"table": "users", "parent_id": doc}, codes.InvalidArgument},
		{api.MethodUpdate, map[string]any{"document_id": doc, "table": "blocks", "parent_id": doc, "id": "x"}, codes.InvalidArgument},
		{api.MethodUpdate, map[string]any{"document_id": doc, "table": "blocks", "parent_id": doc, "id": uuid.Must(uuid.NewV4()).String(), "data": map[string]any{"type": "code"}}, codes.NotFound},
	}
	for _, c := range cases {
		if _, err := h.callErr(ada, c.method, c.fields); status.Code(err) != c.code {
			t.Fatalf("%s %v: want %s, got %v", c.method, c.fields, c.code, err)
		}
	}

	if _, err := h.callErr(context.Background(), api.MethodJoin, map[string]any{"document_id": doc}); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("no token: want Unauthenticated, got %v", err)
	}
}

func TestServer_CursorIsBroadcast(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t)
	ada := h.as(t, "Ada", "c-ada")
	doc := uuid.Must(uuid.NewV4()).String()

	sub := h.reg.Hub().Subscribe(doc, "viewer", 4)
	defer sub.Close()

	h.call(t, ada, api.MethodJoin, map[string]any{"document_id": doc})
	h.call(t, ada, api.MethodUpdateCursor, map[string]any{
		"document_id": doc, "cursor": map[string]any{"block_id": "b", "row_id": "r", "column_id": "c"},
	})
	select {
	case msg := <-sub.C():
		if msg.Type != broadcast.CursorMove || msg.Payload.RowID != "r" {
			t.Fatalf("msg: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("no cursor broadcast")
	}

	users := convert.List(h.call(t, ada, api.MethodListPresence, map[string]any{"document_id": doc}), "users")
	if len(users) != 1 || convert.Str(convert.Sub(users[0], "cursor"), "column_id") != "c" {
		t.Fatalf("presence cursor: %v", users)
	}
}

func TestStatusErr(t *testing.T) {
	t.Parallel()

	cases := map[error]codes.Code{
		&errs.LockConflictError{EntityID: "e", HolderName: "Ada"}: codes.FailedPrecondition,
		errs.ErrInert:                         codes.FailedPrecondition,
		fmt.Errorf("x: %w", errs.ErrNotFound): codes.NotFound,
		errs.ErrVersionConflict:               codes.Aborted,
		errs.ErrStaleReorder:                  codes.Aborted,
		errs.Validationf("bad"):               codes.InvalidArgument,
		errs.ErrUnauthorized:                  codes.Unauthenticated,
		context.DeadlineExceeded:              codes.DeadlineExceeded,
		errors.New("disk on fire"):            codes.Internal,
	}
	for err, want := range cases {
		if got := status.Code(statusErr("op", err)); got != want {
			t.Fatalf("%v: want %s, got %s", err, want, got)
		}
	}
}
