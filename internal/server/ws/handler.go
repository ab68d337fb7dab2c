// Package ws serves the broadcast channel of a document over a websocket.
// Frames are the JSON encoding of broadcast.Message in both directions.
package ws

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/atoms-tech/atoms-collab/internal/broadcast"
	"github.com/atoms-tech/atoms-collab/internal/collab"
	"github.com/atoms-tech/atoms-collab/internal/model"
	"github.com/atoms-tech/atoms-collab/internal/service"
)

// Route is the path pattern served by Handler.
const Route = "GET /ws/documents/{id}"

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	maxFrameBytes     = 64 << 10
	clientIDQueryName = "client_id"
	tokenQueryName    = "access_token"
)

// Handler upgrades requests and bridges one socket to one orchestrator.
type Handler struct {
	reg       *collab.Registry
	tokens    service.TokenService
	log       *zap.Logger
	upgrader  websocket.Upgrader
	writeWait time.Duration
	pongWait  time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(h *Handler) { h.log = l } }

// WithPongWait sets how long a silent peer is tolerated. Pings go out at 9/10 of it.
func WithPongWait(d time.Duration) Option { return func(h *Handler) { h.pongWait = d } }

// WithCheckOrigin overrides the upgrader's origin policy.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// New builds a handler over the document registry.
func New(reg *collab.Registry, tokens service.TokenService, opts ...Option) *Handler {
	h := &Handler{
		reg:       reg,
		tokens:    tokens,
		log:       zap.NewNop(),
		writeWait: defaultWriteWait,
		pongWait:  defaultPongWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes returns a mux serving the handler on Route.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(Route, h)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// ServeHTTP authenticates the caller, joins the document and runs the pumps
// until either side goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	if docID == "" {
		http.Error(w, "document id is required", http.StatusBadRequest)
		return
	}
	sess, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	o := h.reg.Open(docID, sess)
	// subscribed before the handshake completes so nothing published after
	// the client sees 101 is missed
	o.Join()
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.Leave()
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	log := h.log.With(zap.String("document", docID), zap.String("user", sess.UserID), zap.String("client", sess.ClientID))
	log.Debug("ws connected")

	go h.writePump(conn, o.Messages(), log)
	h.readPump(conn, o, log)
	log.Debug("ws disconnected")
}

func (h *Handler) authenticate(r *http.Request) (model.Session, error) {
	tok := bearerToken(r.Header.Get("Authorization"))
	if tok == "" {
		tok = r.URL.Query().Get(tokenQueryName)
	}
	if tok == "" {
		return model.Session{}, errors.New("no token")
	}
	sess, err := h.tokens.Verify(tok)
	if err != nil {
		return model.Session{}, err
	}
	sess.ClientID = strings.TrimSpace(r.URL.Query().Get(clientIDQueryName))
	if sess.ClientID == "" {
		sess.ClientID = "ws-" + ulid.Make().String()
	}
	return sess, nil
}

func bearerToken(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}

// readPump applies inbound frames until the socket fails. Leaving the
// document closes the subscription, which stops writePump.
func (h *Handler) readPump(conn *websocket.Conn, o *collab.Orchestrator, log *zap.Logger) {
	defer func() {
		o.Leave()
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		o.Touch()
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("ws read", zap.Error(err))
			}
			return
		}
		msg, err := broadcast.Decode(frame)
		if err != nil {
			log.Debug("dropping frame", zap.Error(err))
			continue
		}
		if msg.Payload.UserID != o.Session().UserID {
			log.Warn("dropping frame for another user", zap.String("claimed", msg.Payload.UserID))
			continue
		}
		h.apply(o, msg)
	}
}

func (h *Handler) apply(o *collab.Orchestrator, msg broadcast.Message) {
	p := msg.Payload
	switch msg.Type {
	case broadcast.CellUpdate:
		o.PreviewCell(p.BlockID, p.RowID, p.ColumnID, p.Value)
		o.Touch()
	case broadcast.CursorMove:
		o.UpdateCursor(model.CursorPosition{BlockID: p.BlockID, RowID: p.RowID, ColumnID: p.ColumnID})
	}
}

// writePump is the only writer on conn.
func (h *Handler) writePump(conn *websocket.Conn, msgs <-chan broadcast.Message, log *zap.Logger) {
	ticker := time.NewTicker(h.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-msgs:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			b, err := msg.Encode()
			if err != nil {
				log.Error("encode broadcast", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
