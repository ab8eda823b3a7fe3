// Package session implements the Client Session (C6): a thin wrapper
// around one client-facing websocket transport that generates a
// connection id, wires the transport into a Codec exposing the hub's
// subscribe/unsubscribe methods, and drives close cleanup.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/edgeapp/addrhub/internal/codec"
	"github.com/edgeapp/addrhub/internal/hub"
	"github.com/edgeapp/addrhub/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades incoming HTTP requests to the client-facing protocol and
// spins up one Session per accepted connection.
type Handler struct {
	hub *hub.Hub
	log *log.Logger
}

// NewHandler builds a Handler that registers every accepted connection with
// h.
func NewHandler(h *hub.Hub, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{hub: h, log: logger.Module("session")}
}

func (hd *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hd.log.Debug("websocket upgrade failed", "remoteAddr", r.RemoteAddr, "err", err)
		return
	}
	s := newSession(hd.hub, ws, remoteIP(r), hd.log)
	s.run()
}

// remoteIP resolves the client's address from the first X-Forwarded-For
// hop, falling back to the socket address.
func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if i := strings.IndexByte(xff, ','); i >= 0 {
			first = xff[:i]
		}
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return r.RemoteAddr
}

// Session owns one open client transport: its codec, connection id, and
// the close-cleanup path back into the hub.
type Session struct {
	connID   string
	ws       *websocket.Conn
	codec    *codec.Codec
	hub      *hub.Hub
	remoteIP string
	log      *log.Logger

	writeMu sync.Mutex
}

func newSession(h *hub.Hub, ws *websocket.Conn, remoteIP string, logger *log.Logger) *Session {
	s := &Session{
		hub:      h,
		ws:       ws,
		remoteIP: remoteIP,
		log:      logger,
	}
	s.connID = h.NewConnectionID()
	s.log = logger.WithConn(s.connID)
	s.codec = codec.New(codec.CanonicalDialect{}, s.write, s.log)
	s.registerMethods()
	return s
}

func (s *Session) write(raw []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, raw)
}

// registerMethods installs the two client-facing RPC methods on this
// session's server codec: subscribe and unsubscribe.
func (s *Session) registerMethods() {
	s.codec.Register("subscribe", s.handleSubscribe, false)
	s.codec.Register("unsubscribe", s.handleUnsubscribe, false)
}

func (s *Session) handleSubscribe(params []json.RawMessage) (any, error) {
	tuples, err := decodeSubscribeTuples(params)
	if err != nil {
		return nil, codec.ErrInvalidParams(err)
	}
	return s.hub.Subscribe(context.Background(), s.connID, tuples), nil
}

func (s *Session) handleUnsubscribe(params []json.RawMessage) (any, error) {
	tuples, err := decodeUnsubscribeTuples(params)
	if err != nil {
		return nil, codec.ErrInvalidParams(err)
	}
	s.hub.Unsubscribe(context.Background(), s.connID, tuples)
	return nil, nil
}

// run registers the session with the hub, pumps inbound frames into the
// codec until the transport closes, then runs the close-cleanup path.
func (s *Session) run() {
	s.hub.AddConnection(s.connID, s.codec, s.remoteIP)
	s.log.Info("connected", "remoteIp", s.remoteIP)

	defer func() {
		s.codec.HandleClose()
		s.hub.CloseConnection(s.connID)
		s.ws.Close()
		s.log.Info("closed")
	}()

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			s.log.Debug("websocket read closed", "err", err)
			return
		}
		s.codec.HandleMessage(raw)
	}
}

// decodeSubscribeTuples parses the subscribe method's sole positional
// argument: Array<[pluginId, address, checkpoint?]>.
func decodeSubscribeTuples(params []json.RawMessage) ([]hub.SubscribeTuple, error) {
	elems, err := decodeTupleArray(params)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	tuples := make([]hub.SubscribeTuple, 0, len(elems))
	for _, raw := range elems {
		fields, err := decodeTupleFields(raw, 2)
		if err != nil {
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		tup := hub.SubscribeTuple{PluginID: fields[0], Address: fields[1]}
		if len(fields) > 2 {
			tup.Checkpoint = fields[2]
		}
		tuples = append(tuples, tup)
	}
	return tuples, nil
}

// decodeUnsubscribeTuples parses unsubscribe's sole positional argument.
// A checkpoint slot, if present, is accepted and ignored.
func decodeUnsubscribeTuples(params []json.RawMessage) ([]hub.UnsubscribeTuple, error) {
	elems, err := decodeTupleArray(params)
	if err != nil {
		return nil, fmt.Errorf("unsubscribe: %w", err)
	}
	tuples := make([]hub.UnsubscribeTuple, 0, len(elems))
	for _, raw := range elems {
		fields, err := decodeTupleFields(raw, 2)
		if err != nil {
			return nil, fmt.Errorf("unsubscribe: %w", err)
		}
		tuples = append(tuples, hub.UnsubscribeTuple{PluginID: fields[0], Address: fields[1]})
	}
	return tuples, nil
}

func decodeTupleArray(params []json.RawMessage) ([]json.RawMessage, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("missing params")
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(params[0], &elems); err != nil {
		return nil, fmt.Errorf("params[0] must be an array: %w", err)
	}
	return elems, nil
}

// decodeTupleFields unmarshals one [pluginId, address, checkpoint?] tuple
// into its string fields, requiring at least min of them.
func decodeTupleFields(raw json.RawMessage, min int) ([]string, error) {
	var rawFields []json.RawMessage
	if err := json.Unmarshal(raw, &rawFields); err != nil {
		return nil, fmt.Errorf("tuple must be an array: %w", err)
	}
	if len(rawFields) < min {
		return nil, fmt.Errorf("tuple needs at least %d fields, got %d", min, len(rawFields))
	}
	fields := make([]string, 0, len(rawFields))
	for i, rf := range rawFields {
		var s string
		if err := json.Unmarshal(rf, &s); err != nil {
			return nil, fmt.Errorf("tuple field %d must be a string: %w", i, err)
		}
		fields = append(fields, s)
	}
	return fields, nil
}
