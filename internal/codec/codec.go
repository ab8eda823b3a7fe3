package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/edgeapp/addrhub/internal/log"
)

// Handler services one registered RPC method. params is the raw JSON array
// of positional arguments; the returned value is marshaled into the
// Response's result field. An error is reported to the caller as a JSON-RPC
// error using CodeInvalidParams when it implements the paramsError marker,
// or CodeInternal otherwise.
type Handler func(params []json.RawMessage) (any, error)

type paramsError struct{ error }

// ErrInvalidParams wraps err so HandleMessage reports it as -32602 instead
// of the default -32603.
func ErrInvalidParams(err error) error { return paramsError{err} }

type method struct {
	handler      Handler
	notification bool
}

// Codec multiplexes one JSON-RPC-like transport: incoming requests are
// dispatched to locally registered methods, incoming responses are
// correlated against outbound calls this side initiated. One Codec is
// created per open connection, in either direction (server-side exposing
// methods to a client, or client-side calling an upstream's methods).
type Codec struct {
	dialect Dialect
	send    func([]byte) error
	log     *log.Logger

	mu      sync.Mutex
	methods map[string]method
	pending map[string]chan *Response
	nextID  int64
	closed  bool
}

// New creates a Codec that frames outgoing bytes with dialect and hands them
// to send (e.g. a websocket connection's WriteMessage).
func New(dialect Dialect, send func([]byte) error, logger *log.Logger) *Codec {
	if logger == nil {
		logger = log.Default()
	}
	return &Codec{
		dialect: dialect,
		send:    send,
		log:     logger.Module("codec"),
		methods: make(map[string]method),
		pending: make(map[string]chan *Response),
	}
}

// Register installs h as the handler for method name. notification marks a
// method that is only ever invoked without an id: it never gets a reply,
// and a request for it that carries an id is answered with -32600 instead
// of running h.
func (c *Codec) Register(name string, h Handler, notification bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods[name] = method{handler: h, notification: notification}
}

// HandleMessage dispatches one raw inbound frame: a request is routed to its
// registered handler and replied to, a response is correlated against a
// pending outbound call, and a frame this codec cannot even parse is
// answered with a -32600 Invalid Request error carrying a null id.
func (c *Codec) HandleMessage(raw []byte) {
	req, resp, err := c.dialect.Decode(raw)
	if err != nil {
		c.replyError(nil, CodeInvalidRequest, "invalid request: "+err.Error())
		return
	}
	if req != nil {
		c.handleRequest(req)
		return
	}
	c.handleResponse(resp)
}

func (c *Codec) handleRequest(req *Request) {
	c.mu.Lock()
	m, ok := c.methods[req.Method]
	c.mu.Unlock()

	if !ok {
		if !req.IsNotification() {
			c.replyError(req.ID, CodeMethodNotFound, "method not found: "+req.Method)
		}
		return
	}

	if m.notification != req.IsNotification() {
		// Notifications must not carry an id; calls must. A mismatch means
		// the frame is malformed, not just mis-routed, so it is rejected
		// before the handler ever runs.
		if !req.IsNotification() {
			c.replyError(req.ID, CodeInvalidRequest, "invalid request: method "+req.Method+" expects a notification")
		} else {
			c.replyError(nil, CodeInvalidRequest, "invalid request: method "+req.Method+" requires an id")
		}
		return
	}

	result, err := m.handler(req.Params)
	if m.notification {
		if err != nil {
			c.log.Warn("notification handler error", "method", req.Method, "err", err)
		}
		return
	}
	if err != nil {
		code := CodeInternal
		if _, ok := err.(paramsError); ok {
			code = CodeInvalidParams
		}
		c.replyError(req.ID, code, err.Error())
		return
	}
	c.replyResult(req.ID, result)
}

func (c *Codec) handleResponse(resp *Response) {
	key := string(resp.ID)
	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("response for unknown or already-settled call", "id", key)
		if resp.Error == nil {
			// A stray error frame gets no reply: answering it would bounce
			// -32603 frames between two codecs forever.
			c.replyError(resp.ID, CodeInternal, "no pending call for id "+key)
		}
		return
	}
	ch <- resp
}

func (c *Codec) replyResult(id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.replyError(id, CodeInternal, "marshal result: "+err.Error())
		return
	}
	c.writeResponse(&Response{Result: raw, ID: id})
}

func (c *Codec) replyError(id json.RawMessage, code int, message string) {
	if id == nil {
		id = json.RawMessage("null")
	}
	c.writeResponse(&Response{Error: &Error{Code: code, Message: message}, ID: id})
}

func (c *Codec) writeResponse(resp *Response) {
	raw, err := c.dialect.EncodeResponse(resp)
	if err != nil {
		c.log.Error("encode response", "err", err)
		return
	}
	if err := c.send(raw); err != nil {
		c.log.Debug("send response", "err", err)
	}
}

// Call invokes method on the remote side and blocks until a reply arrives
// or the codec is closed, in which case it returns ErrChannelClosed.
func (c *Codec) Call(method string, params []json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.nextID++
	id := json.RawMessage(strconv.FormatInt(c.nextID, 10))
	ch := make(chan *Response, 1)
	c.pending[string(id)] = ch
	c.mu.Unlock()

	raw, err := c.dialect.EncodeRequest(&Request{Method: method, Params: params, ID: id})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, string(id))
		c.mu.Unlock()
		return nil, fmt.Errorf("encode call: %w", err)
	}
	if err := c.send(raw); err != nil {
		c.mu.Lock()
		delete(c.pending, string(id))
		c.mu.Unlock()
		return nil, fmt.Errorf("send call: %w", err)
	}

	resp := <-ch
	if resp == nil {
		return nil, ErrChannelClosed
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify sends a fire-and-forget request that expects no reply.
func (c *Codec) Notify(method string, params []json.RawMessage) error {
	raw, err := c.dialect.EncodeRequest(&Request{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode notify: %w", err)
	}
	return c.send(raw)
}

// HandleClose rejects every outstanding Call with ErrChannelClosed and marks
// the codec closed so further Call attempts fail fast instead of blocking
// forever on a dead transport.
func (c *Codec) HandleClose() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan *Response)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- nil
	}
}
