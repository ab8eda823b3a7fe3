package blockbook

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgeapp/addrhub/internal/codec"
	"github.com/edgeapp/addrhub/internal/log"
)

// wsConn wraps one websocket transport with a Codec framed in the
// Blockbook dialect. Reads are pumped into the codec on a dedicated
// goroutine; writes go straight to the socket, serialized by writeMu
// because gorilla/websocket forbids concurrent writers.
type wsConn struct {
	url   string
	ws    *websocket.Conn
	codec *codec.Codec
	log   *log.Logger

	writeMu sync.Mutex
	closed  chan struct{}
	onClose func()
}

func dialWSConn(url string, dialect codec.Dialect, logger *log.Logger, onClose func()) (*wsConn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	c := &wsConn{url: url, ws: ws, log: logger, closed: make(chan struct{}), onClose: onClose}
	c.codec = codec.New(dialect, c.write, logger)
	go c.readLoop()
	return c, nil
}

func (c *wsConn) write(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *wsConn) readLoop() {
	defer func() {
		close(c.closed)
		c.codec.HandleClose()
		if c.onClose != nil {
			c.onClose()
		}
	}()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug("websocket read closed", "url", c.url, "err", err)
			return
		}
		c.codec.HandleMessage(raw)
	}
}

func (c *wsConn) ping() error {
	return c.codec.Notify("ping", nil)
}

func (c *wsConn) Close() {
	c.ws.Close()
	select {
	case <-c.closed:
	case <-time.After(time.Second):
	}
}
