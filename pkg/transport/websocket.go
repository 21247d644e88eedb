package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	websocketSubprotocol = "mcp"
	websocketCloseWait   = time.Second
)

func websocketDialer(c *sessionClient, spec Spec) dialFunc {
	return func(ctx context.Context) (*mcp.ClientSession, error) {
		return c.attempt(ctx, &WebSocketTransport{
			URL:          spec.URL,
			Header:       headersFromMap(spec.Headers),
			AuthProvider: spec.AuthProvider,
		})
	}
}

// WebSocketTransport is an mcp.Transport carrying one JSON-RPC message per
// text frame over a persistent WebSocket connection.
type WebSocketTransport struct {
	URL          string
	Header       http.Header
	AuthProvider AuthProvider
	Dialer       *websocket.Dialer
}

func (t *WebSocketTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
			Subprotocols:     []string{websocketSubprotocol},
		}
	}
	header := t.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if err := applyAuth(ctx, header, t.AuthProvider); err != nil {
		return nil, err
	}
	conn, resp, err := dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed (%s): %w", t.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", t.URL, err)
	}
	wc := &websocketConn{
		conn:     conn,
		incoming: make(chan jsonrpc.Message),
		closed:   make(chan struct{}),
	}
	go wc.readLoop()
	return wc, nil
}

type websocketConn struct {
	conn *websocket.Conn

	incoming chan jsonrpc.Message
	closed   chan struct{}

	errMu   sync.Mutex
	readErr error

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *websocketConn) SessionID() string { return "" }

func (c *websocketConn) readLoop() {
	defer close(c.incoming)
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = io.EOF
			}
			c.setErr(err)
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		msg, err := jsonrpc.DecodeMessage(data)
		if err != nil {
			c.setErr(fmt.Errorf("websocket: decode message: %w", err))
			return
		}
		select {
		case c.incoming <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *websocketConn) setErr(err error) {
	c.errMu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.errMu.Unlock()
}

func (c *websocketConn) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		return io.EOF
	}
	return c.readErr
}

func (c *websocketConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	case msg, ok := <-c.incoming:
		if !ok {
			select {
			case <-c.closed:
				return nil, io.EOF
			default:
			}
			return nil, c.err()
		}
		return msg, nil
	}
}

func (c *websocketConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("websocket: encode message: %w", err)
	}
	select {
	case <-c.closed:
		return errors.New("websocket: connection closed")
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(websocketCloseWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
