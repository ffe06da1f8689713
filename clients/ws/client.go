// Package ws provides a WebSocket client for the overseer gateway: it runs
// commands and streams bus events.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"

	wsprotocol "github.com/dohr-michael/overseer/internal/gateway/ws"
)

// CommandError is a failed command reply.
type CommandError struct {
	Kind    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
}

// Client is a WebSocket client for the overseer gateway.
type Client struct {
	conn   *websocket.Conn
	reqSeq uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to the gateway WebSocket endpoint. token may be empty.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
	}, nil
}

// Call runs a gateway command and waits for its reply. Event frames that
// arrive in between are dropped.
func (c *Client) Call(command string, params map[string]string) (json.RawMessage, error) {
	seq := atomic.AddUint64(&c.reqSeq, 1)
	id := fmt.Sprintf("req-%d", seq)

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	data, err := wsprotocol.MarshalFrame(wsprotocol.Frame{
		Type:   wsprotocol.FrameTypeRequest,
		ID:     id,
		Method: command,
		Params: raw,
	})
	if err != nil {
		return nil, err
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("ws write: %w", err)
	}

	for {
		f, err := c.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("ws read: %w", err)
		}
		if f.Type != wsprotocol.FrameTypeResponse || f.ID != id {
			continue
		}
		if f.OK == nil || !*f.OK {
			return nil, &CommandError{Kind: f.Kind, Message: f.Error}
		}
		return f.Payload, nil
	}
}

// ReadFrame reads the next frame from the connection.
func (c *Client) ReadFrame() (wsprotocol.Frame, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	return wsprotocol.UnmarshalFrame(data)
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
