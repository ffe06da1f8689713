package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/events"
)

// Dispatcher runs a gateway command from a JSON params object.
type Dispatcher interface {
	DispatchJSON(ctx context.Context, name string, params json.RawMessage) (any, error)
}

// Client represents a connected WebSocket client.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub manages WebSocket clients and bridges them to the event bus.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	dispatcher  Dispatcher
	unsubscribe func()
}

// hubBuffer bounds the events queued between the bus and the broadcaster.
const hubBuffer = 256

// NewHub creates a new WebSocket hub connected to an event bus.
func NewHub(bus *events.Bus, dispatcher Dispatcher) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		dispatcher: dispatcher,
	}

	ch, unsubscribe := bus.SubscribeChan(hubBuffer)
	h.unsubscribe = unsubscribe
	go h.forward(ch)

	return h
}

// forward broadcasts bus events to every client until the subscription
// channel is closed.
func (h *Hub) forward(ch <-chan events.Event) {
	for e := range ch {
		frame, err := NewEventFrame(string(e.Type), e.Subject, e)
		if err != nil {
			slog.Error("marshal event frame", "error", err)
			continue
		}
		data, err := MarshalFrame(frame)
		if err != nil {
			slog.Error("marshal frame", "error", err)
			continue
		}
		h.broadcast(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast sends data to all connected clients.
func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("ws client connected", "clients", len(h.clients))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		slog.Info("ws client disconnected", "clients", len(h.clients))
	}
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for dev
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

// readPump reads frames from the WS connection and dispatches them.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			slog.Error("ws unmarshal frame", "error", err)
			continue
		}

		if frame.Type != FrameTypeRequest {
			slog.Debug("ws unknown frame type", "type", frame.Type)
			continue
		}
		c.handleRequest(ctx, frame)
	}
}

// handleRequest dispatches a request frame as a gateway command.
func (c *Client) handleRequest(ctx context.Context, frame Frame) {
	if c.hub.dispatcher == nil {
		c.queue(NewErrorFrame(frame.ID, string(errs.KindPreconditionFailed), "commands not available"))
		return
	}

	result, err := c.hub.dispatcher.DispatchJSON(ctx, frame.Method, frame.Params)
	if err != nil {
		slog.Debug("ws command failed", "method", frame.Method, "error", err)
		c.queue(NewErrorFrame(frame.ID, string(errs.KindOf(err)), err.Error()))
		return
	}

	f, err := NewResponseFrame(frame.ID, result)
	if err != nil {
		c.queue(NewErrorFrame(frame.ID, string(errs.KindInternal), err.Error()))
		return
	}
	c.queue(f)
}

func (c *Client) queue(f Frame) {
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump writes queued messages to the WS connection.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close shuts down the hub and all client connections.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
	}
}
