package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	wsprotocol "github.com/dohr-michael/overseer/internal/gateway/ws"
)

// echoGateway answers every request: "fail" errors, anything else echoes params.
// An event frame is pushed before each reply.
func echoGateway(t *testing.T, wantToken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantToken != "" && r.Header.Get("Authorization") != "Bearer "+wantToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			req, _ := wsprotocol.UnmarshalFrame(data)

			ev, _ := wsprotocol.NewEventFrame("task.created", "task_1", map[string]string{})
			evData, _ := wsprotocol.MarshalFrame(ev)
			conn.Write(ctx, websocket.MessageText, evData)

			var res wsprotocol.Frame
			if req.Method == "fail" {
				res = wsprotocol.NewErrorFrame(req.ID, "not_found", "task x: not found")
			} else {
				res, _ = wsprotocol.NewResponseFrame(req.ID, json.RawMessage(req.Params))
			}
			resData, _ := wsprotocol.MarshalFrame(res)
			conn.Write(ctx, websocket.MessageText, resData)
		}
	}))
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestCall(t *testing.T) {
	ts := echoGateway(t, "tok")
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(ts), "tok")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	out, err := c.Call("get_task", map[string]string{"id": "task_1"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var echoed map[string]string
	if err := json.Unmarshal(out, &echoed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if echoed["id"] != "task_1" {
		t.Errorf("echoed = %v", echoed)
	}

	_, err = c.Call("fail", nil)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Kind != "not_found" {
		t.Errorf("got %v, want not_found command error", err)
	}
}

func TestDial_Unauthorized(t *testing.T) {
	ts := echoGateway(t, "tok")
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := Dial(ctx, wsURL(ts), "wrong"); err == nil {
		t.Fatal("expected dial to fail with a wrong token")
	}
}
