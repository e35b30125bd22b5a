package managementapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mkessler/gateway/internal/logging"
)

func errUnknownMethod(method string) error {
	return fmt.Errorf("managementapi: unknown method %q", method)
}

// wsFrame is the single envelope shape every WebSocket message uses,
// distinguished by type: "req" (client to server), "res" (server to
// client, echoing the request id), or "event" (unsolicited server push).
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload interface{}     `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// wsClient wraps one upgraded connection. gorilla/websocket connections
// are not safe for concurrent writes, so every write goes through
// writeMu.
type wsClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

func (c *wsClient) writeFrame(f wsFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(f)
}

func (c *wsClient) sendEvent(event string, payload interface{}) {
	if err := c.writeFrame(wsFrame{Type: "event", Event: event, Payload: payload}); err != nil {
		logging.L_warn("managementapi: failed to push ws event", "event", event, "error", err)
	}
}

func (c *wsClient) sendResult(id string, payload interface{}) {
	if err := c.writeFrame(wsFrame{Type: "res", ID: id, OK: true, Payload: payload}); err != nil {
		logging.L_warn("managementapi: failed to write ws result", "error", err)
	}
}

func (c *wsClient) sendError(id string, err error) {
	if werr := c.writeFrame(wsFrame{Type: "res", ID: id, OK: false, Error: err.Error()}); werr != nil {
		logging.L_warn("managementapi: failed to write ws error", "error", werr)
	}
}

func (c *wsClient) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}

// handleWS upgrades the connection and pumps incoming "req" frames
// through dispatchWS, replying with "res" frames, until the client
// disconnects or the server shuts down.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.L_warn("managementapi: ws upgrade failed", "error", err)
		return
	}
	client := &wsClient{conn: conn}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	client.sendEvent("health", s.healthPayload())

	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		client.close()
	}()

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.L_debug("managementapi: ws read error", "error", err)
			}
			return
		}
		if frame.Type != "req" {
			continue
		}
		s.dispatchWS(client, frame)
	}
}

// dispatchWS answers one "req" frame inline, calling the same components
// and payload helpers the /api/* handlers use, keyed by method name
// instead of path and verb.
func (s *Server) dispatchWS(client *wsClient, frame wsFrame) {
	switch frame.Method {
	case "health":
		client.sendResult(frame.ID, s.healthPayload())
	case "status":
		client.sendResult(frame.ID, s.buildStatus())
	case "worldmodel.get":
		text, err := s.deps.WorldModel.Load()
		if err != nil {
			client.sendError(frame.ID, err)
			return
		}
		client.sendResult(frame.ID, map[string]string{"content": text})
	case "sessions.list":
		entries, err := s.deps.SessionLog.List()
		if err != nil {
			client.sendError(frame.ID, err)
			return
		}
		client.sendResult(frame.ID, map[string]interface{}{"sessions": entries})
	case "sessions.read":
		var params struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(frame.Params, &params); err != nil || params.Key == "" {
			client.sendError(frame.ID, fmt.Errorf("managementapi: missing key"))
			return
		}
		turns, err := s.deps.SessionLog.Read(params.Key)
		if err != nil {
			client.sendError(frame.ID, err)
			return
		}
		client.sendResult(frame.ID, map[string]interface{}{"turns": turns})
	case "archive.search":
		var params struct {
			Q     string `json:"q"`
			Limit int    `json:"limit"`
		}
		if len(frame.Params) > 0 {
			if err := json.Unmarshal(frame.Params, &params); err != nil {
				client.sendError(frame.ID, err)
				return
			}
		}
		records, err := s.deps.Archive.Search(params.Q, params.Limit)
		if err != nil {
			client.sendError(frame.ID, err)
			return
		}
		client.sendResult(frame.ID, map[string]interface{}{"records": records})
	default:
		client.sendError(frame.ID, errUnknownMethod(frame.Method))
	}
}
