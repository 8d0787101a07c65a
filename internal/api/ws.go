package api

import (
	"net/http"
	"sync"

	"github.com/kerbside-data/traffic.watch/internal/broadcast"
	"github.com/kerbside-data/traffic.watch/internal/monitoring"
)

// wsMessage is the client→server control message. Every field is optional;
// a message may carry any combination of config updates plus a command.
type wsMessage struct {
	Command        string   `json:"command,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
	FPS            *float64 `json:"fps,omitempty"`
	PixelsPerMeter *float64 `json:"pixels_per_meter,omitempty"`
	Tracking       *bool    `json:"tracking,omitempty"`
}

// syncConn serializes writes to one websocket connection. gorilla/websocket
// supports at most one concurrent writer, and both the registry's send
// goroutines and the read loop's command acks write to the same connection,
// so they must share this lock.
type syncConn struct {
	mu   sync.Mutex
	conn broadcast.Conn
}

func (c *syncConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *syncConn) Close() error {
	return c.conn.Close()
}

// video upgrades the connection, registers it with the broadcast registry,
// and consumes control messages until the client disconnects. Frame delivery
// happens on the hub's cadence, not here.
func (s *Server) video(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("ws: upgrade failed: %v", err)
		return
	}

	ws := &syncConn{conn: conn}
	id := s.registry.Add(ws)
	defer func() {
		s.registry.Remove(id)
		ws.Close()
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.applyMessage(&msg, ws.WriteJSON)
	}
}

func (s *Server) applyMessage(msg *wsMessage, reply func(interface{}) error) {
	if msg.Confidence != nil {
		s.engine.SetConfidence(*msg.Confidence)
	}
	if msg.FPS != nil || msg.PixelsPerMeter != nil {
		s.engine.SetCalibration(msg.FPS, msg.PixelsPerMeter)
	}
	if msg.Tracking != nil {
		s.engine.SetTracking(*msg.Tracking)
	}
	if msg.Command == "stop" {
		s.engine.Stop()
		if err := reply(map[string]string{"status": "stopped"}); err != nil {
			monitoring.Logf("ws: stop ack failed: %v", err)
		}
	}
}
