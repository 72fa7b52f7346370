package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/observability"
	"github.com/example/tow-dispatch/internal/views"
)

var upgrader = websocket.Upgrader{}

// wsEnvelope frames every message pushed to a connected client.
type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsControl is what a dispatcher client may send: filter and search
// changes.
type wsControl struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// handleWS authenticates the connection, resolves the role, and streams
// the matching projection until the client goes away. Each connection owns
// its projection; closing the connection tears down its subscriptions, so
// nothing keeps pushing against a dead session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromRequest(r)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	role := s.gate.ResolveRole(r.Context(), sess.UserID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	out := make(chan wsEnvelope, 64)
	go writePump(conn, out)
	// the serve functions tear their projection down before returning, so
	// nothing pushes on out after this close and the pump always exits
	defer close(out)

	switch role {
	case models.RoleDispatcher:
		s.serveDispatcherWS(conn, out)
	default:
		s.serveDriverWS(conn, out, sess.UserID)
	}
}

func (s *Server) serveDispatcherWS(conn *websocket.Conn, out chan wsEnvelope) {
	v := &views.Dispatcher{
		Store:  s.store,
		Map:    &wsMap{out: out},
		Logger: s.logger,
	}
	v.OnChange = func() {
		st := v.State()
		observability.DriversOnline.Set(float64(st.OnlineCount))
		push(out, wsEnvelope{Type: "dispatch", Data: st})
	}
	if err := v.Start(); err != nil {
		s.logger.Error("dispatcher stream start failed", "error", err)
		return
	}
	defer v.Close()

	for {
		var msg wsControl
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "filter":
			v.SetFilter(msg.Value)
		case "search":
			v.SetSearch(msg.Value)
		}
	}
}

func (s *Server) serveDriverWS(conn *websocket.Conn, out chan wsEnvelope, driverID string) {
	v := &views.Driver{Store: s.store, Logger: s.logger, DriverID: driverID}
	v.OnChange = func() {
		push(out, wsEnvelope{Type: "driver", Data: v.State()})
	}
	if err := v.Start(); err != nil {
		s.logger.Error("driver stream start failed", "error", err)
		return
	}
	defer v.Close()

	// drain until the connection drops; drivers act through the REST
	// endpoints, not the socket
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// wsMap forwards marker reconciliation to the browser-side map widget.
type wsMap struct{ out chan wsEnvelope }

type markerUpdate struct {
	Key   string  `json:"key"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Label string  `json:"label"`
}

func (m *wsMap) UpsertMarker(key string, lat, lng float64, label string) {
	push(m.out, wsEnvelope{Type: "upsertMarker", Data: markerUpdate{Key: key, Lat: lat, Lng: lng, Label: label}})
}

func (m *wsMap) RemoveMarker(key string) {
	push(m.out, wsEnvelope{Type: "removeMarker", Data: markerUpdate{Key: key}})
}

// push never blocks a projection callback; a client that cannot keep up
// loses intermediate frames, and the next full snapshot replaces them
// anyway.
func push(out chan wsEnvelope, env wsEnvelope) {
	select {
	case out <- env:
	default:
	}
}

func writePump(conn *websocket.Conn, out chan wsEnvelope) {
	defer conn.Close()
	for env := range out {
		b, err := json.Marshal(env)
		if err != nil {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}
