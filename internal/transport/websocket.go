// Package transport adapts gorilla/websocket connections to the
// store.ClientHandle capability the session manager depends on.
package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/casmbu/nodejs-gateway/internal/session"
	"github.com/casmbu/nodejs-gateway/internal/store"
	"github.com/gorilla/websocket"
	"github.com/pitabwire/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// envelope is the wire shape every inbound client frame carries: name picks
// the handler registered via OnMessage, data is passed through verbatim.
type envelope struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// Upgrader upgrades incoming HTTP requests to websocket connections and
// registers the resulting sockets with a session Manager.
type Upgrader struct {
	upgrader websocket.Upgrader
	manager  *session.Manager
}

// NewUpgrader builds an Upgrader. allowedOrigins, when non-empty, restricts
// the Origin header the handshake will accept; an empty list leaves
// gorilla/websocket's default check in place, which accepts a request with
// no Origin header or one whose host matches the request's Host.
func NewUpgrader(manager *session.Manager, allowedOrigins []string) *Upgrader {
	u := &Upgrader{manager: manager}
	u.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(allowedOrigins) > 0 {
		allowed := make(map[string]struct{}, len(allowedOrigins))
		for _, origin := range allowedOrigins {
			allowed[origin] = struct{}{}
		}
		u.upgrader.CheckOrigin = func(r *http.Request) bool {
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		}
	}
	return u
}

// ServeHTTP upgrades the request, wraps the resulting connection in a
// socket, and hands it to the session manager before starting its pumps.
func (u *Upgrader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Log(r.Context()).WithError(err).Debug("websocket upgrade failed")
		return
	}

	sock := newSocket(session.NewSocketID(), conn)
	u.manager.RegisterSocket(r.Context(), sock)

	go sock.writePump()
	sock.readPump(r)
}

// socket implements store.ClientHandle over a single gorilla/websocket
// connection. Reads happen on one goroutine (readPump, called inline by
// ServeHTTP) and writes are serialized through a buffered channel drained by
// writePump, since *websocket.Conn forbids concurrent writers.
type socket struct {
	id   string
	conn *websocket.Conn

	send chan []byte

	mu            sync.Mutex
	messageFuncs  map[string]func(payload []byte)
	disconnectFns []func()
	closed        bool
}

var _ store.ClientHandle = (*socket)(nil)

func newSocket(id string, conn *websocket.Conn) *socket {
	return &socket{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, 256),
		messageFuncs: make(map[string]func(payload []byte)),
	}
}

func (s *socket) ID() string { return s.id }

// SendJSON marshals value into an envelope-free frame and queues it for the
// write pump. A full send buffer is treated as a dead connection.
func (s *socket) SendJSON(value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return websocket.ErrCloseSent
	}

	select {
	case s.send <- data:
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

// Disconnect closes the underlying connection. It is safe to call more than
// once.
func (s *socket) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.send)
	return s.conn.Close()
}

func (s *socket) OnMessage(name string, handler func(payload []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageFuncs[name] = handler
}

func (s *socket) OnDisconnect(handler func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectFns = append(s.disconnectFns, handler)
}

func (s *socket) dispatch(name string, payload []byte) {
	s.mu.Lock()
	handler := s.messageFuncs[name]
	s.mu.Unlock()
	if handler != nil {
		handler(payload)
	}
}

func (s *socket) fireDisconnect() {
	s.mu.Lock()
	handlers := append([]func(){}, s.disconnectFns...)
	s.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (s *socket) readPump(r *http.Request) {
	defer func() {
		_ = s.Disconnect()
		s.fireDisconnect()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				util.Log(r.Context()).WithError(err).WithFields(map[string]any{"socket_id": s.id}).
					Debug("websocket read error")
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		s.dispatch(env.Name, env.Data)
	}
}

func (s *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
