package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/avvvet/cardkey-services/internal/comm"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const writeWait = 5 * time.Second

// client serialises writes; gorilla connections allow one concurrent writer.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// Ws fans card events out to connected admin dashboards.
type Ws struct {
	connMap  sync.Map // socketId -> *client
	upgrader websocket.Upgrader
}

func NewWs() *Ws {
	return &Ws{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades an admin request and keeps the socket registered
// until the client goes away.
func (s *Ws) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade to WebSocket: %v", err)
		return
	}

	socketId := uuid.New().String()
	c := s.storeConnection(socketId, conn)
	log.Infof("New admin WebSocket connection established: %s", socketId)

	go s.handleConnection(socketId, c)
}

// handleConnection drains client frames. Only "ping" is answered; the
// stream is otherwise server to client.
func (s *Ws) handleConnection(socketId string, c *client) {
	defer func() {
		log.Infof("Closing WebSocket connection: %s", socketId)
		s.HandleDisconnect(socketId)
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Errorf("WebSocket unexpected close error for socket %s: %v", socketId, err)
			}
			return
		}

		msg := &comm.WSMessage{}
		if err := json.Unmarshal(raw, msg); err != nil {
			log.Debugf("Ignoring malformed message from socket %s: %v", socketId, err)
			continue
		}
		if msg.Type == "ping" {
			if err := c.write(&comm.WSMessage{Type: "pong", SocketId: socketId}); err != nil {
				return
			}
		}
	}
}

func (s *Ws) storeConnection(socketId string, conn *websocket.Conn) *client {
	c := &client{conn: conn}
	s.connMap.Store(socketId, c)
	return c
}

func (s *Ws) HandleDisconnect(socketId string) {
	if v, ok := s.connMap.LoadAndDelete(socketId); ok {
		v.(*client).conn.Close()
	}
}

// Count returns the number of connected sockets.
func (s *Ws) Count() int {
	n := 0
	s.connMap.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Broadcast writes m to every socket, dropping the ones that fail.
func (s *Ws) Broadcast(m *comm.WSMessage) {
	s.connMap.Range(func(key, value any) bool {
		socketId := key.(string)
		if err := value.(*client).write(m); err != nil {
			log.Warnf("dropping socket %s after write error: %v", socketId, err)
			s.HandleDisconnect(socketId)
		}
		return true
	})
}

// Publish lets the hub receive card events directly when NATS is disabled.
func (s *Ws) Publish(ev comm.CardEvent) {
	msg, err := ev.Envelope()
	if err != nil {
		log.Errorf("unable to marshal %s event: %v", ev.Type, err)
		return
	}
	s.Broadcast(msg)
}
