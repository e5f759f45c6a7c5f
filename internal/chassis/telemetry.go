package chassis

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/happyfox/sissybot/internal/logging"
)

// WatcherWriteTimeout bounds one write to one watcher.
const WatcherWriteTimeout = time.Second

// Hub fans applied commands out to websocket watchers as JSON text frames.
type Hub struct {
	log      logging.Sink
	upgrader websocket.Upgrader
	origins  map[string]struct{}
	anyOrig  bool

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	// send serializes writers; a websocket conn allows one at a time.
	send sync.Mutex
}

// NewHub accepts watchers whose Origin is in origins ("*" allows any).
// Requests without an Origin header come from non-browser clients and are
// accepted.
func NewHub(origins []string, sink logging.Sink) *Hub {
	if sink == nil {
		sink = logging.Global()
	}
	h := &Hub{
		log:     sink,
		origins: make(map[string]struct{}),
		clients: make(map[*websocket.Conn]struct{}),
	}
	for _, o := range normalizeOrigins(origins) {
		if o == "*" {
			h.anyOrig = true
		}
		h.origins[o] = struct{}{}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.anyOrig {
		return true
	}
	_, ok := h.origins[origin]
	if !ok {
		h.log.Infof("chassis.Hub rejected origin=%q remote=%s", origin, r.RemoteAddr)
	}
	return ok
}

// ServeHTTP upgrades the request and holds the watcher until it hangs up.
// Anything the watcher sends is discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugf("chassis.Hub.ServeHTTP upgrade remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	h.log.Infof("chassis.Hub watcher joined remote=%s", r.RemoteAddr)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(conn)
	h.log.Infof("chassis.Hub watcher left remote=%s", r.RemoteAddr)
}

// Broadcast writes cmd to every watcher; watchers that fail the write are
// dropped.
func (h *Hub) Broadcast(cmd Command) {
	data, err := json.Marshal(cmd)
	if err != nil {
		h.log.Errorf("chassis.Hub.Broadcast marshal err=%v", err)
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	h.send.Lock()
	defer h.send.Unlock()
	for _, c := range clients {
		_ = c.SetWriteDeadline(time.Now().Add(WatcherWriteTimeout))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Infof("chassis.Hub dropped watcher remote=%s err=%v", c.RemoteAddr(), err)
			h.drop(c)
		}
	}
}

// Watchers returns the number of connected watchers.
func (h *Hub) Watchers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) drop(c *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}
