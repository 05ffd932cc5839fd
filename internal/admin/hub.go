package admin

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vclocknet/internal/clock"
	"vclocknet/internal/node"
)

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventView is the JSON form of a node event on the watch feed.
type eventView struct {
	Kind   string            `json:"kind"`
	Node   string            `json:"node"`
	Peer   string            `json:"peer,omitempty"`
	Clock  clock.VectorClock `json:"clock,omitempty"`
	Remote clock.VectorClock `json:"remote,omitempty"`
	Error  string            `json:"error,omitempty"`
	Time   time.Time         `json:"time"`
}

func newEventView(e node.Event) eventView {
	v := eventView{
		Kind:   e.Kind.String(),
		Node:   e.Node,
		Peer:   e.Peer,
		Clock:  e.Clock,
		Remote: e.Remote,
		Time:   e.Time,
	}
	if e.Err != nil {
		v.Error = e.Err.Error()
	}
	return v
}

type watcher struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans node events out to websocket watchers. Slow watchers are
// disconnected rather than allowed to block the node.
type Hub struct {
	mu       sync.Mutex
	watchers map[string]*watcher
	closed   bool
	logger   *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{watchers: make(map[string]*watcher), logger: logger}
}

// Observe implements node.Observer.
func (h *Hub) Observe(e node.Event) {
	data, err := json.Marshal(newEventView(e))
	if err != nil {
		h.logger.Warn("encode watch event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, w := range h.watchers {
		select {
		case w.send <- data:
		default:
			h.logger.Info("dropping slow watcher", zap.String("watcher", id))
			delete(h.watchers, id)
			close(w.send)
		}
	}
}

// Len returns the number of connected watchers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

// ServeWS upgrades the request and streams events until the watcher
// disconnects or the hub is closed.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}

	wt := &watcher{id: uuid.NewString(), conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.watchers[wt.id] = wt
	h.mu.Unlock()
	h.logger.Debug("watcher connected", zap.String("watcher", wt.id), zap.String("remote", r.RemoteAddr))

	go h.writePump(wt)
	h.readPump(wt)
}

// readPump discards inbound frames; it exists to notice the peer closing.
func (h *Hub) readPump(wt *watcher) {
	defer func() {
		h.remove(wt.id)
		wt.conn.Close()
	}()
	for {
		if _, _, err := wt.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(wt *watcher) {
	defer wt.conn.Close()
	for msg := range wt.send {
		_ = wt.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := wt.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(wt.id)
			return
		}
	}
	_ = wt.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.watchers[id]; ok {
		delete(h.watchers, id)
		close(w.send)
	}
}

// Close disconnects every watcher and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, w := range h.watchers {
		delete(h.watchers, id)
		close(w.send)
	}
}
