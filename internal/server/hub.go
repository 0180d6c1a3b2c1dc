package server

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sort"
	"sync"

	"github.com/andresmejia3/facecanvas/internal/playback"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
)

// Hub fans session events out to websocket clients. The last message of each
// event type is replayed to new clients so they start in sync.
type Hub struct {
	// mu guards both maps so a joining client sees either the replay or the live
	// message, in order, never the cached copy after a newer one.
	mu      sync.Mutex
	clients map[*client]bool
	last    map[string][]byte
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Message is the websocket envelope.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// replayOrder puts state before overlay; unknown events follow sorted by name.
var replayOrder = []string{playback.EventState, playback.EventOverlay}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		last:    make(map[string][]byte),
	}
}

// Broadcast never blocks; slow clients drop messages.
func (h *Hub) Broadcast(event string, data any) {
	msg, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("unable to encode websocket event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[event] = msg
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// addClient registers c and queues the cached events for it in one step.
func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true

	events := make([]string, 0, len(h.last))
	for event := range h.last {
		if !slices.Contains(replayOrder, event) {
			events = append(events, event)
		}
	}
	sort.Strings(events)
	for _, event := range append(slices.Clone(replayOrder), events...) {
		msg, ok := h.last[event]
		if !ok {
			continue
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}
	h.addClient(c)
	log.Debug().Str("remote", r.RemoteAddr).Int("clients", h.ClientCount()).Msg("websocket client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Writer goroutine
	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "")
		for msg := range c.send {
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}()

	// Reader loop only detects disconnects
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	h.removeClient(c)
	log.Debug().Str("remote", r.RemoteAddr).Msg("websocket client disconnected")
}
