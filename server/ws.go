package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/claudebench/claudebench/bus"
	"github.com/claudebench/claudebench/store"
)

const (
	maxWSConnections = 200
	wsWriteTimeout   = 5 * time.Second
	wsSendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Transports in front of the fabric terminate auth; the feed itself is
	// read-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventFeed streams bus events to WebSocket clients. Each connection gets
// its own bus subscription for its requested pattern; slow clients are
// dropped rather than allowed to back up the dispatch path.
type EventFeed struct {
	bus *bus.EventBus

	mu      sync.Mutex
	clients map[*websocket.Conn]func()
}

func NewEventFeed(eb *bus.EventBus) *EventFeed {
	return &EventFeed{bus: eb, clients: make(map[*websocket.Conn]func())}
}

func (f *EventFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "task.*"
	}

	f.mu.Lock()
	if len(f.clients) >= maxWSConnections {
		f.mu.Unlock()
		http.Error(w, "too many subscribers", http.StatusServiceUnavailable)
		return
	}
	f.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade: %v", err)
		return
	}

	send := make(chan store.Event, wsSendBuffer)
	unsub, err := f.bus.Subscribe(r.Context(), pattern, func(_ context.Context, evt store.Event) {
		select {
		case send <- evt:
		default: // slow client, drop the event
		}
	})
	if err != nil {
		log.Printf("ws: subscribe %s: %v", pattern, err)
		conn.Close()
		return
	}

	f.mu.Lock()
	f.clients[conn] = unsub
	f.mu.Unlock()

	go f.writePump(conn, send)
	f.readPump(conn)
}

func (f *EventFeed) writePump(conn *websocket.Conn, send chan store.Event) {
	for evt := range send {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(evt); err != nil {
			f.drop(conn)
			return
		}
	}
}

// readPump discards inbound frames; its job is detecting disconnects.
func (f *EventFeed) readPump(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			f.drop(conn)
			return
		}
	}
}

func (f *EventFeed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	unsub, ok := f.clients[conn]
	delete(f.clients, conn)
	f.mu.Unlock()
	if ok {
		unsub()
		conn.Close()
	}
}

// Shutdown closes every client connection.
func (f *EventFeed) Shutdown() {
	f.mu.Lock()
	clients := f.clients
	f.clients = make(map[*websocket.Conn]func())
	f.mu.Unlock()
	for conn, unsub := range clients {
		unsub()
		conn.Close()
	}
}
