package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bookapi/bookaudit/internal/audit"
)

// Feed manages the set of active WebSocket connections and broadcasts
// committed audit entries to all of them.
//
// A single hub goroutine owns the connection set; registration,
// unregistration and broadcasting all go through channels, so the map
// needs no lock.
type Feed struct {
	connections map[*feedConn]bool

	broadcastCh  chan []byte
	registerCh   chan *feedConn
	unregisterCh chan *feedConn
	countCh      chan chan int
	done         chan struct{}
	closeOnce    sync.Once
}

// feedConn wraps a single WebSocket connection.
type feedConn struct {
	conn *websocket.Conn
	send chan []byte
}

// upgrader handles the HTTP to WebSocket protocol upgrade. The feed is
// read-only and served on the loopback admin port, so any origin may
// subscribe.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewFeed creates a feed and starts its hub goroutine. Call Close to stop it.
func NewFeed() *Feed {
	f := &Feed{
		connections:  make(map[*feedConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *feedConn),
		unregisterCh: make(chan *feedConn),
		countCh:      make(chan chan int),
		done:         make(chan struct{}),
	}
	go f.run()
	return f
}

// run is the hub event loop.
func (f *Feed) run() {
	for {
		select {
		case c := <-f.registerCh:
			f.connections[c] = true
			slog.Debug("feed client connected", "total", len(f.connections))

		case c := <-f.unregisterCh:
			if _, ok := f.connections[c]; ok {
				delete(f.connections, c)
				close(c.send)
				slog.Debug("feed client disconnected", "total", len(f.connections))
			}

		case msg := <-f.broadcastCh:
			for c := range f.connections {
				select {
				case c.send <- msg:
				default:
					// A slow client must not hold up the others.
					delete(f.connections, c)
					close(c.send)
				}
			}

		case reply := <-f.countCh:
			reply <- len(f.connections)

		case <-f.done:
			for c := range f.connections {
				delete(f.connections, c)
				close(c.send)
			}
			return
		}
	}
}

// Broadcast sends e to every connected client. Non-blocking: if the
// broadcast queue is full the entry is dropped from the feed (it is still
// committed; clients catch up through /api/entries).
func (f *Feed) Broadcast(e audit.Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal feed entry", "seq", e.Seq, "error", err)
		return
	}
	select {
	case f.broadcastCh <- data:
	default:
	}
}

// Clients returns the number of connected feed clients.
func (f *Feed) Clients() int {
	reply := make(chan int, 1)
	select {
	case f.countCh <- reply:
		return <-reply
	case <-f.done:
		return 0
	}
}

// Close disconnects all clients and stops the hub. Safe to call multiple times.
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// ServeHTTP upgrades the connection to WebSocket and subscribes it.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &feedConn{
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case f.registerCh <- c:
	case <-f.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(f)
}

// writePump sends queued entries to the connection until the hub closes
// the send channel.
func (c *feedConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump drains the connection to detect disconnection, then
// unregisters. Incoming messages are ignored; the feed is one-directional.
func (c *feedConn) readPump(f *Feed) {
	defer func() {
		select {
		case f.unregisterCh <- c:
		case <-f.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
