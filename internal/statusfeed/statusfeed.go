// Package statusfeed streams a JSON snapshot of the engine's last
// decision over a local read-only websocket, for live dashboards.
// Grounded in other_examples/automatedhome-solar's websocket usage.
package statusfeed

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Snapshot is published to every connected client whenever the engine
// completes a decision-procedure run.
type Snapshot struct {
	At            time.Time `json:"at"`
	Demand        float64   `json:"demand_w"`
	HubLimit      float64   `json:"hub_limit_w"`
	InverterLimit float64   `json:"inverter_limit_w"`
	Bypass        bool      `json:"bypass"`
	ElectricLevel int       `json:"electric_level"`
	ChargeThrough bool      `json:"charge_through"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Feed fans out Snapshots to connected websocket clients.
type Feed struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	log     *log.Logger
}

// New constructs an empty Feed.
func New() *Feed {
	return &Feed{
		clients: make(map[*websocket.Conn]struct{}),
		log:     log.New(log.Writer(), "[statusfeed] ", log.LstdFlags),
	}
}

// Handler upgrades incoming HTTP connections to websockets and
// registers them as subscribers until they disconnect.
func (f *Feed) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Printf("upgrade failed: %v", err)
		return
	}
	f.mu.Lock()
	f.clients[conn] = struct{}{}
	f.mu.Unlock()

	go func() {
		defer f.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (f *Feed) remove(conn *websocket.Conn) {
	f.mu.Lock()
	delete(f.clients, conn)
	f.mu.Unlock()
	conn.Close()
}

// Publish sends snap to every connected client, dropping any client
// whose write fails.
func (f *Feed) Publish(snap Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		f.log.Printf("marshal snapshot failed: %v", err)
		return
	}

	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.clients))
	for c := range f.clients {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			f.remove(c)
		}
	}
}
