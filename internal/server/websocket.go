package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/bloom-nucleus/synapse/internal/eventbus"
	"github.com/bloom-nucleus/synapse/internal/protocol"
)

// Events the hub raises on behalf of actuators.
const (
	EventActuatorReady = "ACTUATOR_READY"
	EventActuatorGone  = "ACTUATOR_DISCONNECTED"
)

const (
	actuatorSendBuffer = 256
	pongWait           = 60 * time.Second
	pingPeriod         = 54 * time.Second
	writeWait          = 10 * time.Second
	maxActuatorMessage = 8 << 20
)

var (
	// ErrActuatorNotFound is returned when no actuator matches a target.
	ErrActuatorNotFound = errors.New("actuator not found")

	// ErrActuatorGone is returned to commands whose actuator disconnected
	// before replying.
	ErrActuatorGone = errors.New("actuator disconnected")
)

// ActuatorInfo describes one connected actuator.
type ActuatorInfo struct {
	ID          string    `json:"id"`
	TabID       int       `json:"tab_id,omitempty"`
	URL         string    `json:"url,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	Active      bool      `json:"active"`
}

// Actuator is one page-level websocket connection.
type Actuator struct {
	id          string
	tabID       int
	url         string
	connectedAt time.Time

	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu      sync.Mutex
	pending map[string]chan json.RawMessage
	closed  bool
}

// Hub tracks page-level actuators, relays host commands to them and
// publishes their events on the bus.
type Hub struct {
	bus        *eventbus.Bus
	upgrader   websocket.Upgrader
	register   chan *Actuator
	unregister chan *Actuator
	done       chan struct{}

	mu        sync.RWMutex
	actuators map[string]*Actuator
	lastSeen  map[string]time.Time
	active    string
}

// NewHub creates a hub. originAllowed validates the Origin header of
// upgrade requests; extension and loopback origins are always accepted.
func NewHub(bus *eventbus.Bus, originAllowed func(string) bool) *Hub {
	return &Hub{
		bus:        bus,
		register:   make(chan *Actuator),
		unregister: make(chan *Actuator),
		done:       make(chan struct{}),
		actuators:  make(map[string]*Actuator),
		lastSeen:   make(map[string]time.Time),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || isBuiltinOrigin(parseOrigin(origin)) {
					return true
				}
				if originAllowed != nil {
					return originAllowed(origin)
				}
				return false
			},
		},
	}
}

// Count returns the number of connected actuators.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.actuators)
}

// Actuators lists connected actuators, most recently active first.
func (h *Hub) Actuators() []ActuatorInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ActuatorInfo, 0, len(h.actuators))
	for id, a := range h.actuators {
		out = append(out, ActuatorInfo{
			ID:          id,
			TabID:       a.tabID,
			URL:         a.url,
			ConnectedAt: a.connectedAt,
			Active:      id == h.active,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return h.lastSeen[out[i].ID].After(h.lastSeen[out[j].ID])
	})
	return out
}

// Run processes registrations until ctx is cancelled, then closes every
// actuator.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, a := range h.actuators {
				a.failPending()
				close(a.send)
				delete(h.actuators, id)
			}
			h.mu.Unlock()
			return

		case a := <-h.register:
			h.mu.Lock()
			h.actuators[a.id] = a
			h.lastSeen[a.id] = time.Now()
			h.active = a.id
			h.mu.Unlock()
			log.Printf("[Actuator] %s connected (tab %d, %s)", a.id, a.tabID, a.url)
			h.announce(a, true)

		case a := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.actuators[a.id]; ok {
				delete(h.actuators, a.id)
				delete(h.lastSeen, a.id)
				close(a.send)
				if h.active == a.id {
					h.active = h.mostRecentLocked()
				}
			} else {
				a = nil
			}
			h.mu.Unlock()
			if a != nil {
				a.failPending()
				log.Printf("[Actuator] %s disconnected", a.id)
				h.announce(a, false)
			}
		}
	}
}

func (h *Hub) mostRecentLocked() string {
	var (
		best string
		at   time.Time
	)
	for id, seen := range h.lastSeen {
		if best == "" || seen.After(at) {
			best, at = id, seen
		}
	}
	return best
}

func (h *Hub) touch(a *Actuator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.actuators[a.id]; ok {
		h.lastSeen[a.id] = time.Now()
		h.active = a.id
	}
}

// announce publishes presence and the page event the host expects.
func (h *Hub) announce(a *Actuator, connected bool) {
	ctx := context.Background()
	eventbus.Publish(ctx, h.bus, eventbus.Actuators.Presence, eventbus.SourceActuatorHub, eventbus.ActuatorPresenceEvent{
		ActuatorID: a.id,
		TabID:      a.tabID,
		URL:        a.url,
		Connected:  connected,
	})

	name := EventActuatorReady
	if !connected {
		name = EventActuatorGone
	}
	event, err := protocol.NewEvent(name, map[string]any{"tab_id": a.tabID, "url": a.url})
	if err != nil {
		log.Printf("[Actuator] build %s: %v", name, err)
		return
	}
	h.publishEvent(a, event)
}

func (h *Hub) publishEvent(a *Actuator, event []byte) {
	eventbus.Publish(context.Background(), h.bus, eventbus.Actuators.Event, eventbus.SourceActuatorHub, eventbus.PageEvent{
		Sender: eventbus.PageSender{ActuatorID: a.id, TabID: a.tabID, URL: a.url},
		Event:  json.RawMessage(event),
	})
}

// Forward relays msg to the actuator selected by target and waits for its
// RESPONSE. target is "active", a numeric tab id or an actuator id. The
// message is relayed unchanged apart from an added relay_id, which the
// actuator echoes in its RESPONSE.
func (h *Hub) Forward(ctx context.Context, target string, msg []byte) (json.RawMessage, error) {
	a, err := h.resolve(target)
	if err != nil {
		return nil, err
	}

	relayID := uuid.NewString()
	out, err := sjson.SetBytes(msg, "relay_id", relayID)
	if err != nil {
		return nil, fmt.Errorf("actuator: tag command: %w", err)
	}

	reply, err := a.expect(relayID)
	if err != nil {
		return nil, err
	}
	defer a.forget(relayID)

	if err := a.enqueue(out); err != nil {
		return nil, err
	}

	select {
	case payload, ok := <-reply:
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrActuatorGone, a.id)
		}
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) resolve(target string) (*Actuator, error) {
	target = strings.TrimSpace(target)

	h.mu.RLock()
	defer h.mu.RUnlock()

	if target == "" || target == "active" {
		if a, ok := h.actuators[h.active]; ok {
			return a, nil
		}
		return nil, fmt.Errorf("%w: no active actuator", ErrActuatorNotFound)
	}
	if tabID, err := strconv.Atoi(target); err == nil {
		var (
			best *Actuator
			at   time.Time
		)
		for id, a := range h.actuators {
			if a.tabID == tabID && (best == nil || h.lastSeen[id].After(at)) {
				best, at = a, h.lastSeen[id]
			}
		}
		if best != nil {
			return best, nil
		}
		return nil, fmt.Errorf("%w: tab %d", ErrActuatorNotFound, tabID)
	}
	if a, ok := h.actuators[target]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrActuatorNotFound, target)
}

// HandleWebSocket upgrades an actuator connection. The page identifies
// itself with the tab_id and url query parameters.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tabID := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("tab_id")); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id < 0 {
			writeError(w, http.StatusBadRequest, "invalid tab_id")
			return
		}
		tabID = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Actuator] upgrade error: %v", err)
		return
	}

	a := &Actuator{
		id:          uuid.NewString(),
		tabID:       tabID,
		url:         r.URL.Query().Get("url"),
		connectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, actuatorSendBuffer),
		hub:         h,
		pending:     make(map[string]chan json.RawMessage),
	}

	hello, _ := json.Marshal(map[string]any{"type": "ACTUATOR_HELLO", "actuator_id": a.id})
	a.send <- hello

	select {
	case h.register <- a:
	case <-h.done:
		conn.Close()
		return
	}

	go a.writePump()
	go a.readPump()
}

func (a *Actuator) expect(id string) (chan json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("%w: %s", ErrActuatorGone, a.id)
	}
	ch := make(chan json.RawMessage, 1)
	a.pending[id] = ch
	return ch, nil
}

func (a *Actuator) forget(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, id)
}

func (a *Actuator) resolve(id string, payload json.RawMessage) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.pending[id]
	if !ok {
		return false
	}
	delete(a.pending, id)
	ch <- payload
	return true
}

func (a *Actuator) failPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
}

// enqueue hands msg to the write pump. The send channel is closed by the
// hub under its lock, so enqueue takes the same lock.
func (a *Actuator) enqueue(msg []byte) error {
	a.hub.mu.RLock()
	defer a.hub.mu.RUnlock()
	if _, ok := a.hub.actuators[a.id]; !ok {
		return fmt.Errorf("%w: %s", ErrActuatorGone, a.id)
	}
	select {
	case a.send <- msg:
		return nil
	default:
		return fmt.Errorf("actuator %s: send buffer full", a.id)
	}
}

// readPump reads actuator messages until the connection drops.
func (a *Actuator) readPump() {
	defer func() {
		select {
		case a.hub.unregister <- a:
		case <-a.hub.done:
		}
		a.conn.Close()
	}()

	a.conn.SetReadLimit(maxActuatorMessage)
	a.conn.SetReadDeadline(time.Now().Add(pongWait))
	a.conn.SetPongHandler(func(string) error {
		a.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Actuator] %s read error: %v", a.id, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		a.handle(message)
	}
}

func (a *Actuator) handle(message []byte) {
	if !gjson.ValidBytes(message) {
		log.Printf("[Actuator] %s sent invalid json", a.id)
		return
	}
	a.hub.touch(a)

	root := gjson.ParseBytes(message)
	if protocol.ParseKind(root.Get("type").String()) == protocol.KindResponse {
		id := root.Get("relay_id").String()
		if id == "" {
			id = root.Get("id").String()
		}
		reply := json.RawMessage(message)
		if p := root.Get("payload"); p.Exists() {
			reply = json.RawMessage(p.Raw)
		}
		if !a.resolve(id, reply) {
			log.Printf("[Actuator] %s: RESPONSE for unknown relay %q", a.id, id)
		}
		return
	}
	if root.Get("event").Exists() {
		a.hub.publishEvent(a, message)
		return
	}
	log.Printf("[Actuator] %s: ignoring message without type or event", a.id)
}

// writePump writes queued messages and keeps the connection alive.
func (a *Actuator) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		a.conn.Close()
	}()

	for {
		select {
		case message, ok := <-a.send:
			a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				a.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := a.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := a.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
