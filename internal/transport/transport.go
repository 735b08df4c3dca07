// Package transport implements a broadcaster over one or more channels,
// each exposing a uniform send/listen/close surface. The browser channel
// is a real WebSocket (subprotocol "vite-hmr"); the SSR channel is an
// in-process event emitter with no network hop.
package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vitelike/esmgraph/internal/log"
)

// Message is the envelope for every server->client payload: connected,
// update, full-reload, prune, error, custom.
type Message struct {
	Type string `json:"type"`

	// update
	Updates []Update `json:"updates,omitempty"`

	// full-reload
	Path        string `json:"path,omitempty"`
	TriggeredBy string `json:"triggeredBy,omitempty"`

	// prune
	Paths []string `json:"paths,omitempty"`

	// error
	Err *ErrorPayload `json:"err,omitempty"`

	// custom
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Update is one HMR boundary update, the per-module result of propagation.
type Update struct {
	Type                  string `json:"type"` // "js-update" | "css-update"
	Timestamp             int64  `json:"timestamp"`
	Path                  string `json:"path"`
	AcceptedPath          string `json:"acceptedPath"`
	ExplicitImportRequired bool  `json:"explicitImportRequired,omitempty"`
	IsWithinCircularImport bool  `json:"isWithinCircularImport,omitempty"`
	SSRInvalidates        []string `json:"ssrInvalidates,omitempty"`
}

// ErrorPayload carries an error's message, stack and (when available) a
// source location and code frame for the client's overlay.
type ErrorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Loc     *Loc   `json:"loc,omitempty"`
	Frame   string `json:"frame,omitempty"`
}

// Loc is a 1-based source position.
type Loc struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// ClientMessage is a client->server payload: ping, custom event, or a
// self-invalidation request.
type ClientMessage struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Channel is one transport leg. name is unique within a Broadcaster; Ready
// reports whether queued sends may be flushed (e.g. the socket finished its
// handshake).
type Channel interface {
	Name() string
	Send(Message) error
	Ready() bool
	Close() error
}

// Broadcaster aggregates channels and fan-outs Send to all of them,
// buffering per-channel until that channel reports Ready.
type Broadcaster struct {
	mu       sync.RWMutex
	channels map[string]Channel
	pending  map[string][]Message

	onConnection []func()
	connFired    bool
}

// NewBroadcaster returns an empty Broadcaster; channels register via
// AddChannel as they come up (the browser socket on first client connect,
// the SSR channel at server startup).
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		channels: make(map[string]Channel),
		pending:  make(map[string][]Message),
	}
}

// AddChannel registers ch and flushes any messages buffered for its name
// if it is already ready.
func (b *Broadcaster) AddChannel(ch Channel) {
	b.mu.Lock()
	b.channels[ch.Name()] = ch
	b.mu.Unlock()
	b.flush(ch)
	b.maybeFireConnection()
}

// RemoveChannel drops ch from the broadcaster (it does not close it —
// callers that own the channel's lifecycle call Close separately).
func (b *Broadcaster) RemoveChannel(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels, name)
}

// OnConnection registers fn to run the first time every currently
// registered channel reports Ready.
func (b *Broadcaster) OnConnection(fn func()) {
	b.mu.Lock()
	b.onConnection = append(b.onConnection, fn)
	fire := !b.connFired && b.allReadyLocked()
	if fire {
		b.connFired = true
	}
	b.mu.Unlock()
	if fire {
		fn()
	}
}

func (b *Broadcaster) maybeFireConnection() {
	b.mu.Lock()
	if b.connFired || !b.allReadyLocked() {
		b.mu.Unlock()
		return
	}
	b.connFired = true
	fns := append([]func(){}, b.onConnection...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (b *Broadcaster) allReadyLocked() bool {
	if len(b.channels) == 0 {
		return false
	}
	for _, ch := range b.channels {
		if !ch.Ready() {
			return false
		}
	}
	return true
}

// Send fans a message out to every channel: ready channels get it
// immediately (non-blocking per channel), not-yet-ready channels have it
// appended to their backlog for later Flush.
func (b *Broadcaster) Send(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, ch := range b.channels {
		if ch.Ready() {
			if err := ch.Send(msg); err != nil {
				log.Warnf("transport: send to %s failed: %v\n", name, err)
			}
			continue
		}
		b.pending[name] = append(b.pending[name], msg)
	}
}

// flush delivers ch's backlog, in order, once it becomes ready.
func (b *Broadcaster) flush(ch Channel) {
	if !ch.Ready() {
		return
	}
	b.mu.Lock()
	queued := b.pending[ch.Name()]
	delete(b.pending, ch.Name())
	b.mu.Unlock()

	for _, msg := range queued {
		if err := ch.Send(msg); err != nil {
			log.Warnf("transport: flush to %s failed: %v\n", ch.Name(), err)
			return
		}
	}
}

// Close closes every registered channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	chans := make([]Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		chans = append(chans, ch)
	}
	b.channels = make(map[string]Channel)
	b.mu.Unlock()
	for _, ch := range chans {
		ch.Close()
	}
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	Subprotocols:    []string{"vite-hmr"},
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// BrowserChannel is the real browser-facing WebSocket channel.
type BrowserChannel struct {
	id   string
	conn *websocket.Conn
	send chan Message
	done chan struct{}

	onMessage func(ClientMessage)

	mu     sync.Mutex
	ready  bool
	closed bool
}

// UpgradeBrowserChannel upgrades an HTTP request to a WebSocket connection
// using the vite-hmr subprotocol and starts its read/write pumps.
func UpgradeBrowserChannel(w http.ResponseWriter, r *http.Request, onMessage func(ClientMessage)) (*BrowserChannel, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	ch := &BrowserChannel{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan Message, 256),
		done:      make(chan struct{}),
		onMessage: onMessage,
		ready:     true, // the handshake itself is the readiness signal
	}
	go ch.writePump()
	go ch.readPump()
	return ch, nil
}

// Name implements Channel.
func (c *BrowserChannel) Name() string { return "browser:" + c.id }

// Ready implements Channel.
func (c *BrowserChannel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.closed
}

// Send implements Channel: enqueues msg for the write pump, non-blocking —
// a full send buffer marks the client as slow and drops the connection
// rather than stalling the broadcaster.
func (c *BrowserChannel) Send(msg Message) error {
	select {
	case c.send <- msg:
		return nil
	default:
		c.Close()
		return nil
	}
}

// Close implements Channel.
func (c *BrowserChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	return c.conn.Close()
}

func (c *BrowserChannel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err == nil {
		c.conn.WriteJSON(Message{Type: "connected"})
	}

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *BrowserChannel) readPump() {
	defer c.Close()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var m ClientMessage
		if err := c.conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warnf("transport: browser channel %s closed unexpectedly: %v\n", c.id, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if m.Type == "ping" {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(m)
		}
	}
}

// SSRChannel is the in-process channel used to notify the SSR module
// cache of invalidations without a network hop.
type SSRChannel struct {
	mu      sync.Mutex
	handler func(Message)
	closed  bool
}

// NewSSRChannel returns a channel that calls handler synchronously for
// every Send; handler is typically the SSR module cache's invalidator.
func NewSSRChannel(handler func(Message)) *SSRChannel {
	return &SSRChannel{handler: handler}
}

// Name implements Channel.
func (s *SSRChannel) Name() string { return "ssr" }

// Ready implements Channel: the in-process channel is always ready once
// constructed.
func (s *SSRChannel) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Send implements Channel.
func (s *SSRChannel) Send(msg Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	if s.handler != nil {
		s.handler(msg)
	}
	return nil
}

// Close implements Channel.
func (s *SSRChannel) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
