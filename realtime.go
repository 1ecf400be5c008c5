package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Channel boundary
// ============================================================================

// ChannelState is the connection state of a realtime channel.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
)

// ListenerID identifies a registered listener for Off.
type ListenerID uint64

// EventHandler receives one realtime event.
type EventHandler func(event string, payload json.RawMessage)

// Channel is a duplex event connection to the realtime transport.
//
// Listeners run one at a time in arrival order, in registration order per
// event. Lifecycle events (EventConnect, EventDisconnect, EventConnectError,
// EventError) are delivered through the same listeners.
type Channel interface {
	// Connect starts connecting. No-op unless disconnected.
	Connect()
	// Disconnect closes the connection and cancels pending retries. No-op
	// when already disconnected.
	Disconnect()
	// Emit sends an event. Dropped, and logged, when not connected.
	Emit(event string, payload any)
	On(event string, h EventHandler) ListenerID
	Off(event string, id ListenerID)
	State() ChannelState
}

// Envelope is the wire format for all realtime events.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a WSChannel. The transport is restricted to a
// single websocket stream; there is no polling fallback.
type RealtimeConfig struct {
	URL string
	// Token is sent as the token query parameter on every dial. The CLI
	// passes the project API key: the channel is a shared broadcast room
	// and its events carry no per-user authority. Reconnects reuse the same
	// value, so a session access token here would go stale on refresh.
	Token string
	// ReconnectAttempts bounds automatic retries after a failed dial or a
	// dropped connection. Negative disables retries.
	ReconnectAttempts int
	// ReconnectDelay is the linear backoff step: retry n waits n*ReconnectDelay.
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
)

func (c *RealtimeConfig) defaults() {
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = 0
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type listener struct {
	id ListenerID
	h  EventHandler
}

type eventDispatcher struct {
	mu        sync.RWMutex
	nextID    ListenerID
	listeners map[string][]listener
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		listeners: make(map[string][]listener),
	}
}

func (d *eventDispatcher) on(event string, h EventHandler) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.listeners[event] = append(d.listeners[event], listener{id: d.nextID, h: h})
	return d.nextID
}

func (d *eventDispatcher) off(event string, id ListenerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ls := d.listeners[event]
	for i, l := range ls {
		if l.id == id {
			d.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

// dispatch runs the listeners for event synchronously, in registration order.
func (d *eventDispatcher) dispatch(event string, payload json.RawMessage) {
	d.mu.RLock()
	ls := append([]listener(nil), d.listeners[event]...)
	d.mu.RUnlock()
	for _, l := range ls {
		l.h(event, payload)
	}
}

func (d *eventDispatcher) dispatchValue(event string, v any) {
	var payload json.RawMessage
	if v != nil {
		payload, _ = json.Marshal(v)
	}
	d.dispatch(event, payload)
}

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel is a websocket Channel with bounded automatic reconnection.
type WSChannel struct {
	config     *RealtimeConfig
	logger     *zap.Logger
	dispatcher *eventDispatcher

	mu     sync.Mutex
	state  ChannelState
	conn   *websocket.Conn
	cancel context.CancelFunc
	// gen changes on every Connect and Disconnect so goroutines of an older
	// connection can tell they are stale.
	gen uint64
	wg  sync.WaitGroup
}

var _ Channel = (*WSChannel)(nil)

// NewWSChannel creates a disconnected channel. Call Connect to start it.
func NewWSChannel(config *RealtimeConfig) *WSChannel {
	cfg := *config
	cfg.defaults()
	return &WSChannel{
		config:     &cfg,
		logger:     cfg.Logger.With(zap.String("component", "realtime")),
		dispatcher: newEventDispatcher(),
		state:      StateDisconnected,
	}
}

// On registers a listener for event.
func (ws *WSChannel) On(event string, h EventHandler) ListenerID {
	return ws.dispatcher.on(event, h)
}

// Off removes a listener registered with On.
func (ws *WSChannel) Off(event string, id ListenerID) {
	ws.dispatcher.off(event, id)
}

// State returns the current connection state.
func (ws *WSChannel) State() ChannelState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect starts the connection loop in the background.
func (ws *WSChannel) Connect() {
	ws.mu.Lock()
	if ws.state != StateDisconnected {
		ws.mu.Unlock()
		return
	}
	ws.gen++
	gen := ws.gen
	ctx, cancel := context.WithCancel(context.Background())
	ws.cancel = cancel
	ws.setStateLocked(StateConnecting)
	ws.wg.Add(1)
	ws.mu.Unlock()

	go ws.run(ctx, gen)
}

// Disconnect closes the connection immediately. The close handshake
// finishes in the background.
func (ws *WSChannel) Disconnect() {
	ws.mu.Lock()
	if ws.state == StateDisconnected {
		ws.mu.Unlock()
		return
	}
	wasConnected := ws.state == StateConnected
	ws.gen++
	cancel, conn := ws.cancel, ws.conn
	ws.cancel, ws.conn = nil, nil
	ws.setStateLocked(StateDisconnected)
	if conn != nil {
		ws.wg.Add(1)
	}
	ws.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		go func() {
			defer ws.wg.Done()
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
		}()
	}
	if wasConnected {
		ws.dispatcher.dispatchValue(EventDisconnect, map[string]string{"reason": "client disconnect"})
	}
}

// Wait blocks until every background goroutine of the channel has exited.
// Call it after Disconnect.
func (ws *WSChannel) Wait() {
	ws.wg.Wait()
}

// Emit sends event with payload as JSON.
func (ws *WSChannel) Emit(event string, payload any) {
	ws.mu.Lock()
	conn, state := ws.conn, ws.state
	ws.mu.Unlock()

	if state != StateConnected || conn == nil {
		ws.logger.Warn("emit dropped: channel not connected",
			zap.String("event", event),
			zap.String("state", string(state)))
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		ws.logger.Error("emit dropped: cannot encode payload", zap.String("event", event), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ws.config.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, Envelope{Event: event, Payload: data}); err != nil {
		ws.logger.Warn("emit failed", zap.String("event", event), zap.Error(err))
	}
}

func (ws *WSChannel) setStateLocked(s ChannelState) {
	if ws.state == s {
		return
	}
	ws.logger.Info("channel state",
		zap.String("from", string(ws.state)),
		zap.String("to", string(s)))
	ws.state = s
}

func (ws *WSChannel) current(gen uint64) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.gen == gen
}

func (ws *WSChannel) endpoint() string {
	u := strings.Replace(ws.config.URL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	if ws.config.Token == "" {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "token=" + url.QueryEscape(ws.config.Token)
}

func (ws *WSChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, ws.config.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, ws.endpoint(), &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
	})
	if err != nil {
		return nil, opError("dial", ErrChannelConnect, err)
	}
	return conn, nil
}

// run owns one Connect..Disconnect cycle: dial, read until the connection
// drops, then retry with linear backoff until the attempts are exhausted.
func (ws *WSChannel) run(ctx context.Context, gen uint64) {
	defer ws.wg.Done()

	retries := 0
	first := true
	for {
		if !first {
			retries++
			if retries > ws.config.ReconnectAttempts {
				ws.giveUp(gen, retries-1)
				return
			}
			delay := time.Duration(retries) * ws.config.ReconnectDelay
			ws.logger.Info("reconnecting",
				zap.Int("attempt", retries),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		first = false

		conn, err := ws.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ws.logger.Warn("connect failed", zap.Error(err))
			ws.dispatcher.dispatchValue(EventConnectError, map[string]string{"message": err.Error()})
			continue
		}

		if !ws.attach(gen, conn) {
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return
		}
		retries = 0
		ws.dispatcher.dispatch(EventConnect, nil)

		err = ws.readLoop(ctx, gen, conn)
		if !ws.detach(gen) {
			return
		}
		ws.logger.Warn("connection dropped", zap.Error(err))
		ws.dispatcher.dispatchValue(EventDisconnect, map[string]string{"reason": errString(err)})
		conn.CloseNow()
	}
}

func (ws *WSChannel) attach(gen uint64, conn *websocket.Conn) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.gen != gen {
		return false
	}
	ws.conn = conn
	ws.setStateLocked(StateConnected)
	return true
}

// detach reverts a dropped connection to connecting. It reports false when
// the drop was caused by Disconnect.
func (ws *WSChannel) detach(gen uint64) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.gen != gen {
		return false
	}
	ws.conn = nil
	ws.setStateLocked(StateConnecting)
	return true
}

func (ws *WSChannel) giveUp(gen uint64, attempts int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.gen != gen {
		return
	}
	ws.logger.Warn("giving up reconnecting", zap.Int("attempts", attempts))
	if ws.cancel != nil {
		ws.cancel()
		ws.cancel = nil
	}
	ws.setStateLocked(StateDisconnected)
}

func (ws *WSChannel) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			ws.logger.Warn("malformed frame", zap.ByteString("frame", data))
			continue
		}
		if !ws.current(gen) {
			return errors.New("stale connection")
		}
		ws.dispatcher.dispatch(env.Event, env.Payload)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Sprintf("closed: %d %s", ce.Code, ce.Reason)
	}
	return err.Error()
}
