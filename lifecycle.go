package chatsync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LifecycleState is the Controller's session state.
type LifecycleState string

const (
	LifecycleSignedOut LifecycleState = "signed-out"
	LifecycleRestoring LifecycleState = "restoring"
	LifecycleActive    LifecycleState = "active"
)

// Controller events.
const (
	EventStateChanged  = "state.changed"
	EventLogChanged    = "log.changed"
	EventHistoryLoaded = "history.loaded"
	EventPersistOK     = "persist.ok"
	EventPersistFailed = "persist.failed"
)

// ============================================================================
// Event Emitter
// ============================================================================

// ControllerEventHandler observes Controller events. It runs outside the
// Controller's lock and may be called from background goroutines.
type ControllerEventHandler func(event string, payload any)

// PersistFailure is the payload of EventPersistFailed.
type PersistFailure struct {
	Message Message
	Err     error
}

type controllerEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]ControllerEventHandler
}

func (e *controllerEmitter) On(event string, handler ControllerEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *controllerEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

type pendingEvent struct {
	name    string
	payload any
}

// ============================================================================
// Controller
// ============================================================================

// Snapshot is a consistent view of the Controller's state.
type Snapshot struct {
	State       LifecycleState
	Session     *Session
	DisplayName string
	Joined      bool
	Channel     ChannelState
	Messages    []Message
	Loading     bool
}

type channelRegistration struct {
	event string
	id    ListenerID
}

// Controller sequences session transitions, channel connectivity and the
// chat log. Every state change happens under one lock; I/O runs in tracked
// goroutines whose results are dropped when the epoch they started under has
// ended.
type Controller struct {
	controllerEmitter

	sessions *SessionManager
	channel  Channel
	store    *StoreAdapter
	recon    *Reconciler
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       LifecycleState
	session     *Session
	displayName string
	joined      bool
	// epoch advances on every activation and teardown.
	epoch uint64
	// persisting counts background writes; teardown waits on drained until
	// it reaches zero.
	persisting    int
	drained       *sync.Cond
	historyFailed bool
	chatListener ListenerID
	lifecycle    []channelRegistration
	unsubscribe  func()
	started      bool
	closed       bool
}

type ControllerOption func(*Controller)

func WithLogger(logger *zap.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

// WithClock overrides the time source used for SentAt.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// WithIDGenerator overrides the client message ID generator. nil disables
// message IDs, leaving dedup to the author+text+second rule alone.
func WithIDGenerator(newID func() string) ControllerOption {
	return func(c *Controller) { c.newID = newID }
}

// NewController wires the collaborators. Nothing happens until Start.
func NewController(sessions *SessionManager, channel Channel, store MessageStore, opts ...ControllerOption) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		controllerEmitter: controllerEmitter{listeners: make(map[string][]ControllerEventHandler)},
		sessions:          sessions,
		channel:           channel,
		recon:             NewReconciler(),
		logger:            zap.NewNop(),
		now:               time.Now,
		newID:             uuid.NewString,
		ctx:               ctx,
		cancel:            cancel,
		state:             LifecycleSignedOut,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.drained = sync.NewCond(&c.mu)
	c.store = NewStoreAdapter(store, c.logger)
	return c
}

// Start subscribes to session changes and resolves the initial session.
// A failed query leaves the Controller signed out and is returned for
// information only.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	evs := c.setStateLocked(LifecycleRestoring)
	for _, event := range []string{EventConnect, EventDisconnect, EventConnectError, EventError} {
		c.lifecycle = append(c.lifecycle, channelRegistration{event, c.channel.On(event, c.logChannelEvent)})
	}
	c.mu.Unlock()
	c.fire(evs...)

	unsubscribe := c.sessions.Subscribe(c.handleSession)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unsubscribe()
		return nil
	}
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	s, err := c.sessions.Current(ctx)
	if err != nil {
		c.logger.Warn("initial session query failed", zap.Error(err))
		c.mu.Lock()
		var evs []pendingEvent
		if c.state == LifecycleRestoring {
			evs = c.setStateLocked(LifecycleSignedOut)
		}
		c.mu.Unlock()
		c.fire(evs...)
		return err
	}
	if s == nil {
		c.mu.Lock()
		var evs []pendingEvent
		if c.state == LifecycleRestoring {
			evs = c.setStateLocked(LifecycleSignedOut)
		}
		c.mu.Unlock()
		c.fire(evs...)
		return nil
	}
	c.handleSession(s)
	return nil
}

// handleSession applies one session transition.
func (c *Controller) handleSession(s *Session) {
	c.mu.Lock()
	c.drainLocked()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var evs []pendingEvent
	switch {
	case s == nil:
		// While restoring, Start's own query decides.
		if c.state == LifecycleActive {
			evs = c.teardownLocked("session ended")
		}
	case c.state == LifecycleActive && c.session != nil && c.session.UserID == s.UserID:
		// A load begun with the previous token may have been rejected.
		retry := c.session.AccessToken != s.AccessToken && (c.recon.Loading() || c.historyFailed)
		refreshed := *s
		c.session = &refreshed
		c.store.Bind(&refreshed)
		if retry {
			c.logger.Info("reloading history with refreshed session")
			c.startLoadLocked()
		}
	case c.state == LifecycleActive:
		evs = c.teardownLocked("identity changed")
		evs = append(evs, c.activateLocked(*s)...)
	default:
		evs = c.activateLocked(*s)
	}
	c.mu.Unlock()
	c.fire(evs...)
}

func (c *Controller) activateLocked(s Session) []pendingEvent {
	c.epoch++
	epoch := c.epoch
	c.session = &s
	c.displayName = s.DisplayName
	c.joined = false
	c.store.Bind(&s)
	c.recon.Clear()
	c.chatListener = c.channel.On(EventChatMessage, func(_ string, payload json.RawMessage) {
		c.handleChatMessage(epoch, payload)
	})
	c.logger.Info("session active", zap.String("user_id", s.UserID))
	c.startLoadLocked()

	evs := c.setStateLocked(LifecycleActive)
	return append(evs, pendingEvent{EventLogChanged, nil})
}

// drainLocked waits for background writes to finish. c.mu is released while
// waiting, so callers re-read state afterwards.
func (c *Controller) drainLocked() {
	for c.persisting > 0 {
		c.drained.Wait()
	}
}

// teardownLocked detaches the chat listener and disconnects before any state
// is cleared, so no late event can repopulate the log. Callers drain first.
func (c *Controller) teardownLocked(reason string) []pendingEvent {
	if c.chatListener != 0 {
		c.channel.Off(EventChatMessage, c.chatListener)
		c.chatListener = 0
	}
	c.channel.Disconnect()
	c.epoch++
	c.store.Bind(nil)
	c.recon.Clear()
	c.session = nil
	c.joined = false
	c.displayName = ""
	c.logger.Info("session torn down", zap.String("reason", reason))

	evs := c.setStateLocked(LifecycleSignedOut)
	return append(evs, pendingEvent{EventLogChanged, nil})
}

func (c *Controller) loadHistory(epoch, token uint64) {
	defer c.wg.Done()

	history, err := c.store.FetchAll(c.ctx)
	if err != nil {
		c.logger.Warn("history load failed, continuing with live messages only", zap.Error(err))
		history = nil
	}

	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		c.logger.Debug("discarding history loaded for an ended session")
		return
	}
	installed := c.recon.CompleteLoad(token, history)
	if installed {
		c.historyFailed = err != nil
	}
	c.mu.Unlock()

	if installed {
		c.logger.Info("history loaded", zap.Int("messages", len(history)))
		c.fire(pendingEvent{EventHistoryLoaded, len(history)}, pendingEvent{EventLogChanged, nil})
	}
}

// Reload replaces the log with the persisted history, keeping live messages
// that arrive meanwhile.
func (c *Controller) Reload() error {
	c.mu.Lock()
	if c.closed || c.state != LifecycleActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	c.startLoadLocked()
	c.mu.Unlock()
	return nil
}

func (c *Controller) startLoadLocked() {
	token := c.recon.BeginLoad()
	c.historyFailed = false
	c.wg.Add(1)
	go c.loadHistory(c.epoch, token)
}

// Join completes the join step under name and connects the channel. An empty
// name falls back to the display name derived from the session.
func (c *Controller) Join(name string) error {
	name = strings.TrimSpace(name)

	c.mu.Lock()
	if c.closed || c.state != LifecycleActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	if name == "" {
		name = c.displayName
	}
	if name == "" {
		c.mu.Unlock()
		return ErrEmptyDisplayName
	}
	var evs []pendingEvent
	if !c.joined {
		c.displayName = name
		c.joined = true
		c.recon.AppendSystemNotice(JoinNotice(name, c.now()))
		evs = append(evs, pendingEvent{EventLogChanged, nil})
		c.logger.Info("joined chat", zap.String("display_name", name))
	}
	c.channel.Connect()
	c.mu.Unlock()

	c.fire(evs...)
	return nil
}

// Compose appends text to the log immediately, emits it on the channel and
// persists it in the background.
func (c *Controller) Compose(text string) error {
	c.mu.Lock()
	if c.closed || c.state != LifecycleActive || c.session == nil {
		c.mu.Unlock()
		return ErrNotActive
	}
	if !c.joined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	if strings.TrimSpace(text) == "" {
		c.mu.Unlock()
		return ErrEmptyMessage
	}
	m := Message{
		Text:              text,
		AuthorDisplayName: c.displayName,
		AuthorID:          c.session.UserID,
		SentAt:            c.now(),
	}
	if c.newID != nil {
		m.ID = c.newID()
	}
	if err := c.recon.AppendLocal(m); err != nil {
		c.mu.Unlock()
		return err
	}
	owner, epoch := *c.session, c.epoch
	c.wg.Add(1)
	c.persisting++
	c.mu.Unlock()

	c.fire(pendingEvent{EventLogChanged, nil})
	c.channel.Emit(EventChatMessage, NewChatPayload(m))
	go c.persistTask(owner, epoch, m)
	return nil
}

func (c *Controller) handleChatMessage(epoch uint64, payload json.RawMessage) {
	var p ChatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.logger.Warn("malformed chat message", zap.Error(err))
		return
	}
	m := p.Message(c.now())

	c.mu.Lock()
	if c.closed || c.epoch != epoch || c.state != LifecycleActive || c.session == nil {
		c.mu.Unlock()
		c.logger.Debug("dropping realtime message for an ended session")
		return
	}
	verdict := c.recon.AcceptRemote(m, c.session.UserID)
	if verdict != VerdictAccepted {
		c.mu.Unlock()
		c.logger.Debug("remote message not appended", zap.String("verdict", string(verdict)))
		return
	}
	owner := *c.session
	c.wg.Add(1)
	c.persisting++
	c.mu.Unlock()

	c.fire(pendingEvent{EventLogChanged, nil})
	go c.persistTask(owner, epoch, m)
}

// persistTask runs a background write. Close does not cancel it; teardown
// waits for it instead.
func (c *Controller) persistTask(owner Session, epoch uint64, m Message) {
	defer c.wg.Done()
	ev, _ := c.write(context.WithoutCancel(c.ctx), owner, epoch, m)

	c.mu.Lock()
	c.persisting--
	if c.persisting == 0 {
		c.drained.Broadcast()
	}
	c.mu.Unlock()
	c.fire(ev)
}

// Persist stores m under the current session. Its failure does not touch the
// log.
func (c *Controller) Persist(ctx context.Context, m Message) error {
	c.mu.Lock()
	if c.closed || c.state != LifecycleActive || c.session == nil {
		c.mu.Unlock()
		return opError("append message", ErrStoreWrite, ErrNoSession)
	}
	owner, epoch := *c.session, c.epoch
	c.mu.Unlock()
	return c.persist(ctx, owner, epoch, m)
}

func (c *Controller) persist(ctx context.Context, owner Session, epoch uint64, m Message) error {
	ev, err := c.write(ctx, owner, epoch, m)
	c.fire(ev)
	return err
}

// write appends m as owner unless the epoch it was started under has ended.
// Both outcomes produce the event to fire.
func (c *Controller) write(ctx context.Context, owner Session, epoch uint64, m Message) (pendingEvent, error) {
	err := opError("append message", ErrStoreWrite, errSessionChanged)
	if c.isCurrent(epoch) {
		err = c.store.Append(ctx, owner, m)
	}
	if err != nil {
		c.logger.Warn("message not persisted", zap.Error(err))
		return pendingEvent{EventPersistFailed, PersistFailure{Message: m, Err: err}}, err
	}
	return pendingEvent{EventPersistOK, m}, nil
}

// Clear empties the visible log. Persisted history is untouched.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.recon.Clear()
	c.mu.Unlock()
	c.fire(pendingEvent{EventLogChanged, nil})
}

// SignOut tears the session down locally, then asks the provider to sign
// out. A provider failure is returned but never restores the session or the
// connection.
func (c *Controller) SignOut(ctx context.Context) error {
	c.mu.Lock()
	c.drainLocked()
	evs := c.teardownLocked("sign-out requested")
	c.mu.Unlock()
	c.fire(evs...)

	if err := c.sessions.SignOut(ctx); err != nil {
		c.logger.Error("remote sign-out failed, local session already cleared", zap.Error(err))
		return err
	}
	return nil
}

// Close unsubscribes from session changes, detaches channel listeners and
// tears the session down locally. In-flight history loads are abandoned;
// in-flight writes complete first.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	for _, r := range c.lifecycle {
		c.channel.Off(r.event, r.id)
	}
	c.lifecycle = nil
	if c.chatListener != 0 {
		c.channel.Off(EventChatMessage, c.chatListener)
		c.chatListener = 0
	}
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	evs := c.teardownLocked("closed")
	c.mu.Unlock()
	c.fire(evs...)
}

// Wait blocks until in-flight history loads and persistence calls finish.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Snapshot returns a consistent copy of the Controller's state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:       c.state,
		Session:     copySession(c.session),
		DisplayName: c.displayName,
		Joined:      c.joined,
		Channel:     c.channel.State(),
		Messages:    c.recon.Messages(),
		Loading:     c.recon.Loading(),
	}
}

// Messages returns a copy of the chat log.
func (c *Controller) Messages() []Message {
	return c.recon.Messages()
}

func (c *Controller) isCurrent(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == epoch
}

func (c *Controller) setStateLocked(s LifecycleState) []pendingEvent {
	if c.state == s {
		return nil
	}
	c.logger.Info("lifecycle state",
		zap.String("from", string(c.state)),
		zap.String("to", string(s)))
	c.state = s
	return []pendingEvent{{EventStateChanged, s}}
}

func (c *Controller) fire(evs ...pendingEvent) {
	for _, ev := range evs {
		c.emit(ev.name, ev.payload)
	}
}

func (c *Controller) logChannelEvent(event string, payload json.RawMessage) {
	switch event {
	case EventConnect:
		c.logger.Info("realtime connected")
	case EventDisconnect:
		c.logger.Info("realtime disconnected", zap.ByteString("detail", payload))
	case EventConnectError:
		c.logger.Warn("realtime connect error", zap.ByteString("detail", payload))
	case EventError:
		c.logger.Warn("realtime error", zap.ByteString("detail", payload))
	}
}
