package orgspace

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Updates
// ============================================================================

// UpdateKind tells subscribers what changed.
type UpdateKind string

const (
	UpdateMessage      UpdateKind = "message"
	UpdateConversation UpdateKind = "conversation"
	UpdatePresence     UpdateKind = "presence"
	UpdateTransport    UpdateKind = "transport"
)

// Update is delivered to subscribers after the engine has applied a change.
type Update struct {
	Kind         UpdateKind
	Message      *Message
	Conversation *Conversation
	Presence     *PresencePayload
	State        TransportState
}

// UpdateHandler receives engine updates. It runs on the dispatcher
// goroutine and must not block.
type UpdateHandler func(Update)

type subscriber struct {
	id      int
	handler UpdateHandler
}

type emitter struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber
}

func (e *emitter) subscribe(h UpdateHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscriber{id: id, handler: h})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

func (e *emitter) emit(u Update) {
	e.mu.RLock()
	subs := e.subs
	e.mu.RUnlock()
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					jww.ERROR.Printf("[OS-ENG] subscriber panicked on %s: %v", u.Kind, r)
				}
			}()
			s.handler(u)
		}()
	}
}

// ============================================================================
// Engine
// ============================================================================

// Option configures an Engine.
type Option func(*Engine)

// WithTransport replaces the WebSocket transport, mostly for tests.
func WithTransport(t Transport) Option {
	return func(e *Engine) { e.live = t }
}

// WithFallbackTransport replaces the polling transport used when the live
// channel cannot be established.
func WithFallbackTransport(t Transport) Option {
	return func(e *Engine) { e.fallback = t }
}

// WithClientOptions passes options to the REST client.
func WithClientOptions(opts ...ClientOption) Option {
	return func(e *Engine) { e.clientOpts = append(e.clientOpts, opts...) }
}

// Engine wires the components together and runs the single dispatcher loop
// that applies transport events in arrival order.
type Engine struct {
	emitter

	cfg     Config
	session Session

	clientOpts []ClientOption
	client     *Client
	dir        *Directory
	timeline   *Timeline
	reads      *ReadTracker
	uploads    *Uploader
	presence   *PresenceCache

	live     Transport
	fallback Transport

	mu        sync.Mutex
	transport Transport
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
}

// New creates an engine for session. It does no I/O until Start.
func New(cfg Config, session Session, opts ...Option) *Engine {
	cfg.defaults()
	e := &Engine{cfg: cfg, session: session}
	for _, opt := range opts {
		opt(e)
	}

	e.client = NewClient(cfg.APIBaseURL, session.Token, append([]ClientOption{WithTimeout(cfg.RequestTimeout)}, e.clientOpts...)...)
	e.dir = NewDirectory(e.client, session.CurrentUserID)
	e.timeline = NewTimeline(e.client, e.dir, &e.cfg, session.CurrentUserID)
	e.reads = NewReadTracker(e.client, e.dir, e.timeline)
	e.uploads = NewUploader(e.client, &e.cfg)
	e.presence = NewPresenceCache(e.client)

	if e.live == nil && cfg.Realtime {
		e.live = NewWSTransport(cfg.APIBaseURL, session.Token, &e.cfg, e.client.streamClient())
	}
	if e.fallback == nil {
		e.fallback = NewPollTransport(e.client, &e.cfg)
	}
	if !session.ViewerKnown() {
		jww.WARN.Printf("[OS-ENG] session has no current user id; counterpart resolution relies on conversation data")
	}
	return e
}

func (e *Engine) Client() *Client          { return e.client }
func (e *Engine) Directory() *Directory    { return e.dir }
func (e *Engine) Timeline() *Timeline      { return e.timeline }
func (e *Engine) Reads() *ReadTracker      { return e.reads }
func (e *Engine) Uploads() *Uploader       { return e.uploads }
func (e *Engine) Presence() *PresenceCache { return e.presence }
func (e *Engine) Session() Session         { return e.session }
func (e *Engine) Config() Config           { return e.cfg }

// Transport returns the transport in use, or nil before Start.
func (e *Engine) Transport() Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport
}

// Connected reports whether sends can currently be emitted.
func (e *Engine) Connected() bool {
	t := e.Transport()
	return t != nil && t.Connected()
}

// Subscribe registers h for every update and returns a function that
// removes it.
func (e *Engine) Subscribe(h UpdateHandler) func() {
	return e.subscribe(h)
}

// Start validates the configuration, seeds the directory, connects the live
// channel (or the polling fallback) and starts the dispatcher. Neither a failed snapshot nor a
// failed connection is fatal: the engine keeps serving cached data and
// polls REST until a transport is up.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.cfg.Validate(); err != nil {
		jww.ERROR.Printf("[OS-ENG] refusing to start: %v", err)
		return err
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	life, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.fetchDirectory(ctx); err != nil {
		jww.WARN.Printf("[OS-ENG] starting with an empty directory: %v", err)
	}

	t := e.connect(ctx)
	e.mu.Lock()
	e.transport = t
	e.mu.Unlock()
	e.timeline.SetTransport(t)
	e.emit(Update{Kind: UpdateTransport, State: t.State()})

	e.wg.Add(2)
	go e.dispatch(life, t.Events())
	go e.pollLoop(life)
	return nil
}

func (e *Engine) connect(ctx context.Context) Transport {
	if e.live != nil {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		err := e.live.Connect(cctx)
		cancel()
		if err == nil {
			return e.live
		}
		jww.WARN.Printf("[OS-ENG] live channel unavailable, falling back to polling: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	if err := e.fallback.Connect(cctx); err != nil {
		jww.WARN.Printf("[OS-ENG] polling transport unavailable, read-only until the service is back: %v", err)
	}
	return e.fallback
}

// Stop disconnects and stops every goroutine the engine started. It is
// safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel, t := e.cancel, e.transport
	e.mu.Unlock()

	cancel()
	if t != nil {
		_ = t.Disconnect()
	}
	e.wg.Wait()
	jww.INFO.Printf("[OS-ENG] stopped")
}

// ============================================================================
// Dispatcher
// ============================================================================

func (e *Engine) dispatch(ctx context.Context, events <-chan Event) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			e.handle(ctx, ev)
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventMessage:
		var m Message
		if err := json.Unmarshal(ev.Payload, &m); err != nil || m.ID == "" {
			jww.WARN.Printf("[OS-ENG] dropping malformed message event: %v", err)
			return
		}
		e.applyMessage(&m)

	case EventConversationUpdate:
		var u ConversationUpdate
		if err := json.Unmarshal(ev.Payload, &u); err != nil || u.ID == "" {
			jww.WARN.Printf("[OS-ENG] dropping malformed conversation_update: %v", err)
			return
		}
		conv := e.dir.Apply(&u)
		e.emit(Update{Kind: UpdateConversation, Conversation: conv})
		e.refreshIfActive(ctx, conv)

	case EventPresence:
		var p PresencePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.UserID == "" {
			jww.WARN.Printf("[OS-ENG] dropping malformed presence event: %v", err)
			return
		}
		e.presence.SetOnline(p.UserID, p.Online)
		e.emit(Update{Kind: UpdatePresence, Presence: &p})

	default:
		jww.DEBUG.Printf("[OS-ENG] ignoring %q event", ev.Type)
	}
}

func (e *Engine) applyMessage(m *Message) {
	stored, isNew := e.timeline.Reconcile(m)
	if stored == nil {
		return
	}
	active, _ := e.reads.Active()
	inbound := e.session.CurrentUserID == "" || stored.SenderID != e.session.CurrentUserID
	e.dir.NoteMessage(stored, isNew && inbound && stored.ConversationID != active)
	e.emit(Update{Kind: UpdateMessage, Message: stored})
}

// refreshIfActive pulls the latest page when an update names a message the
// active timeline has not seen, which is how polling surfaces new messages.
func (e *Engine) refreshIfActive(ctx context.Context, conv *Conversation) {
	if conv == nil || conv.LastMessageID == "" {
		return
	}
	if active, _ := e.reads.Active(); active != conv.ID {
		return
	}
	for _, m := range e.timeline.Messages(conv.ID) {
		if m.ID == conv.LastMessageID {
			return
		}
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
		if _, err := e.timeline.Fetch(rctx, conv.ID); err == nil {
			e.emit(Update{Kind: UpdateConversation, Conversation: conv})
		}
	}()
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t := e.Transport()
			if t == nil || t.Connected() {
				continue
			}
			if t == e.fallback {
				cctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
				err := t.Connect(cctx)
				cancel()
				if err == nil {
					jww.INFO.Printf("[OS-ENG] polling transport connected")
					e.emit(Update{Kind: UpdateTransport, State: t.State()})
					continue
				}
			}
			jww.DEBUG.Printf("[OS-ENG] transport down, refreshing over REST")
			_ = e.Refresh(ctx)
		}
	}
}

// Refresh re-reads the directory and the active conversation over REST.
func (e *Engine) Refresh(ctx context.Context) error {
	if err := e.fetchDirectory(ctx); err != nil {
		return err
	}
	active, _ := e.reads.Active()
	if active == "" {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	_, err := e.timeline.Fetch(rctx, active)
	return err
}

func (e *Engine) fetchDirectory(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	return e.dir.Fetch(rctx)
}

// ============================================================================
// Selection and sending
// ============================================================================

// Selection is what the UI shows for a selected conversation. Fetch and
// mark-read failures are reported in their own fields; the selection itself
// is still usable with cached data.
type Selection struct {
	Conversation  *Conversation
	CounterpartID string
	Profile       *Profile
	Messages      []*Message
	ViewerUnknown bool

	FetchErr   error
	ReadErr    error
	ProfileErr error
}

// Resolved reports whether the selector matched a conversation.
func (s *Selection) Resolved() bool {
	return s.Conversation != nil
}

// Select resolves selector, loads the conversation's timeline when it has
// not been loaded yet and activates read tracking. A selector that matches
// no conversation selects a bare counterpart: its profile is loaded and the
// conversation is created by the first send.
func (e *Engine) Select(ctx context.Context, selector string) (*Selection, error) {
	res, err := e.dir.Resolve(selector)
	if err != nil {
		return nil, err
	}
	sel := &Selection{CounterpartID: res.CounterpartID, ViewerUnknown: res.ViewerUnknown}

	if !res.Resolved {
		e.reads.Deactivate()
		sel.Profile, sel.ProfileErr = e.presence.Profile(ctx, res.CounterpartID)
		if sel.ProfileErr != nil {
			jww.WARN.Printf("[OS-ENG] no profile for %s: %v", res.CounterpartID, sel.ProfileErr)
		}
		sel.Messages = e.timeline.Pending(res.CounterpartID)
		return sel, nil
	}

	id := res.Conversation.ID
	if !e.timeline.Loaded(id) {
		rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		_, sel.FetchErr = e.timeline.Fetch(rctx, id)
		cancel()
	}
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	_, sel.ReadErr = e.reads.Activate(rctx, id)
	cancel()

	sel.Conversation, _ = e.dir.Get(id)
	if sel.Conversation == nil {
		sel.Conversation = res.Conversation
	}
	sel.Messages = e.timeline.Messages(id)
	return sel, nil
}

// Send sends a message to receiverID, uploading att first when given. A
// failed upload aborts the send, so no message ever references a missing
// attachment. The returned message is the optimistic record.
func (e *Engine) Send(ctx context.Context, receiverID, content string, att *Attachment) (*Message, error) {
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" {
		return nil, ErrMissingReceiver
	}
	if strings.TrimSpace(content) == "" && att == nil {
		return nil, ErrEmptyMessage
	}
	if !e.Connected() {
		return nil, ErrNotConnected
	}

	var fileURL string
	if att != nil {
		var err error
		if fileURL, err = e.uploads.Upload(ctx, att); err != nil {
			return nil, err
		}
	}

	m, err := e.timeline.Send(ctx, receiverID, content, fileURL)
	if m != nil {
		e.emit(Update{Kind: UpdateMessage, Message: m})
	}
	return m, err
}
