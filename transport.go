package orgspace

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// TransportState represents the connection state.
type TransportState string

const (
	StateDisconnected TransportState = "disconnected"
	StateConnecting   TransportState = "connecting"
	StateConnected    TransportState = "connected"
	StateReconnecting TransportState = "reconnecting"
)

// Transport owns the live channel to the messaging service.
//
// Events is a single stream for the transport's whole life, across
// reconnects. Emit preserves call order within one connection epoch.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	State() TransportState
	Events() <-chan Event
	Emit(ctx context.Context, cmd *Command) error
}

const (
	eventBuffer    = 256
	outboundBuffer = 64
	pingTimeout    = 10 * time.Second
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(cfg *Config) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

// nextDelay doubles from baseDelay per attempt, plus up to 50% jitter, and
// never exceeds maxDelay.
func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// WSTransport
// ============================================================================

type outFrame struct {
	data []byte
	done chan error
}

// epoch is one live connection. Frames queued on an epoch are written by its
// own writer goroutine and are dropped, never replayed, when it ends.
type epoch struct {
	id     uint64
	conn   *websocket.Conn
	queue  chan *outFrame
	ended  chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func (e *epoch) end() {
	e.once.Do(func() {
		e.cancel()
		close(e.ended)
	})
}

// WSTransport is a WebSocket transport with auto-reconnect and heartbeat.
type WSTransport struct {
	url    string
	token  string
	config *Config
	dialer *http.Client

	mu          sync.Mutex
	state       TransportState
	current     *epoch
	epochs      uint64
	life        context.Context
	stop        context.CancelFunc
	recon       *reconnector
	reconnectOn bool

	events       chan Event
	pingCounter  atomic.Uint64
	pendingPings map[string]chan pongPayload
	pendingMu    sync.Mutex
}

// NewWSTransport creates a WebSocket transport for the API at baseURL.
// Call Connect to establish the connection.
func NewWSTransport(baseURL, token string, cfg *Config, httpClient *http.Client) *WSTransport {
	if httpClient != nil && httpClient.Timeout > 0 {
		// websocket.Dial refuses clients with an overall timeout; the dial
		// context bounds the handshake instead.
		hc := *httpClient
		hc.Timeout = 0
		httpClient = &hc
	}
	wsURL := strings.Replace(strings.TrimRight(baseURL, "/"), "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return &WSTransport{
		url:          wsURL + "/ws",
		token:        token,
		config:       cfg,
		dialer:       httpClient,
		state:        StateDisconnected,
		recon:        newReconnector(cfg),
		reconnectOn:  true,
		events:       make(chan Event, eventBuffer),
		pendingPings: make(map[string]chan pongPayload),
	}
}

// Events returns the inbound event stream.
func (ws *WSTransport) Events() <-chan Event {
	return ws.events
}

// State returns the current connection state.
func (ws *WSTransport) State() TransportState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connected reports whether a live connection is up.
func (ws *WSTransport) Connected() bool {
	return ws.State() == StateConnected
}

// Epoch returns the number of connections established so far.
func (ws *WSTransport) Epoch() uint64 {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.epochs
}

// Connect establishes the WebSocket connection. ctx bounds the handshake
// only; the connection lives until Disconnect.
func (ws *WSTransport) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state != StateDisconnected {
		ws.mu.Unlock()
		return nil
	}
	if ws.life == nil || ws.life.Err() != nil {
		ws.life, ws.stop = context.WithCancel(context.Background())
	}
	ws.state = StateConnecting
	ws.mu.Unlock()

	if err := ws.dial(ctx); err != nil {
		ws.setState(StateDisconnected)
		return err
	}
	return nil
}

func (ws *WSTransport) dial(ctx context.Context) error {
	u := ws.url
	if ws.token != "" {
		u += "?token=" + url.QueryEscape(ws.token)
	}
	opts := &websocket.DialOptions{HTTPClient: ws.dialer}
	if ws.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + ws.token}}
	}

	conn, _, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		return errors.Wrap(err, "websocket dial")
	}

	// The service may greet with "authenticated" or reject with "error".
	hsCtx, hsCancel := context.WithTimeout(ctx, ws.config.RequestTimeout)
	_, data, err := conn.Read(hsCtx)
	hsCancel()
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return errors.Wrap(err, "read handshake")
	}
	var first Event
	if err := json.Unmarshal(data, &first); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return errors.Wrap(err, "decode handshake")
	}
	if first.Type == EventError {
		var p errorPayload
		_ = json.Unmarshal(first.Payload, &p)
		conn.Close(websocket.StatusNormalClosure, "")
		return errors.Errorf("handshake rejected: %s", p.Message)
	}

	ws.mu.Lock()
	if ws.life == nil || ws.life.Err() != nil {
		// Disconnect raced the dial.
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrNotConnected
	}
	connCtx, cancel := context.WithCancel(ws.life)
	ws.epochs++
	ep := &epoch{
		id:     ws.epochs,
		conn:   conn,
		queue:  make(chan *outFrame, outboundBuffer),
		ended:  make(chan struct{}),
		cancel: cancel,
	}
	ws.current = ep
	ws.state = StateConnected
	ws.recon.reset()
	ws.mu.Unlock()

	jww.INFO.Printf("[OS-WS] connected, epoch %d", ep.id)

	if first.Type != EventAuthenticated {
		ws.push(first)
	}

	go ws.writeLoop(connCtx, ep)
	go ws.readLoop(connCtx, ep)
	go ws.heartbeatLoop(connCtx, ep)
	return nil
}

// Disconnect closes the connection and cancels any pending reconnect. It is
// safe to call repeatedly.
func (ws *WSTransport) Disconnect() error {
	ws.mu.Lock()
	if ws.stop != nil {
		ws.stop()
	}
	ep := ws.current
	ws.current = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()

	if ep == nil {
		return nil
	}
	jww.INFO.Printf("[OS-WS] disconnected, epoch %d", ep.id)
	_ = ep.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	ep.end()
	return nil
}

// SetAutoReconnect turns automatic reconnection on or off.
func (ws *WSTransport) SetAutoReconnect(on bool) {
	ws.mu.Lock()
	ws.reconnectOn = on
	ws.mu.Unlock()
}

// Emit writes cmd on the current connection. Frames are written in call
// order; Emit returns once its frame is on the wire or has failed.
func (ws *WSTransport) Emit(ctx context.Context, cmd *Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "marshal command")
	}

	ws.mu.Lock()
	ep := ws.current
	ws.mu.Unlock()
	if ep == nil {
		return ErrNotConnected
	}

	f := &outFrame{data: data, done: make(chan error, 1)}
	select {
	case ep.queue <- f:
	case <-ep.ended:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-f.done:
		return err
	case <-ep.ended:
		select {
		case err := <-f.done:
			return err
		default:
			return ErrNotConnected
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping sends a ping and waits for the matching pong.
func (ws *WSTransport) Ping(ctx context.Context) error {
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter.Add(1))

	ch := make(chan pongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()
	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}()

	err := ws.Emit(ctx, &Command{
		Type:      commandPing,
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		return err
	}

	select {
	case _, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		return nil
	case <-time.After(pingTimeout):
		return errors.New("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ws *WSTransport) writeLoop(ctx context.Context, ep *epoch) {
	defer func() {
		// Anything still queued belongs to a dead epoch.
		for {
			select {
			case f := <-ep.queue:
				f.done <- ErrNotConnected
			default:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-ep.queue:
			err := ep.conn.Write(ctx, websocket.MessageText, f.data)
			f.done <- err
			if err != nil {
				jww.WARN.Printf("[OS-WS] write failed on epoch %d: %v", ep.id, err)
				ep.conn.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

func (ws *WSTransport) readLoop(ctx context.Context, ep *epoch) {
	for {
		_, data, err := ep.conn.Read(ctx)
		if err != nil {
			ws.connectionLost(ep, err)
			return
		}

		var env Event
		if json.Unmarshal(data, &env) != nil {
			jww.DEBUG.Printf("[OS-WS] dropping undecodable frame")
			continue
		}

		switch env.Type {
		case EventPong:
			var p pongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		case EventAuthenticated:
		case EventError:
			var p errorPayload
			_ = json.Unmarshal(env.Payload, &p)
			jww.WARN.Printf("[OS-WS] server error: %s", p.Message)
		default:
			ws.push(env)
		}
	}
}

func (ws *WSTransport) push(env Event) {
	ws.mu.Lock()
	life := ws.life
	ws.mu.Unlock()
	if life == nil {
		return
	}
	select {
	case ws.events <- env:
	case <-life.Done():
	}
}

func (ws *WSTransport) connectionLost(ep *epoch, cause error) {
	ws.mu.Lock()
	if ws.current != ep {
		// Disconnect already tore this epoch down.
		ws.mu.Unlock()
		return
	}
	ws.current = nil
	ws.state = StateDisconnected
	reconnect := ws.reconnectOn && ws.life != nil && ws.life.Err() == nil
	ws.mu.Unlock()

	ep.end()
	ws.clearPendingPings()
	jww.WARN.Printf("[OS-WS] connection lost on epoch %d: %v", ep.id, cause)

	if reconnect {
		go ws.reconnectLoop()
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context, ep *epoch) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				jww.WARN.Printf("[OS-WS] heartbeat failed on epoch %d: %v", ep.id, err)
				ep.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *WSTransport) reconnectLoop() {
	ws.mu.Lock()
	life := ws.life
	ws.mu.Unlock()

	for {
		ws.mu.Lock()
		if !ws.recon.shouldReconnect() || life.Err() != nil {
			ws.state = StateDisconnected
			ws.mu.Unlock()
			jww.WARN.Printf("[OS-WS] giving up reconnecting")
			return
		}
		delay := ws.recon.nextDelay()
		attempt := ws.recon.attempt
		ws.state = StateReconnecting
		ws.mu.Unlock()

		jww.INFO.Printf("[OS-WS] reconnect attempt %d in %s", attempt, delay)
		timer := time.NewTimer(delay)
		select {
		case <-life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(life, ws.config.RequestTimeout)
		err := ws.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		jww.DEBUG.Printf("[OS-WS] reconnect attempt %d failed: %v", attempt, err)
	}
}

func (ws *WSTransport) setState(s TransportState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *WSTransport) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
