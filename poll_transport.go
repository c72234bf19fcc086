package orgspace

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// PollTransport is the push-less fallback transport. It produces
// conversation_update events by polling the conversation snapshot, and
// turns send_message commands into POST /messages calls whose responses are
// delivered back as message echoes.
type PollTransport struct {
	client   *Client
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	state   TransportState
	stop    context.CancelFunc
	done    chan struct{}
	seen    map[string]time.Time
	sendMu  sync.Mutex
	events  chan Event
	lastErr error
}

// NewPollTransport creates a polling transport over client.
func NewPollTransport(client *Client, cfg *Config) *PollTransport {
	return &PollTransport{
		client:   client,
		interval: cfg.PollInterval,
		timeout:  cfg.RequestTimeout,
		state:    StateDisconnected,
		seen:     make(map[string]time.Time),
		events:   make(chan Event, eventBuffer),
	}
}

func (p *PollTransport) Events() <-chan Event {
	return p.events
}

func (p *PollTransport) State() TransportState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PollTransport) Connected() bool {
	return p.State() == StateConnected
}

// Connect verifies the service is reachable with one snapshot request and
// starts the poll loop.
func (p *PollTransport) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		return nil
	}
	p.state = StateConnecting
	p.mu.Unlock()

	convs, err := p.client.ListConversations(ctx)
	if err != nil {
		p.mu.Lock()
		p.state = StateDisconnected
		p.lastErr = err
		p.mu.Unlock()
		return errors.Wrap(err, "poll connect")
	}

	life, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	for _, c := range convs {
		p.seen[c.ID] = c.UpdatedAt
	}
	p.stop = cancel
	p.done = make(chan struct{})
	p.state = StateConnected
	p.mu.Unlock()

	go p.loop(life, p.done)
	return nil
}

// Disconnect stops polling. It is safe to call repeatedly.
func (p *PollTransport) Disconnect() error {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop = nil
	p.state = StateDisconnected
	p.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	return nil
}

// Emit handles send_message; other commands are not supported without a
// live channel and are ignored.
func (p *PollTransport) Emit(ctx context.Context, cmd *Command) error {
	if !p.Connected() {
		return ErrNotConnected
	}
	if cmd.Type != commandSendMessage {
		return nil
	}
	req, ok := cmd.Payload.(*SendRequest)
	if !ok {
		return errors.Errorf("unexpected %s payload %T", cmd.Type, cmd.Payload)
	}

	// Serialized so sends reach the service in call order.
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	msg, err := p.client.SendMessage(ctx, req)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal echo")
	}
	select {
	case p.events <- Event{Type: EventMessage, Payload: payload}:
	case <-ctx.Done():
		jww.WARN.Printf("[OS-POLL] echo for %s dropped: %v", msg.ID, ctx.Err())
	}
	return nil
}

func (p *PollTransport) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *PollTransport) poll(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	convs, err := p.client.ListConversations(reqCtx)
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	if err != nil {
		if ctx.Err() == nil {
			jww.WARN.Printf("[OS-POLL] snapshot failed: %v", err)
		}
		return
	}

	for _, c := range convs {
		p.mu.Lock()
		prev, known := p.seen[c.ID]
		changed := !known || c.UpdatedAt.After(prev)
		if changed {
			p.seen[c.ID] = c.UpdatedAt
		}
		p.mu.Unlock()
		if !changed {
			continue
		}

		payload, err := json.Marshal(c)
		if err != nil {
			continue
		}
		select {
		case p.events <- Event{Type: EventConversationUpdate, Payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}
