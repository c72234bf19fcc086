package orgspace

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ReadState is the read-receipt state of the activated conversation.
type ReadState int

const (
	ReadInactive ReadState = iota
	ReadActivating
	ReadMarked
)

func (s ReadState) String() string {
	switch s {
	case ReadActivating:
		return "activating"
	case ReadMarked:
		return "read-marked"
	}
	return "inactive"
}

type readEvent int

const (
	readSelectNew readEvent = iota
	readSelectSame
	readSettled
	readDeactivate
)

// nextReadState is the whole state machine. Re-selecting the active
// conversation never leaves Activating or ReadMarked; only a different
// selection starts a new activation.
func nextReadState(cur ReadState, ev readEvent) ReadState {
	switch ev {
	case readSelectNew:
		return ReadActivating
	case readSelectSame:
		if cur == ReadInactive {
			return ReadActivating
		}
		return cur
	case readSettled:
		if cur == ReadActivating {
			return ReadMarked
		}
		return cur
	case readDeactivate:
		return ReadInactive
	}
	return cur
}

// ReadTracker marks a conversation read once per activation.
type ReadTracker struct {
	client   *Client
	dir      *Directory
	timeline *Timeline

	mu     sync.Mutex
	active string
	state  ReadState
	gen    uint64
}

// NewReadTracker creates a tracker. dir and timeline receive the local side
// effects of marking read and may be nil.
func NewReadTracker(client *Client, dir *Directory, timeline *Timeline) *ReadTracker {
	return &ReadTracker{client: client, dir: dir, timeline: timeline}
}

// Active returns the activated conversation id and its state.
func (r *ReadTracker) Active() (string, ReadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.state
}

// Activate makes conversationID the viewed conversation. The first
// activation of an id clears its unread state locally and calls the remote
// mark-read endpoint; activating the same id again does nothing. marked
// reports whether this call started a new activation. A remote failure is
// returned but the activation still counts: it is not retried until a
// different conversation has been activated in between.
func (r *ReadTracker) Activate(ctx context.Context, conversationID string) (marked bool, err error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return false, ErrEmptySelector
	}

	r.mu.Lock()
	ev := readSelectNew
	if conversationID == r.active {
		ev = readSelectSame
	}
	prev := r.state
	r.state = nextReadState(r.state, ev)
	if ev == readSelectSame && prev != ReadInactive {
		r.mu.Unlock()
		return false, nil
	}
	r.active = conversationID
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	if r.dir != nil {
		r.dir.ClearUnread(conversationID)
	}
	if r.timeline != nil {
		r.timeline.MarkRead(conversationID)
	}

	err = r.client.MarkRead(ctx, conversationID)

	r.mu.Lock()
	if r.gen == gen {
		r.state = nextReadState(r.state, readSettled)
	}
	r.mu.Unlock()

	if err != nil {
		jww.WARN.Printf("[OS-READ] mark-read for %s failed: %v", conversationID, err)
		return true, errors.Wrapf(err, "mark %s read", conversationID)
	}
	return true, nil
}

// Deactivate clears the activation, so the next Activate of any id marks
// it read again.
func (r *ReadTracker) Deactivate() {
	r.mu.Lock()
	r.state = nextReadState(r.state, readDeactivate)
	r.active = ""
	r.gen++
	r.mu.Unlock()
}
