package orgspace

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.uber.org/ratelimit"
)

const (
	localIDPrefix = "local-"
	draftPrefix   = "draft:"
)

// ============================================================================
// Buckets
// ============================================================================

// bucket is one conversation's messages in canonical order.
type bucket struct {
	msgs []*Message
	byID map[string]*Message
}

func newBucket() *bucket {
	return &bucket{byID: make(map[string]*Message)}
}

// insert places m after every message that does not sort after it, so
// existing records keep their relative positions.
func (b *bucket) insert(m *Message) {
	i := sort.Search(len(b.msgs), func(i int) bool { return lessMessage(m, b.msgs[i]) })
	b.msgs = append(b.msgs, nil)
	copy(b.msgs[i+1:], b.msgs[i:])
	b.msgs[i] = m
	b.byID[m.ID] = m
}

func (b *bucket) remove(id string) *Message {
	m, ok := b.byID[id]
	if !ok {
		return nil
	}
	delete(b.byID, id)
	for i, cur := range b.msgs {
		if cur == m {
			b.msgs = append(b.msgs[:i], b.msgs[i+1:]...)
			break
		}
	}
	return m
}

func draftKey(receiverID string) string {
	return draftPrefix + receiverID
}

// ============================================================================
// Timeline
// ============================================================================

// Timeline holds the messages of every conversation the engine has touched,
// keyed by conversation id. Sends to a counterpart without a conversation
// are held in a draft bucket until the echo names the conversation.
type Timeline struct {
	client   *Client
	dir      *Directory
	viewer   string
	pageSize int
	window   time.Duration
	limiter  ratelimit.Limiter
	now      func() time.Time

	sendMu    sync.Mutex
	transport Transport

	mu      sync.RWMutex
	buckets map[string]*bucket
	tokens  map[string]string // client token -> bucket key
	cursors map[string]string // conversation id -> cursor of the next older page
	loaded  map[string]bool
	errs    map[string]error
}

// NewTimeline creates an empty store. viewer is the signed-in user's id and
// may be empty.
func NewTimeline(client *Client, dir *Directory, cfg *Config, viewer string) *Timeline {
	return &Timeline{
		client:   client,
		dir:      dir,
		viewer:   viewer,
		pageSize: cfg.PageSize,
		window:   cfg.ReconcileWindow,
		limiter:  ratelimit.New(cfg.HistoryRate),
		now:      time.Now,
		buckets:  make(map[string]*bucket),
		tokens:   make(map[string]string),
		cursors:  make(map[string]string),
		loaded:   make(map[string]bool),
		errs:     make(map[string]error),
	}
}

// SetTransport sets the channel sends are emitted on.
func (t *Timeline) SetTransport(tr Transport) {
	t.sendMu.Lock()
	t.transport = tr
	t.sendMu.Unlock()
}

// ============================================================================
// Fetching
// ============================================================================

// Fetch loads the latest page of a conversation and merges it. It can be
// called any number of times; messages are deduplicated by id. On failure
// the cached messages are returned along with the error.
func (t *Timeline) Fetch(ctx context.Context, conversationID string) ([]*Message, error) {
	if conversationID == "" {
		return nil, ErrEmptySelector
	}

	page, err := t.client.ListMessages(ctx, conversationID, "", t.pageSize)
	if err != nil {
		t.fail(conversationID, err)
		return t.Messages(conversationID), errors.Wrapf(err, "fetch messages for %s", conversationID)
	}

	t.mu.Lock()
	for _, m := range page.Messages {
		t.mergeLocked(m)
	}
	if !t.loaded[conversationID] {
		t.loaded[conversationID] = true
		t.cursors[conversationID] = page.NextCursor
	}
	delete(t.errs, conversationID)
	t.mu.Unlock()

	return t.Messages(conversationID), nil
}

// Loaded reports whether a conversation has been fetched at least once.
func (t *Timeline) Loaded(conversationID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loaded[conversationID]
}

// LoadOlder fetches the page before the oldest one loaded so far. more is
// false once the beginning of the history has been reached.
func (t *Timeline) LoadOlder(ctx context.Context, conversationID string) (added int, more bool, err error) {
	t.mu.RLock()
	loaded, cursor := t.loaded[conversationID], t.cursors[conversationID]
	t.mu.RUnlock()
	if !loaded {
		if _, err := t.Fetch(ctx, conversationID); err != nil {
			return 0, false, err
		}
		t.mu.RLock()
		cursor = t.cursors[conversationID]
		t.mu.RUnlock()
	}
	if cursor == "" {
		return 0, false, nil
	}

	page, err := t.client.ListMessages(ctx, conversationID, cursor, t.pageSize)
	if err != nil {
		t.fail(conversationID, err)
		return 0, true, errors.Wrapf(err, "load older messages for %s", conversationID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range page.Messages {
		if _, isNew := t.mergeLocked(m); isNew {
			added++
		}
	}
	t.cursors[conversationID] = page.NextCursor
	delete(t.errs, conversationID)
	return added, page.NextCursor != "", nil
}

// FetchAll pages through the whole history of a conversation and returns it
// in canonical order, whatever order the service pages in. The result is
// also merged into the store.
func (t *Timeline) FetchAll(ctx context.Context, conversationID string) ([]*Message, error) {
	if conversationID == "" {
		return nil, ErrEmptySelector
	}

	var (
		all    []*Message
		seen   = make(map[string]bool)
		cursor string
		used   = make(map[string]bool)
	)
	for pageNo := 1; ; pageNo++ {
		t.limiter.Take()
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "fetch history")
		}

		page, err := t.client.ListMessages(ctx, conversationID, cursor, t.pageSize)
		if err != nil {
			t.fail(conversationID, err)
			return nil, errors.Wrapf(err, "fetch history page %d of %s", pageNo, conversationID)
		}
		for _, m := range page.Messages {
			if m == nil || m.ID == "" || seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			all = append(all, m)
		}

		next := page.NextCursor
		if next == "" {
			break
		}
		if used[next] {
			jww.WARN.Printf("[OS-TL] cursor %q repeated on page %d of %s, stopping", next, pageNo, conversationID)
			break
		}
		used[next] = true
		cursor = next
	}

	sort.SliceStable(all, func(i, j int) bool { return lessMessage(all[i], all[j]) })

	t.mu.Lock()
	for _, m := range all {
		t.mergeLocked(m)
	}
	delete(t.errs, conversationID)
	t.mu.Unlock()

	jww.DEBUG.Printf("[OS-TL] fetched %d messages of %s", len(all), conversationID)
	return copyMessages(all), nil
}

func (t *Timeline) fail(conversationID string, err error) {
	t.mu.Lock()
	t.errs[conversationID] = err
	t.mu.Unlock()
	jww.WARN.Printf("[OS-TL] fetch for %s failed, keeping cache: %v", conversationID, err)
}

// Err returns the last fetch error of a conversation, cleared by the next
// successful fetch.
func (t *Timeline) Err(conversationID string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errs[conversationID]
}

// ============================================================================
// Sending
// ============================================================================

// Send appends an optimistic message and emits it on the transport. The
// returned record is the optimistic one; it is replaced when the service
// echoes the durable message. If the emit fails the record stays in the
// timeline marked failed. Sends are never retried.
func (t *Timeline) Send(ctx context.Context, receiverID, content, attachmentURL string) (*Message, error) {
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" {
		return nil, ErrMissingReceiver
	}
	if strings.TrimSpace(content) == "" && attachmentURL == "" {
		return nil, ErrEmptyMessage
	}

	// Held across insert and emit so call order is emit order.
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	tr := t.transport
	if tr == nil || !tr.Connected() {
		return nil, ErrNotConnected
	}

	token := uuid.NewString()
	m := &Message{
		ID:            localIDPrefix + token,
		ClientToken:   token,
		SenderID:      t.viewer,
		ReceiverID:    receiverID,
		Content:       content,
		AttachmentURL: attachmentURL,
		CreatedAt:     t.now(),
		Status:        StatusPending,
	}
	key := draftKey(receiverID)
	if t.dir != nil {
		if res, err := t.dir.Resolve(receiverID); err == nil && res.Resolved {
			m.ConversationID = res.Conversation.ID
			key = m.ConversationID
		}
	}

	t.mu.Lock()
	t.bucketLocked(key).insert(m)
	t.tokens[token] = key
	out := *m
	t.mu.Unlock()

	err := tr.Emit(ctx, &Command{
		Type: commandSendMessage,
		Payload: &SendRequest{
			ReceiverID:    receiverID,
			Content:       content,
			AttachmentURL: attachmentURL,
			ClientToken:   token,
		},
		RequestID: token,
	})
	if err != nil {
		jww.WARN.Printf("[OS-TL] send to %s failed: %v", receiverID, err)
		if failed := t.markFailed(token, err); failed != nil {
			return failed, errors.Wrap(err, "send message")
		}
		out.Status = StatusFailed
		out.Error = err.Error()
		return &out, errors.Wrap(err, "send message")
	}
	return &out, nil
}

func (t *Timeline) markFailed(token string, cause error) *Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.tokens[token]
	if !ok {
		// Already reconciled.
		return nil
	}
	b := t.buckets[key]
	if b == nil {
		return nil
	}
	m := b.byID[localIDPrefix+token]
	if m == nil {
		return nil
	}
	m.Status = StatusFailed
	m.Error = cause.Error()
	cp := *m
	return &cp
}

// ============================================================================
// Reconciliation
// ============================================================================

// Reconcile applies a confirmed message from the service. A matching
// optimistic record is replaced in place of being duplicated. isNew is
// false when the message was already in the timeline or replaced one of our
// own optimistic records.
func (t *Timeline) Reconcile(m *Message) (stored *Message, isNew bool) {
	if m == nil || m.ID == "" {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	stored, isNew = t.mergeLocked(m)
	if stored == nil {
		return nil, false
	}
	cp := *stored
	return &cp, isNew
}

func (t *Timeline) mergeLocked(in *Message) (*Message, bool) {
	if in == nil || in.ID == "" {
		return nil, false
	}
	m := *in
	m.Status = StatusConfirmed
	m.Error = ""
	key := m.ConversationID
	if key == "" {
		key = draftKey(m.ReceiverID)
	}

	if m.ClientToken != "" {
		if from, ok := t.tokens[m.ClientToken]; ok {
			t.replaceLocked(from, localIDPrefix+m.ClientToken, key, &m)
			delete(t.tokens, m.ClientToken)
			return &m, false
		}
	}

	if b := t.buckets[key]; b != nil {
		if existing, ok := b.byID[m.ID]; ok {
			// Confirmed records are immutable.
			return existing, false
		}
	}

	if from, opt := t.matchOptimisticLocked(key, &m); opt != nil {
		t.replaceLocked(from, opt.ID, key, &m)
		delete(t.tokens, opt.ClientToken)
		return &m, false
	}

	t.bucketLocked(key).insert(&m)
	return &m, true
}

// replaceLocked removes the optimistic record and inserts its confirmed
// counterpart at the position given by the server timestamp. Nothing else
// moves.
func (t *Timeline) replaceLocked(fromKey, oldID, toKey string, m *Message) {
	if b := t.buckets[fromKey]; b != nil {
		b.remove(oldID)
		if len(b.msgs) == 0 && strings.HasPrefix(fromKey, draftPrefix) {
			delete(t.buckets, fromKey)
		}
	}
	dst := t.bucketLocked(toKey)
	if _, dup := dst.byID[m.ID]; dup {
		return
	}
	dst.insert(m)
}

// matchOptimisticLocked finds the oldest pending record that a token-less
// echo can stand for: same sender, same content and attachment, and created
// within the reconcile window. Failed records never reached the service and
// stay in place.
func (t *Timeline) matchOptimisticLocked(key string, m *Message) (string, *Message) {
	keys := []string{key}
	if m.ReceiverID != "" {
		keys = append(keys, draftKey(m.ReceiverID))
	}
	for _, k := range keys {
		b := t.buckets[k]
		if b == nil {
			continue
		}
		for _, cand := range b.msgs {
			if !cand.Optimistic() || cand.Status != StatusPending {
				continue
			}
			if cand.SenderID != "" && cand.SenderID != m.SenderID {
				continue
			}
			if cand.ReceiverID != "" && m.ReceiverID != "" && cand.ReceiverID != m.ReceiverID {
				continue
			}
			if cand.Content != m.Content || cand.AttachmentURL != m.AttachmentURL {
				continue
			}
			if absDuration(cand.CreatedAt.Sub(m.CreatedAt)) > t.window {
				continue
			}
			return k, cand
		}
	}
	return "", nil
}

func (t *Timeline) bucketLocked(key string) *bucket {
	b, ok := t.buckets[key]
	if !ok {
		b = newBucket()
		t.buckets[key] = b
	}
	return b
}

// ============================================================================
// Reads
// ============================================================================

// Messages returns a copy of a conversation's timeline in canonical order.
func (t *Timeline) Messages(conversationID string) []*Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := t.buckets[conversationID]
	if b == nil {
		return nil
	}
	return copyMessages(b.msgs)
}

// Pending returns the optimistic messages sent to a counterpart that has no
// conversation yet.
func (t *Timeline) Pending(receiverID string) []*Message {
	return t.Messages(draftKey(receiverID))
}

// MarkRead flags every inbound message of a conversation read and returns
// how many changed.
func (t *Timeline) MarkRead(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[conversationID]
	if b == nil {
		return 0
	}
	n := 0
	for _, m := range b.msgs {
		if m.IsRead || m.Optimistic() || (t.viewer != "" && m.SenderID == t.viewer) {
			continue
		}
		m.IsRead = true
		n++
	}
	return n
}

func copyMessages(in []*Message) []*Message {
	out := make([]*Message, len(in))
	for i, m := range in {
		cp := *m
		out[i] = &cp
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
