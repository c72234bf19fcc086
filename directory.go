package orgspace

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Directory holds the conversations of the signed-in identity and resolves
// selectors against them. All mutation goes through its methods; callers
// only ever receive copies.
type Directory struct {
	client *Client
	viewer string

	mu        sync.RWMutex
	convs     map[string]*Conversation
	lastErr   error
	fetchedAt time.Time
}

// NewDirectory creates an empty directory. viewer may be empty when the
// host does not know the signed-in user's id.
func NewDirectory(client *Client, viewer string) *Directory {
	return &Directory{
		client: client,
		viewer: viewer,
		convs:  make(map[string]*Conversation),
	}
}

// Fetch replaces the directory with a fresh REST snapshot. On failure the
// last good snapshot stays in place and Err reports the failure.
func (d *Directory) Fetch(ctx context.Context) error {
	convs, err := d.client.ListConversations(ctx)
	if err != nil {
		d.mu.Lock()
		d.lastErr = err
		d.mu.Unlock()
		jww.WARN.Printf("[OS-DIR] conversation snapshot failed, keeping %d cached: %v", d.Len(), err)
		return errors.Wrap(err, "fetch conversations")
	}
	d.Replace(convs)
	return nil
}

// Replace swaps in a new snapshot. Participants already known for a
// conversation id are kept.
func (d *Directory) Replace(convs []*Conversation) {
	next := make(map[string]*Conversation, len(convs))

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range convs {
		if c == nil || c.ID == "" {
			continue
		}
		cp := *c
		if old, ok := d.convs[c.ID]; ok {
			keepIdentity(&cp, old)
		}
		if cp.Degenerate() {
			jww.WARN.Printf("[OS-DIR] conversation %s has %s on both sides, excluded from resolution", cp.ID, cp.ParticipantA)
		}
		next[cp.ID] = &cp
	}
	d.convs = next
	d.lastErr = nil
	d.fetchedAt = time.Now()
}

// Err returns the error of the last failed snapshot, or nil once a snapshot
// succeeds.
func (d *Directory) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastErr
}

// Stale reports whether the directory is showing data older than the last
// snapshot attempt.
func (d *Directory) Stale() bool {
	return d.Err() != nil
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.convs)
}

// Get returns a copy of the conversation with id.
func (d *Directory) Get(id string) (*Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.convs[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// List returns copies of every conversation, most recent first.
func (d *Directory) List() []*Conversation {
	d.mu.RLock()
	out := make([]*Conversation, 0, len(d.convs))
	for _, c := range d.convs {
		cp := *c
		out = append(out, &cp)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ri, rj := recency(out[i]), recency(out[j])
		if !ri.Equal(rj) {
			return ri.After(rj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Resolve finds the conversation for selector, which is either a
// conversation id or the counterpart's user id. A selector that matches
// nothing is not an error: it comes back unresolved with CounterpartID set.
func (d *Directory) Resolve(selector string) (Resolution, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return Resolution{}, ErrEmptySelector
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if c, ok := d.convs[selector]; ok {
		if c.Degenerate() {
			return Resolution{CounterpartID: selector}, ErrDegenerateConversation
		}
		cp := *c
		return Resolution{
			Resolved:      true,
			Conversation:  &cp,
			CounterpartID: cp.OtherParticipant(d.viewerFor(c)),
		}, nil
	}

	res := Resolution{CounterpartID: selector, ViewerUnknown: d.viewer == "" && len(d.convs) == 0}
	var best *Conversation
	for _, c := range d.convs {
		if c.Degenerate() {
			continue
		}
		viewer := d.viewerFor(c)
		if viewer == "" {
			res.ViewerUnknown = true
			continue
		}
		if selector == viewer || c.OtherParticipant(viewer) != selector {
			continue
		}
		if best == nil || recency(c).After(recency(best)) ||
			(recency(c).Equal(recency(best)) && c.ID < best.ID) {
			best = c
		}
	}
	if best != nil {
		cp := *best
		return Resolution{Resolved: true, Conversation: &cp, CounterpartID: selector}, nil
	}
	return res, nil
}

// Apply merges an inbound conversation_update. Participants are only ever
// filled in, never changed; display fields are overwritten when present.
func (d *Directory) Apply(u *ConversationUpdate) *Conversation {
	if u == nil || u.ID == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.convs[u.ID]
	if !ok {
		c = &Conversation{ID: u.ID}
		d.convs[u.ID] = c
	}

	if c.ParticipantA == "" && c.ParticipantB == "" {
		c.ParticipantA, c.ParticipantB = u.ParticipantA, u.ParticipantB
	} else if (u.ParticipantA != "" && !c.HasParticipant(u.ParticipantA)) ||
		(u.ParticipantB != "" && !c.HasParticipant(u.ParticipantB)) {
		jww.WARN.Printf("[OS-DIR] ignoring participant change on conversation %s", c.ID)
	}
	if c.CurrentUserID == "" {
		c.CurrentUserID = u.CurrentUserID
	}

	if u.LastMessageID != nil {
		c.LastMessageID = *u.LastMessageID
	}
	if u.UpdatedAt != nil && !u.UpdatedAt.IsZero() {
		c.UpdatedAt = *u.UpdatedAt
	}
	if u.CounterpartName != nil {
		c.CounterpartName = *u.CounterpartName
	}
	if u.CounterpartAvatar != nil {
		c.CounterpartAvatar = *u.CounterpartAvatar
	}
	if u.LastMessagePreview != nil {
		c.LastMessagePreview = *u.LastMessagePreview
	}
	if u.LastMessageAt != nil && !u.LastMessageAt.IsZero() {
		c.LastMessageAt = *u.LastMessageAt
	}
	if u.UnreadCount != nil && *u.UnreadCount >= 0 {
		c.UnreadCount = *u.UnreadCount
	}

	cp := *c
	return &cp
}

// NoteMessage folds a newly seen message into its conversation's preview and
// recency. countUnread adds it to the unread counter. A message for an
// unknown conversation mints the entry, which is how a first send to a new
// counterpart shows up.
func (d *Directory) NoteMessage(m *Message, countUnread bool) {
	if m == nil || m.ConversationID == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.convs[m.ConversationID]
	if !ok {
		c = &Conversation{
			ID:            m.ConversationID,
			ParticipantA:  m.SenderID,
			ParticipantB:  m.ReceiverID,
			CurrentUserID: d.viewer,
		}
		if c.ParticipantB == "" {
			// Without a receiver the pair is unknown; leave identity open.
			c.ParticipantA = ""
		}
		d.convs[c.ID] = c
		jww.INFO.Printf("[OS-DIR] new conversation %s", c.ID)
	}

	if countUnread {
		c.UnreadCount++
	}
	if m.CreatedAt.Before(c.LastMessageAt) {
		return
	}
	c.LastMessageID = m.ID
	c.LastMessageAt = m.CreatedAt
	c.LastMessagePreview = preview(m)
	if m.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
	}
}

// ClearUnread zeroes the unread counter and returns what it was.
func (d *Directory) ClearUnread(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.convs[id]
	if !ok {
		return 0
	}
	prev := c.UnreadCount
	c.UnreadCount = 0
	return prev
}

func (d *Directory) viewerFor(c *Conversation) string {
	if c.CurrentUserID != "" {
		return c.CurrentUserID
	}
	return d.viewer
}

func keepIdentity(dst, known *Conversation) {
	if known.ParticipantA != "" || known.ParticipantB != "" {
		dst.ParticipantA, dst.ParticipantB = known.ParticipantA, known.ParticipantB
	}
	if dst.CurrentUserID == "" {
		dst.CurrentUserID = known.CurrentUserID
	}
}

func recency(c *Conversation) time.Time {
	if c.LastMessageAt.After(c.UpdatedAt) {
		return c.LastMessageAt
	}
	return c.UpdatedAt
}

func preview(m *Message) string {
	if m.Content != "" {
		return m.Content
	}
	switch m.AttachmentKind() {
	case AttachmentImage:
		return "[image]"
	case AttachmentFile:
		return "[file]"
	}
	return ""
}
