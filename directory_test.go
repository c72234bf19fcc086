package orgspace

import (
	"context"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func seededDirectory(viewer string, convs ...*Conversation) *Directory {
	d := NewDirectory(nil, viewer)
	d.Replace(convs)
	return d
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

// ============================================================================
// Resolve
// ============================================================================

func TestResolveByIDRoundTrip(t *testing.T) {
	convs := []*Conversation{
		{ID: "c1", ParticipantA: "u1", ParticipantB: "u2", CurrentUserID: "u1", UpdatedAt: at(1)},
		{ID: "c2", ParticipantA: "u3", ParticipantB: "u1", CurrentUserID: "u1", UpdatedAt: at(2)},
		{ID: "c3", ParticipantA: "u4", ParticipantB: "u5", UpdatedAt: at(3)},
	}
	d := seededDirectory("u1", convs...)

	for _, c := range convs {
		res, err := d.Resolve(c.ID)
		require.NoError(t, err)
		require.True(t, res.Resolved, c.ID)
		require.Equal(t, c.ID, res.Conversation.ID)
	}
}

func TestResolveByCounterpart(t *testing.T) {
	convs := []*Conversation{
		{ID: "c1", ParticipantA: "u1", ParticipantB: "u2", CurrentUserID: "u1"},
		{ID: "c2", ParticipantA: "u3", ParticipantB: "u1", CurrentUserID: "u1"},
		{ID: "c3", ParticipantA: "u7", ParticipantB: "u8", CurrentUserID: "u8"},
	}
	d := seededDirectory("", convs...)

	for _, c := range convs {
		other := c.OtherParticipant(c.CurrentUserID)
		res, err := d.Resolve(other)
		require.NoError(t, err)
		require.True(t, res.Resolved, other)
		require.Equal(t, c.ID, res.Conversation.ID)
		require.Equal(t, other, res.CounterpartID)
	}
}

func TestResolveViewerIsNotACounterpart(t *testing.T) {
	d := seededDirectory("", &Conversation{ID: "c1", ParticipantA: "u1", ParticipantB: "u2", CurrentUserID: "u1"})

	res, err := d.Resolve("u2")
	require.NoError(t, err)
	require.True(t, res.Resolved)
	require.Equal(t, "c1", res.Conversation.ID)

	res, err = d.Resolve("u1")
	require.NoError(t, err)
	require.False(t, res.Resolved)
	require.Nil(t, res.Conversation)
	require.Equal(t, "u1", res.CounterpartID)
}

func TestResolveUnknownSelector(t *testing.T) {
	d := seededDirectory("u1", &Conversation{ID: "c1", ParticipantA: "u1", ParticipantB: "u2"})

	res, err := d.Resolve("u99")
	require.NoError(t, err)
	require.False(t, res.Resolved)
	require.Equal(t, "u99", res.CounterpartID)
	require.False(t, res.ViewerUnknown)

	empty := NewDirectory(nil, "u1")
	res, err = empty.Resolve("anything")
	require.NoError(t, err)
	require.False(t, res.Resolved)
}

func TestResolveEmptySelector(t *testing.T) {
	d := seededDirectory("u1")
	_, err := d.Resolve("   ")
	require.ErrorIs(t, err, ErrEmptySelector)
	require.True(t, IsValidation(err))
}

func TestResolveDegenerateConversation(t *testing.T) {
	d := seededDirectory("u1",
		&Conversation{ID: "bad", ParticipantA: "u2", ParticipantB: "u2", CurrentUserID: "u1"},
		&Conversation{ID: "self", ParticipantA: "u1", ParticipantB: "u1", CurrentUserID: "u1"},
	)

	_, err := d.Resolve("bad")
	require.ErrorIs(t, err, ErrDegenerateConversation)

	res, err := d.Resolve("u2")
	require.NoError(t, err)
	require.False(t, res.Resolved)

	res, err = d.Resolve("u1")
	require.NoError(t, err)
	require.False(t, res.Resolved)
}

func TestResolvePrefersMostRecent(t *testing.T) {
	d := seededDirectory("u1",
		&Conversation{ID: "old", ParticipantA: "u1", ParticipantB: "u2", UpdatedAt: at(1)},
		&Conversation{ID: "new", ParticipantA: "u2", ParticipantB: "u1", UpdatedAt: at(5)},
	)
	res, err := d.Resolve("u2")
	require.NoError(t, err)
	require.Equal(t, "new", res.Conversation.ID)
}

func TestResolveViewerUnknown(t *testing.T) {
	d := seededDirectory("", &Conversation{ID: "c1", ParticipantA: "u1", ParticipantB: "u2"})

	res, err := d.Resolve("u2")
	require.NoError(t, err)
	require.False(t, res.Resolved)
	require.True(t, res.ViewerUnknown)

	// Exact ids still work without a viewer.
	res, err = d.Resolve("c1")
	require.NoError(t, err)
	require.True(t, res.Resolved)
}

// ============================================================================
// Snapshot and merge
// ============================================================================

func TestFetchKeepsLastSnapshotOnFailure(t *testing.T) {
	svc := newFakeService(t, "u1")
	svc.setConversations(&Conversation{ID: "c1", ParticipantA: "u1", ParticipantB: "u2", CurrentUserID: "u1"})
	d := NewDirectory(svc.client(), "u1")

	require.NoError(t, d.Fetch(context.Background()))
	require.Equal(t, 1, d.Len())
	require.False(t, d.Stale())

	svc.failWith("GET /conversations", http.StatusBadGateway)
	err := d.Fetch(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadGateway, apiErr.StatusCode)

	require.True(t, d.Stale())
	require.Equal(t, 1, d.Len())
	c, ok := d.Get("c1")
	require.True(t, ok)
	require.Equal(t, "u2", c.ParticipantB)

	svc.failWith("GET /conversations", 0)
	require.NoError(t, d.Fetch(context.Background()))
	require.NoError(t, d.Err())
}

func TestApplyNeverChangesParticipants(t *testing.T) {
	d := seededDirectory("u1", &Conversation{ID: "c1", ParticipantA: "u1", ParticipantB: "u2", UnreadCount: 1})

	got := d.Apply(&ConversationUpdate{
		ID:                 "c1",
		ParticipantA:       "u9",
		ParticipantB:       "u8",
		CounterpartName:    strPtr("Ada"),
		LastMessagePreview: strPtr("hi"),
		UnreadCount:        intPtr(4),
	})
	require.Equal(t, "u1", got.ParticipantA)
	require.Equal(t, "u2", got.ParticipantB)
	require.Equal(t, "Ada", got.CounterpartName)
	require.Equal(t, "hi", got.LastMessagePreview)
	require.Equal(t, 4, got.UnreadCount)

	// Fields absent from the update stay as they were.
	got = d.Apply(&ConversationUpdate{ID: "c1", UnreadCount: intPtr(0)})
	require.Equal(t, "Ada", got.CounterpartName)
	require.Equal(t, 0, got.UnreadCount)
}

func TestApplyFillsUnknownConversation(t *testing.T) {
	d := seededDirectory("u1")
	ts := at(10)
	got := d.Apply(&ConversationUpdate{ID: "c9", ParticipantA: "u1", ParticipantB: "u5", UpdatedAt: &ts})
	require.Equal(t, "u5", got.OtherParticipant("u1"))

	res, err := d.Resolve("u5")
	require.NoError(t, err)
	require.Equal(t, "c9", res.Conversation.ID)
}

func TestReplaceKeepsKnownIdentity(t *testing.T) {
	d := seededDirectory("u1", &Conversation{ID: "c1", ParticipantA: "u1", ParticipantB: "u2"})
	d.Replace([]*Conversation{{ID: "c1", ParticipantA: "u1", ParticipantB: "u3", CounterpartName: "New"}})

	c, _ := d.Get("c1")
	require.Equal(t, "u2", c.ParticipantB)
	require.Equal(t, "New", c.CounterpartName)
}

func TestListOrdersByRecency(t *testing.T) {
	d := seededDirectory("u1",
		&Conversation{ID: "a", UpdatedAt: at(1)},
		&Conversation{ID: "b", UpdatedAt: at(3)},
		&Conversation{ID: "c", UpdatedAt: at(1), LastMessageAt: at(5)},
	)
	require.Equal(t, []string{"c", "b", "a"}, convIDs(d.List()))

	d.NoteMessage(&Message{ID: "m1", ConversationID: "a", SenderID: "u2", Content: "ping", CreatedAt: at(9)}, true)
	require.Equal(t, []string{"a", "c", "b"}, convIDs(d.List()))

	a, _ := d.Get("a")
	require.Equal(t, "ping", a.LastMessagePreview)
	require.Equal(t, 1, a.UnreadCount)
	require.Equal(t, 1, d.ClearUnread("a"))
	a, _ = d.Get("a")
	require.Zero(t, a.UnreadCount)
}

func TestNoteMessageMintsConversation(t *testing.T) {
	d := seededDirectory("u1")
	d.NoteMessage(&Message{
		ID: "m1", ConversationID: "c-new", SenderID: "u1", ReceiverID: "u7",
		AttachmentURL: "https://cdn/x.png", CreatedAt: at(1),
	}, false)

	c, ok := d.Get("c-new")
	require.True(t, ok)
	require.Equal(t, "[image]", c.LastMessagePreview)
	require.Zero(t, c.UnreadCount)

	res, err := d.Resolve("u7")
	require.NoError(t, err)
	require.Equal(t, "c-new", res.Conversation.ID)
}

func TestGetReturnsCopy(t *testing.T) {
	d := seededDirectory("u1", &Conversation{ID: "c1", ParticipantA: "u1", ParticipantB: "u2"})
	c, _ := d.Get("c1")
	c.ParticipantB = "mutated"
	again, _ := d.Get("c1")
	require.Equal(t, "u2", again.ParticipantB)
}

func convIDs(convs []*Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}
