package orgspace

import (
	"encoding/json"
	"path"
	"strings"
	"time"
)

// ============================================================================
// Session
// ============================================================================

// Session is the identity the host hands to the engine. The engine never
// looks anywhere else for the viewer's id or the bearer token.
type Session struct {
	Token         string
	CurrentUserID string
}

// ViewerKnown reports whether the host supplied the viewer's user id.
func (s Session) ViewerKnown() bool {
	return s.CurrentUserID != ""
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is a two-party thread.
type Conversation struct {
	ID            string    `json:"id"`
	ParticipantA  string    `json:"participantA"`
	ParticipantB  string    `json:"participantB"`
	CurrentUserID string    `json:"currentUserId,omitempty"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`

	CounterpartName    string    `json:"counterpartName,omitempty"`
	CounterpartAvatar  string    `json:"counterpartAvatar,omitempty"`
	LastMessagePreview string    `json:"lastMessage,omitempty"`
	LastMessageAt      time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount        int       `json:"unreadCount"`
}

// Degenerate reports a self-conversation, which can never be resolved.
// A conversation whose participants are not known yet is not degenerate.
func (c *Conversation) Degenerate() bool {
	return c.ParticipantA != "" && c.ParticipantA == c.ParticipantB
}

// HasParticipant reports whether userID is one of the two sides.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// OtherParticipant returns the side that is not viewer, or "" when viewer is
// not part of the conversation.
func (c *Conversation) OtherParticipant(viewer string) string {
	switch viewer {
	case "":
		return ""
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return ""
}

// ConversationUpdate is the payload of a conversation_update event. Nil
// pointer fields are left untouched by the merge.
type ConversationUpdate struct {
	ID                 string     `json:"id"`
	ParticipantA       string     `json:"participantA,omitempty"`
	ParticipantB       string     `json:"participantB,omitempty"`
	CurrentUserID      string     `json:"currentUserId,omitempty"`
	LastMessageID      *string    `json:"lastMessageId,omitempty"`
	UpdatedAt          *time.Time `json:"updatedAt,omitempty"`
	CounterpartName    *string    `json:"counterpartName,omitempty"`
	CounterpartAvatar  *string    `json:"counterpartAvatar,omitempty"`
	LastMessagePreview *string    `json:"lastMessage,omitempty"`
	LastMessageAt      *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount        *int       `json:"unreadCount,omitempty"`
}

// Resolution is the outcome of resolving a selector. When Resolved is false
// the selector is treated as a bare counterpart id.
type Resolution struct {
	Resolved      bool
	Conversation  *Conversation
	CounterpartID string
	ViewerUnknown bool
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus tracks an outbound message from optimistic insert to echo.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// Message is a single entry in a conversation timeline.
type Message struct {
	ID             string        `json:"id"`
	ClientToken    string        `json:"clientToken,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId,omitempty"`
	Content        string        `json:"content"`
	AttachmentURL  string        `json:"attachmentUrl,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	IsRead         bool          `json:"isRead"`
	Status         MessageStatus `json:"status,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Optimistic reports whether the record is still a local placeholder.
func (m *Message) Optimistic() bool {
	return m.Status == StatusPending || m.Status == StatusFailed
}

// AttachmentKind returns how the message's attachment should be rendered.
func (m *Message) AttachmentKind() AttachmentKind {
	return ClassifyAttachment(m.AttachmentURL)
}

// lessMessage is the canonical timeline order: CreatedAt, then ID.
func lessMessage(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// MessagePage is one page of GET /conversations/{id}/messages.
type MessagePage struct {
	Messages   []*Message `json:"messages"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// SendRequest is the body of POST /messages and of the send_message command.
type SendRequest struct {
	ReceiverID    string `json:"receiverId"`
	Content       string `json:"content"`
	AttachmentURL string `json:"attachmentUrl,omitempty"`
	ClientToken   string `json:"clientToken,omitempty"`
}

// ============================================================================
// Attachments
// ============================================================================

// AttachmentKind distinguishes inline images from generic file chips.
type AttachmentKind string

const (
	AttachmentNone  AttachmentKind = ""
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".svg": true,
}

// ClassifyAttachment sniffs the attachment kind from the URL's extension.
// Query strings of presigned URLs are ignored.
func ClassifyAttachment(url string) AttachmentKind {
	if url == "" {
		return AttachmentNone
	}
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	if imageExtensions[strings.ToLower(path.Ext(url))] {
		return AttachmentImage
	}
	return AttachmentFile
}

// Attachment is a file the caller wants to send along with a message.
type Attachment struct {
	FileName    string `validate:"required"`
	ContentType string
	Size        int64 `validate:"gt=0"`
	Data        []byte
}

// UploadDestination is the response of POST /upload-url.
type UploadDestination struct {
	UploadURL string `json:"uploadUrl"`
	FileURL   string `json:"fileUrl"`
}

type uploadURLRequest struct {
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	Size     int64  `json:"size"`
}

// ============================================================================
// Profiles and status
// ============================================================================

// Profile is the public profile of a counterpart.
type Profile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Avatar     string `json:"avatar,omitempty"`
	Department string `json:"department,omitempty"`
	EmployeeID string `json:"employeeId,omitempty"`
}

type executiveStatus struct {
	IsExecutive bool `json:"isExecutive"`
}

// PresencePayload is the payload of a presence event.
type PresencePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// ============================================================================
// Real-time wire format
// ============================================================================

// EventType discriminates inbound frames.
type EventType string

const (
	EventMessage            EventType = "message"
	EventConversationUpdate EventType = "conversation_update"
	EventPresence           EventType = "presence"
	EventAuthenticated      EventType = "authenticated"
	EventPong               EventType = "pong"
	EventError              EventType = "error"
)

// Event is the wire format of every inbound real-time frame.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server frame.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

const (
	commandSendMessage = "send_message"
	commandPing        = "ping"
)

type pongPayload struct {
	RequestID string `json:"requestId"`
}

type errorPayload struct {
	Message string `json:"message"`
}
