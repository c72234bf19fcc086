// Package orgspace is the live conversation synchronization engine behind
// the OrgSpace messaging feature.
//
// It keeps a directory of two-party conversations and their message
// timelines in sync with the messaging service, over a real-time channel
// when one is available and over REST polling when it is not.
//
// Example:
//
//	cfg, _ := orgspace.LoadConfig()
//	engine := orgspace.New(cfg, orgspace.Session{Token: token, CurrentUserID: me})
//	if err := engine.Start(ctx); err != nil { ... }
//	defer engine.Stop()
//
//	sel, _ := engine.Select(ctx, "user-42")
//	engine.Send(ctx, sel.CounterpartID, "hello", nil)
package orgspace

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the messaging service's REST surface.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTimeout bounds each REST round trip. Storage transfers and the
// real-time handshake are bounded by their context instead.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		hc := *c.httpClient
		hc.Timeout = d
		c.httpClient = &hc
	}
}

// NewClient creates a REST client for baseURL authenticated with token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// streamClient shares the REST client's transport without its overall
// timeout, for requests whose duration scales with payload size.
func (c *Client) streamClient() *http.Client {
	hc := *c.httpClient
	hc.Timeout = 0
	return &hc
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s %s response", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &result, nil
}

// ============================================================================
// Conversations and messages
// ============================================================================

// ListConversations returns the conversation snapshot for the token holder.
func (c *Client) ListConversations(ctx context.Context) ([]*Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	convs, err := decodeJSON[[]*Conversation](data)
	if err != nil {
		return nil, err
	}
	return *convs, nil
}

// ListMessages returns one page of a conversation's history. An empty cursor
// requests the latest page.
func (c *Client) ListMessages(ctx context.Context, conversationID, cursor string, limit int) (*MessagePage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, q)
	if err != nil {
		return nil, err
	}
	page, err := decodeJSON[MessagePage](data)
	if err != nil {
		return nil, err
	}
	for _, m := range page.Messages {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		m.Status = StatusConfirmed
	}
	return page, nil
}

// SendMessage posts a message over REST and returns the durable record.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/messages", req, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeJSON[Message](data)
	if err != nil {
		return nil, err
	}
	if msg.ClientToken == "" {
		msg.ClientToken = req.ClientToken
	}
	if msg.ReceiverID == "" {
		msg.ReceiverID = req.ReceiverID
	}
	msg.Status = StatusConfirmed
	return msg, nil
}

// MarkRead marks every message in the conversation read for the token holder.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

// ============================================================================
// Uploads
// ============================================================================

// RequestUploadURL asks the service for a presigned upload destination.
func (c *Client) RequestUploadURL(ctx context.Context, fileName, fileType string, size int64) (*UploadDestination, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/upload-url", &uploadURLRequest{
		FileName: fileName,
		FileType: fileType,
		Size:     size,
	}, nil)
	if err != nil {
		return nil, err
	}
	dest, err := decodeJSON[UploadDestination](data)
	if err != nil {
		return nil, err
	}
	if dest.UploadURL == "" || dest.FileURL == "" {
		return nil, errors.New("upload destination is missing uploadUrl or fileUrl")
	}
	return dest, nil
}

// PutObject transfers data directly to a presigned destination. The bearer
// token is not sent; the URL carries its own authorization.
func (c *Client) PutObject(ctx context.Context, uploadURL string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "failed to create upload request")
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", contentType)

	resp, err := c.streamClient().Do(req)
	if err != nil {
		return errors.Wrap(err, "upload failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		jww.DEBUG.Printf("[OS-UP] storage rejected transfer: %d %s", resp.StatusCode, body)
		return newAPIError(resp.StatusCode, body)
	}
	return nil
}

// ============================================================================
// Profiles and status
// ============================================================================

// PublicProfile returns the public profile of an employee.
func (c *Client) PublicProfile(ctx context.Context, userID string) (*Profile, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/employees/public/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return nil, err
	}
	p, err := decodeJSON[Profile](data)
	if err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = userID
	}
	return p, nil
}

// ExecutiveStatus reports whether userID is flagged as an executive.
func (c *Client) ExecutiveStatus(ctx context.Context, userID string) (bool, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/executive/status/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return false, err
	}
	s, err := decodeJSON[executiveStatus](data)
	if err != nil {
		return false, err
	}
	return s.IsExecutive, nil
}
