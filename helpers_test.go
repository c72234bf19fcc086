package orgspace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

func testConfig(baseURL string) *Config {
	cfg := DefaultConfig()
	cfg.APIBaseURL = baseURL
	cfg.RequestTimeout = 2 * time.Second
	cfg.HistoryRate = 1000
	cfg.PollInterval = 20 * time.Millisecond
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	cfg.MaxAttachmentSize = 1 << 20
	return &cfg
}

// fakeService is an in-memory messaging service behind httptest.
type fakeService struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	viewer    string
	convs     []*Conversation
	pages     map[string]map[string]*MessagePage // conversation -> cursor -> page
	calls     map[string]int
	fail      map[string]int // "METHOD /path" prefix -> status code
	execs     map[string]bool
	execGate  chan struct{}
	profiles  map[string]*Profile
	sent      []*SendRequest
	uploads   [][]byte
	uploadCTs []string
	authSeen  []string
	nextID    int
}

func newFakeService(t *testing.T, viewer string) *fakeService {
	f := &fakeService{
		t:        t,
		viewer:   viewer,
		pages:    make(map[string]map[string]*MessagePage),
		calls:    make(map[string]int),
		fail:     make(map[string]int),
		execs:    make(map[string]bool),
		profiles: make(map[string]*Profile),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) URL() string { return f.srv.URL }

func (f *fakeService) client() *Client {
	return NewClient(f.srv.URL, "test-token")
}

func (f *fakeService) setConversations(convs ...*Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs = convs
}

func (f *fakeService) setPage(convID, cursor string, next string, msgs ...*Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages[convID] == nil {
		f.pages[convID] = make(map[string]*MessagePage)
	}
	f.pages[convID][cursor] = &MessagePage{Messages: msgs, NextCursor: next}
}

func (f *fakeService) failWith(route string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status == 0 {
		delete(f.fail, route)
		return
	}
	f.fail[route] = status
}

// count returns how many requests started with route, e.g. "POST /upload-url".
func (f *fakeService) count(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, v := range f.calls {
		if strings.HasPrefix(k, route) {
			n += v
		}
	}
	return n
}

func (f *fakeService) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.calls {
		n += v
	}
	return n
}

func (f *fakeService) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	route := r.Method + " " + r.URL.Path

	f.mu.Lock()
	f.calls[route]++
	f.authSeen = append(f.authSeen, r.Header.Get("Authorization"))
	status := 0
	for prefix, code := range f.fail {
		if strings.HasPrefix(route, prefix) {
			status = code
		}
	}
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"code":"fake","message":"injected %d"}`, status)
		return
	}

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/conversations":
		f.mu.Lock()
		convs := f.convs
		f.mu.Unlock()
		if convs == nil {
			convs = []*Conversation{}
		}
		f.writeJSON(w, convs)

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/messages"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/conversations/"), "/messages")
		f.mu.Lock()
		page := f.pages[id][r.URL.Query().Get("cursor")]
		f.mu.Unlock()
		if page == nil {
			page = &MessagePage{Messages: []*Message{}}
		}
		f.writeJSON(w, page)

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/read"):
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost && path == "/messages":
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.sent = append(f.sent, &req)
		f.nextID++
		convID := "c-" + req.ReceiverID
		for _, c := range f.convs {
			if c.HasParticipant(req.ReceiverID) && c.HasParticipant(f.viewer) {
				convID = c.ID
			}
		}
		msg := &Message{
			ID:             fmt.Sprintf("m%d", 100+f.nextID-1),
			ClientToken:    req.ClientToken,
			ConversationID: convID,
			SenderID:       f.viewer,
			ReceiverID:     req.ReceiverID,
			Content:        req.Content,
			AttachmentURL:  req.AttachmentURL,
			CreatedAt:      time.Now().UTC(),
		}
		f.mu.Unlock()
		f.writeJSON(w, msg)

	case r.Method == http.MethodPost && path == "/upload-url":
		var req uploadURLRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.writeJSON(w, &UploadDestination{
			UploadURL: f.srv.URL + "/storage/" + req.FileName + "?sig=abc",
			FileURL:   "https://cdn.example.com/files/" + req.FileName,
		})

	case r.Method == http.MethodPut && strings.HasPrefix(path, "/storage/"):
		data, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.uploads = append(f.uploads, data)
		f.uploadCTs = append(f.uploadCTs, r.Header.Get("Content-Type"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/employees/public/"):
		id := strings.TrimPrefix(path, "/employees/public/")
		f.mu.Lock()
		prof, ok := f.profiles[id]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"employee not found"}`)
			return
		}
		f.writeJSON(w, prof)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/executive/status/"):
		id := strings.TrimPrefix(path, "/executive/status/")
		f.mu.Lock()
		gate := f.execGate
		v := f.execs[id]
		f.mu.Unlock()
		if gate != nil {
			<-gate
		}
		f.writeJSON(w, &executiveStatus{IsExecutive: v})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// ============================================================================
// Fake transport
// ============================================================================

type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	emitErr    error
	gate       chan struct{}
	emitted    []*Command
	events     chan Event
	connects   int
}

func newFakeTransport(connected bool) *fakeTransport {
	return &fakeTransport{connected: connected, events: make(chan Event, 64)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.setConnected(false)
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) State() TransportState {
	if f.Connected() {
		return StateConnected
	}
	return StateDisconnected
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) Emit(ctx context.Context, cmd *Command) error {
	f.mu.Lock()
	gate, err := f.gate, f.emitErr
	f.emitted = append(f.emitted, cmd)
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeTransport) setConnected(on bool) {
	f.mu.Lock()
	f.connected = on
	f.mu.Unlock()
}

func (f *fakeTransport) commands() []*Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Command(nil), f.emitted...)
}

func (f *fakeTransport) push(t *testing.T, typ EventType, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.events <- Event{Type: typ, Payload: data}
}

func ids(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
