package orgspace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestNewAPIError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		code    string
		message string
	}{
		{"structured", 403, `{"code":"forbidden","message":"not your conversation"}`, "forbidden", "not your conversation"},
		{"plain text", 502, "upstream unavailable\n", "", "upstream unavailable"},
		{"empty", 404, "", "", "Not Found"},
		{"json without message", 400, `{"error":"bad"}`, "", `{"error":"bad"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newAPIError(tt.status, []byte(tt.body))
			require.Equal(t, tt.status, err.StatusCode)
			require.Equal(t, tt.code, err.Code)
			require.Equal(t, tt.message, err.Message)
		})
	}
}

func TestClientErrorsAreTyped(t *testing.T) {
	svc := newFakeService(t, "u1")
	svc.failWith("GET /conversations", http.StatusUnauthorized)

	_, err := svc.client().ListConversations(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.Equal(t, "fake", apiErr.Code)
	require.False(t, IsValidation(err))
}

func TestClientSendsBearerToken(t *testing.T) {
	svc := newFakeService(t, "u1")
	c := NewClient(svc.URL()+"/", "test-token")
	require.Equal(t, svc.URL(), c.BaseURL())

	require.NoError(t, c.MarkRead(context.Background(), "c1"))
	require.Equal(t, []string{"Bearer test-token"}, svc.authSeen)
}

func TestClientUsesCustomHTTPClient(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"isExecutive":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", WithHTTPClient(srv.Client()))
	ok, err := c.ExecutiveStatus(context.Background(), "boss")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, hits)
}

func TestRequestTimeoutDoesNotBoundTransfers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		if r.Method == http.MethodPut {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"isExecutive":false}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-token", WithTimeout(50*time.Millisecond))

	_, err := c.ExecutiveStatus(context.Background(), "boss")
	require.Error(t, err)

	err = c.PutObject(context.Background(), srv.URL+"/storage/big.zip", []byte("payload"), "application/zip")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.PutObject(ctx, srv.URL+"/storage/big.zip", []byte("payload"), "application/zip")
	require.Error(t, err)
}

func TestEngineClientUsesRequestTimeout(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.RequestTimeout = 7 * time.Minute
	e := New(*cfg, Session{Token: "test-token", CurrentUserID: "u1"})

	require.Equal(t, 7*time.Minute, e.Client().httpClient.Timeout)
	require.Zero(t, e.Client().streamClient().Timeout)
}
