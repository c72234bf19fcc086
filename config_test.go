package orgspace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, DefaultBaseURL, cfg.APIBaseURL)
	require.Equal(t, int64(DefaultMaxAttachmentSize), cfg.MaxAttachmentSize)
	require.Equal(t, DefaultAllowedMIMETypes, cfg.AllowedMIMETypes)
	require.Equal(t, 50, cfg.PageSize)
	require.True(t, cfg.Realtime)
	require.Equal(t, 30*time.Second, cfg.ReconcileWindow)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("ORGSPACE_API_BASE_URL", "https://chat.example.com/api/")
	t.Setenv("ORGSPACE_PAGE_SIZE", "20")
	t.Setenv("ORGSPACE_REALTIME", "false")
	t.Setenv("ORGSPACE_POLL_INTERVAL", "5s")
	t.Setenv("ORGSPACE_ALLOWED_MIME_TYPES", "image/png,text/plain")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "https://chat.example.com/api", cfg.APIBaseURL)
	require.Equal(t, 20, cfg.PageSize)
	require.False(t, cfg.Realtime)
	require.Equal(t, 5*time.Second, cfg.PollInterval)
	require.Equal(t, []string{"image/png", "text/plain"}, cfg.AllowedMIMETypes)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"page size too large", "ORGSPACE_PAGE_SIZE", "1000"},
		{"not a url", "ORGSPACE_API_BASE_URL", "not a url"},
		{"not a number", "ORGSPACE_HISTORY_RATE", "fast"},
		{"max delay below base", "ORGSPACE_RECONNECT_MAX_DELAY", "10ms"},
		{"negative attempts", "ORGSPACE_MAX_RECONNECT_ATTEMPTS", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestMimeAllowed(t *testing.T) {
	cfg := DefaultConfig()
	require.True(t, cfg.mimeAllowed("image/png"))
	require.True(t, cfg.mimeAllowed("text/plain; charset=utf-8"))
	require.True(t, cfg.mimeAllowed(" Application/PDF "))
	require.False(t, cfg.mimeAllowed("application/x-sh"))
	require.False(t, cfg.mimeAllowed(""))
}
