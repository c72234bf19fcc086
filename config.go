package orgspace

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	envPrefix = "orgspace"

	DefaultBaseURL           = "http://localhost:5000/api"
	DefaultTimeout           = 30 * time.Second
	DefaultMaxAttachmentSize = 650 * 1024 * 1024
)

// DefaultAllowedMIMETypes is the attachment allowlist used when none is
// configured.
var DefaultAllowedMIMETypes = []string{
	"image/jpeg", "image/png", "image/gif", "image/webp",
	"application/pdf", "text/plain", "text/csv",
	"application/zip",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"video/mp4", "audio/mpeg",
}

// Config is the environment surface of the engine. Every field can be set
// with ORGSPACE_<NAME>, e.g. ORGSPACE_API_BASE_URL.
type Config struct {
	APIBaseURL        string   `envconfig:"api_base_url" default:"http://localhost:5000/api" validate:"required,url"`
	MaxAttachmentSize int64    `envconfig:"max_attachment_size" default:"681574400" validate:"gt=0"`
	AllowedMIMETypes  []string `envconfig:"allowed_mime_types"`

	RequestTimeout time.Duration `envconfig:"request_timeout" default:"30s" validate:"gt=0"`
	PageSize       int           `envconfig:"page_size" default:"50" validate:"gt=0,lte=500"`
	HistoryRate    int           `envconfig:"history_rate" default:"10" validate:"gt=0"`

	Realtime             bool          `envconfig:"realtime" default:"true"`
	PollInterval         time.Duration `envconfig:"poll_interval" default:"15s" validate:"gt=0"`
	ReconnectBaseDelay   time.Duration `envconfig:"reconnect_base_delay" default:"1s" validate:"gt=0"`
	ReconnectMaxDelay    time.Duration `envconfig:"reconnect_max_delay" default:"30s" validate:"gtefield=ReconnectBaseDelay"`
	MaxReconnectAttempts int           `envconfig:"max_reconnect_attempts" default:"0" validate:"gte=0"`
	HeartbeatInterval    time.Duration `envconfig:"heartbeat_interval" default:"25s" validate:"gt=0"`
	ReconcileWindow      time.Duration `envconfig:"reconcile_window" default:"30s" validate:"gt=0"`
}

// DefaultConfig returns the configuration used when nothing is set in the
// environment.
func DefaultConfig() Config {
	return Config{
		APIBaseURL:         DefaultBaseURL,
		MaxAttachmentSize:  DefaultMaxAttachmentSize,
		AllowedMIMETypes:   append([]string(nil), DefaultAllowedMIMETypes...),
		RequestTimeout:     DefaultTimeout,
		PageSize:           50,
		HistoryRate:        10,
		Realtime:           true,
		PollInterval:       15 * time.Second,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		HeartbeatInterval:  25 * time.Second,
		ReconcileWindow:    30 * time.Second,
	}
}

// LoadConfig reads a .env file when present, then the process environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		jww.WARN.Printf("[OS-CFG] couldn't load .env: %v", err)
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to read environment")
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

func (c *Config) defaults() {
	d := DefaultConfig()
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
	if c.APIBaseURL == "" {
		c.APIBaseURL = d.APIBaseURL
	}
	if c.MaxAttachmentSize == 0 {
		c.MaxAttachmentSize = d.MaxAttachmentSize
	}
	if len(c.AllowedMIMETypes) == 0 {
		c.AllowedMIMETypes = d.AllowedMIMETypes
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.PageSize == 0 {
		c.PageSize = d.PageSize
	}
	if c.HistoryRate == 0 {
		c.HistoryRate = d.HistoryRate
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ReconcileWindow == 0 {
		c.ReconcileWindow = d.ReconcileWindow
	}
}

// mimeAllowed reports whether contentType is on the allowlist. Parameters
// such as charset are ignored.
func (c *Config) mimeAllowed(contentType string) bool {
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	for _, allowed := range c.AllowedMIMETypes {
		if strings.EqualFold(allowed, contentType) {
			return true
		}
	}
	return false
}

var validate = validator.New()
