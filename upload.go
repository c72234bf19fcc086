package orgspace

import (
	"context"
	"fmt"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// UploadState is what the UI shows for the attachment being sent.
type UploadState string

const (
	UploadIdle      UploadState = "idle"
	UploadUploading UploadState = "uploading"
	UploadFailed    UploadState = "failed"
	UploadDone      UploadState = "done"
)

const fallbackContentType = "application/octet-stream"

// Uploader runs the two-phase attachment upload: ask the service for a
// presigned destination, then PUT the bytes there. Only one upload runs at a
// time.
type Uploader struct {
	client *Client
	cfg    *Config

	mu      sync.Mutex
	state   UploadState
	lastErr error
	fileURL string
}

func NewUploader(client *Client, cfg *Config) *Uploader {
	return &Uploader{client: client, cfg: cfg, state: UploadIdle}
}

// State returns the current upload state.
func (u *Uploader) State() UploadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Err returns why the last upload failed.
func (u *Uploader) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastErr
}

// FileURL returns the reference produced by the last successful upload.
func (u *Uploader) FileURL() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fileURL
}

// Reset returns a finished or failed uploader to idle.
func (u *Uploader) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != UploadUploading {
		u.state, u.lastErr, u.fileURL = UploadIdle, nil, ""
	}
}

// Validate checks an attachment against the configured limits and fills in
// its content type when it is blank. It never touches the network.
func (u *Uploader) Validate(a *Attachment) error {
	if a == nil {
		return errors.Wrap(ErrAttachmentInvalid, "no attachment")
	}
	if a.Size == 0 && len(a.Data) > 0 {
		a.Size = int64(len(a.Data))
	}
	if err := validate.Struct(a); err != nil {
		return errors.Wrap(ErrAttachmentInvalid, err.Error())
	}
	if a.Size > u.cfg.MaxAttachmentSize {
		return errors.Wrapf(ErrAttachmentTooLarge, "%s is %s, limit %s",
			a.FileName, formatBytes(a.Size), formatBytes(u.cfg.MaxAttachmentSize))
	}
	if int64(len(a.Data)) != a.Size {
		return errors.Wrapf(ErrAttachmentInvalid, "%s declares %d bytes but has %d", a.FileName, a.Size, len(a.Data))
	}
	if a.ContentType == "" {
		a.ContentType = detectContentType(a.Data)
	}
	if !u.cfg.mimeAllowed(a.ContentType) {
		return errors.Wrapf(ErrAttachmentType, "%s (%s)", a.FileName, a.ContentType)
	}
	return nil
}

// Upload validates a, transfers it and returns the durable file URL to put
// in a message. Any failure leaves the uploader in the failed state and no
// URL is returned.
func (u *Uploader) Upload(ctx context.Context, a *Attachment) (string, error) {
	u.mu.Lock()
	if u.state == UploadUploading {
		u.mu.Unlock()
		return "", ErrUploadBusy
	}
	if err := u.Validate(a); err != nil {
		u.state, u.lastErr, u.fileURL = UploadFailed, err, ""
		u.mu.Unlock()
		return "", err
	}
	u.state, u.lastErr, u.fileURL = UploadUploading, nil, ""
	u.mu.Unlock()

	jww.INFO.Printf("[OS-UP] uploading %s (%s, %s)", a.FileName, a.ContentType, formatBytes(a.Size))

	dest, err := u.RequestDestination(ctx, a.FileName, a.ContentType, a.Size)
	if err != nil {
		u.finish("", err)
		return "", err
	}
	if err := u.Transfer(ctx, dest.UploadURL, a.Data, a.ContentType); err != nil {
		u.finish("", err)
		return "", err
	}

	u.finish(dest.FileURL, nil)
	jww.INFO.Printf("[OS-UP] uploaded %s", a.FileName)
	return dest.FileURL, nil
}

// RequestDestination is phase one: POST /upload-url. Oversized requests are
// rejected before the call.
func (u *Uploader) RequestDestination(ctx context.Context, fileName, contentType string, size int64) (*UploadDestination, error) {
	if size > u.cfg.MaxAttachmentSize {
		return nil, errors.Wrapf(ErrAttachmentTooLarge, "%s is %s", fileName, formatBytes(size))
	}
	dest, err := u.client.RequestUploadURL(ctx, fileName, contentType, size)
	if err != nil {
		return nil, errors.Wrap(err, "request upload destination")
	}
	return dest, nil
}

// Transfer is phase two: PUT the bytes to the presigned destination.
func (u *Uploader) Transfer(ctx context.Context, uploadURL string, data []byte, contentType string) error {
	if err := u.client.PutObject(ctx, uploadURL, data, contentType); err != nil {
		return errors.Wrap(err, "transfer attachment")
	}
	return nil
}

func (u *Uploader) finish(fileURL string, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err != nil {
		u.state, u.lastErr, u.fileURL = UploadFailed, err, ""
		jww.WARN.Printf("[OS-UP] upload failed: %v", err)
		return
	}
	u.state, u.lastErr, u.fileURL = UploadDone, nil, fileURL
}

func detectContentType(data []byte) string {
	if len(data) == 0 {
		return fallbackContentType
	}
	return mimetype.Detect(data).String()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
